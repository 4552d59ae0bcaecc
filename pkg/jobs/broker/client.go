package broker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// Client is the worker side of the broker socket. One request is sent per
// idle cycle; the worker then blocks until the broker streams a job back.
// Not safe for concurrent use; each worker owns its own Client.
type Client struct {
	address        string
	connectTimeout time.Duration
	conn           net.Conn
}

// NewClient creates a Client for the broker at the given socket path.
func NewClient(address string, connectTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	return &Client{address: address, connectTimeout: connectTimeout}
}

// Get sends the worker's fetch criteria and blocks until the broker
// replies with a job. Any I/O error resets the connection so the next call
// redials; the caller treats the error as transient and retries on its
// next loop.
func (c *Client) Get(ctx context.Context, workerName string, config WorkerConfig) (*storage.Job, error) {
	if err := c.ensureConn(); err != nil {
		return nil, err
	}

	// Unblock the pending read if the caller gives up; the worker treats
	// the resulting I/O error as a normal shutdown signal.
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	req := Request{WorkerName: workerName, Config: config}
	if err := writeFrame(c.conn, req); err != nil {
		c.reset()
		return nil, fmt.Errorf("broker: send request: %w", err)
	}

	var job storage.Job
	if err := readFrame(c.conn, &job); err != nil {
		c.reset()
		return nil, fmt.Errorf("broker: read job: %w", err)
	}

	return &job, nil
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", c.address, c.connectTimeout)
	if err != nil {
		return fmt.Errorf("broker: connect %s: %w", c.address, err)
	}

	c.conn = conn
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the connection if one is open.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
