// Package broker implements the per-host work queue server and its client
// side. Workers connect over a Unix-domain socket; the broker batches
// database fetches on their behalf and prefetches extra jobs to cover the
// next request wave.
package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// maxFrameSize bounds a single protocol frame; anything larger is a
// protocol error, not a legitimate message.
const maxFrameSize = storage.MaxPayloadSize + 64*1024

// WorkerConfig is the fetch criteria a worker sends with each request.
// Workers sharing a config share a waiting bucket and a prefetch bucket in
// the broker.
type WorkerConfig struct {
	Queue       string `json:"queue"`
	MinPriority int    `json:"min_priority"`
	MaxPriority int    `json:"max_priority"`
	PoolSize    int    `json:"pool_size"`
}

// Key collapses the config to the bucket key.
func (c WorkerConfig) Key() string {
	return fmt.Sprintf("%s|%d|%d|%d", c.Queue, c.MinPriority, c.MaxPriority, c.PoolSize)
}

// Request is the single client→broker message: one per idle cycle.
type Request struct {
	WorkerName string       `json:"name"`
	Config     WorkerConfig `json:"config"`
}

// Frames are length-prefixed JSON: a 4-byte big-endian length followed by
// the encoded value. The broker only ever writes one frame per idle cycle
// per client, and each connection is read on its own goroutine, so a
// blocking decode here never stalls the server loop.

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broker: encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("broker: frame too large: %d bytes", len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("broker: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("broker: write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("broker: frame too large: %d bytes", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("broker: decode frame: %w", err)
	}
	return nil
}
