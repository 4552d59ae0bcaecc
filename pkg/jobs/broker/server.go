package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/instructure/canvas-jobs/pkg/jobs/hooks"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// Logger is the minimal logging surface the broker needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Server.
type Options struct {
	// Address is the Unix-domain socket path to listen on.
	Address string

	// SleepDelay and SleepDelayStagger set the loop timeout: each
	// iteration waits SleepDelay plus a uniform random slice of the
	// stagger, so a fleet of brokers never polls in lockstep.
	SleepDelay        time.Duration
	SleepDelayStagger time.Duration

	// FetchBatchSize is the per-worker-slot fetch multiplier: a bucket
	// with pool size P fetches up to FetchBatchSize*P jobs per pass.
	FetchBatchSize int

	// ServerSocketTimeout bounds every write to a client; exceeding it
	// drops the client and unlocks the job.
	ServerSocketTimeout time.Duration

	// PrefetchedJobsTimeout is how long a prefetch bucket may sit
	// unclaimed before the whole bucket is unlocked.
	PrefetchedJobsTimeout time.Duration

	// OrphanSweepInterval is how often the store-wide orphaned-prefetch
	// sweep runs, covering brokers that died mid-prefetch.
	OrphanSweepInterval time.Duration

	// ParentPID, when non-zero, makes the loop exit once the supervisor
	// process is gone.
	ParentPID int

	Logger Logger
	Hooks  *hooks.Registry
}

func (o Options) withDefaults() Options {
	if o.SleepDelay <= 0 {
		o.SleepDelay = 2 * time.Second
	}
	if o.SleepDelayStagger < 0 {
		o.SleepDelayStagger = 0
	}
	if o.FetchBatchSize <= 0 {
		o.FetchBatchSize = 5
	}
	if o.ServerSocketTimeout <= 0 {
		o.ServerSocketTimeout = 10 * time.Second
	}
	if o.PrefetchedJobsTimeout <= 0 {
		o.PrefetchedJobsTimeout = 30 * time.Second
	}
	if o.OrphanSweepInterval <= 0 {
		o.OrphanSweepInterval = 15 * time.Minute
	}
	return o
}

// Server is the per-host work queue server. All of its state is owned by
// the Run loop goroutine; the accept and per-connection reader goroutines
// only feed it over channels, so the maps below need no locking.
type Server struct {
	store         storage.JobStore
	opts          Options
	prefetchOwner string

	listener net.Listener

	conns       chan net.Conn
	requests    chan clientRequest
	disconnects chan *client
	acceptErrs  chan error

	clients    map[*client]struct{}
	waiting    map[string]*bucket
	prefetched map[string][]*storage.Job
}

type client struct {
	conn   net.Conn
	name   string
	closed bool
}

type clientRequest struct {
	client *client
	req    Request
}

// bucket holds the idle clients waiting under one worker config, in
// arrival order.
type bucket struct {
	config  WorkerConfig
	clients []*client
}

func (b *bucket) popWaiter() *client {
	for len(b.clients) > 0 {
		cl := b.clients[0]
		b.clients = b.clients[1:]
		if !cl.closed {
			return cl
		}
	}
	return nil
}

func (b *bucket) pushFront(cl *client) {
	b.clients = append([]*client{cl}, b.clients...)
}

func (b *bucket) waiters() []*client {
	live := b.clients[:0]
	for _, cl := range b.clients {
		if !cl.closed {
			live = append(live, cl)
		}
	}
	b.clients = live
	return live
}

// PrefetchOwner returns the lock identity this host's broker uses for jobs
// it has fetched but not yet assigned.
func PrefetchOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return storage.PrefetchPrefix + host
}

// NewServer creates a Server over the given store.
func NewServer(store storage.JobStore, opts Options) (*Server, error) {
	if store == nil {
		return nil, errors.New("broker: store is required")
	}
	if opts.Address == "" {
		return nil, errors.New("broker: address is required")
	}

	return &Server{
		store:         store,
		opts:          opts.withDefaults(),
		prefetchOwner: PrefetchOwner(),
		conns:         make(chan net.Conn),
		requests:      make(chan clientRequest),
		disconnects:   make(chan *client),
		acceptErrs:    make(chan error, 1),
		clients:       make(map[*client]struct{}),
		waiting:       make(map[string]*bucket),
		prefetched:    make(map[string][]*storage.Job),
	}, nil
}

// Run listens on the socket and processes the loop until ctx is cancelled,
// the listener fails, or the parent process dies. All prefetched jobs are
// unlocked on every exit path.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.opts.Address), 0o755); err != nil {
		return fmt.Errorf("broker: create socket dir: %w", err)
	}
	// A stale socket file from a dead broker would fail the bind.
	if err := os.Remove(s.opts.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("broker: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.opts.Address)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	s.listener = listener

	defer s.shutdown()

	go s.acceptLoop(ctx)

	s.log("Info", "work queue server started", "address", s.opts.Address, "prefetch_owner", s.prefetchOwner)

	nextOrphanSweep := time.Now().Add(time.Duration(rand.Int63n(int64(s.opts.OrphanSweepInterval))))

	for {
		timer := time.NewTimer(s.loopTimeout())

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case err := <-s.acceptErrs:
			timer.Stop()
			return err
		case conn := <-s.conns:
			s.registerClient(ctx, conn)
		case req := <-s.requests:
			s.handleRequest(req)
		case cl := <-s.disconnects:
			s.dropClient(cl)
		case <-timer.C:
		}
		timer.Stop()

		if s.opts.ParentPID != 0 && os.Getppid() != s.opts.ParentPID {
			s.log("Info", "parent process gone, exiting")
			return nil
		}

		s.checkForWork(ctx)
		s.unlockTimedOutPrefetched(ctx)

		if time.Now().After(nextOrphanSweep) {
			cutoff := time.Now().Add(-s.opts.PrefetchedJobsTimeout)
			if n, err := s.store.UnlockOrphanedPrefetchedJobs(ctx, cutoff); err != nil {
				s.log("Error", "orphaned prefetch sweep failed", "error", err)
			} else if n > 0 {
				s.log("Info", "unlocked orphaned prefetched jobs", "count", n)
			}
			nextOrphanSweep = time.Now().Add(s.opts.OrphanSweepInterval)
		}
	}
}

func (s *Server) loopTimeout() time.Duration {
	wait := s.opts.SleepDelay
	if s.opts.SleepDelayStagger > 0 {
		wait += time.Duration(rand.Int63n(int64(s.opts.SleepDelayStagger)))
	}
	return wait
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Any other listen-socket failure is fatal; the supervisor
			// restarts the broker.
			select {
			case s.acceptErrs <- fmt.Errorf("broker: accept: %w", err):
			default:
			}
			return
		}

		select {
		case s.conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (s *Server) registerClient(ctx context.Context, conn net.Conn) {
	cl := &client{conn: conn}
	s.clients[cl] = struct{}{}
	go s.readLoop(ctx, cl)
	s.log("Debug", "client connected", "clients", len(s.clients))
}

func (s *Server) readLoop(ctx context.Context, cl *client) {
	for {
		var req Request
		if err := readFrame(cl.conn, &req); err != nil {
			select {
			case s.disconnects <- cl:
			case <-ctx.Done():
			}
			return
		}

		select {
		case s.requests <- clientRequest{client: cl, req: req}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleRequest(r clientRequest) {
	cl := r.client
	if cl.closed {
		return
	}
	cl.name = r.req.WorkerName

	key := r.req.Config.Key()
	b := s.waiting[key]
	if b == nil {
		b = &bucket{config: r.req.Config}
		s.waiting[key] = b
	}
	b.clients = append(b.clients, cl)

	s.log("Debug", "worker waiting", "worker", cl.name, "bucket", key)
}

func (s *Server) dropClient(cl *client) {
	if cl.closed {
		return
	}
	cl.closed = true
	cl.conn.Close()
	delete(s.clients, cl)
	s.log("Debug", "client dropped", "worker", cl.name, "clients", len(s.clients))
}

// checkForWork hands prefetched jobs to waiting workers, then batch-fetches
// for anyone still waiting, prefetching extra to cover the next wave.
func (s *Server) checkForWork(ctx context.Context) {
	s.fireHook(hooks.CheckForWork, nil, s)

	for key, b := range s.waiting {
		s.dispatchBucket(ctx, key, b)
		if len(b.waiters()) == 0 {
			delete(s.waiting, key)
		}
	}
}

func (s *Server) dispatchBucket(ctx context.Context, key string, b *bucket) {
	// Hand out what we already hold before touching the database.
	jobs := s.prefetched[key]
	for len(jobs) > 0 {
		cl := b.popWaiter()
		if cl == nil {
			break
		}

		job := jobs[0]
		ok, err := s.store.TransferLock(ctx, job.ID, s.prefetchOwner, cl.name)
		if err != nil {
			// Transient store error: put the worker back and retry the
			// whole bucket next loop.
			s.log("Error", "transfer lock failed", "job_id", job.ID, "error", err)
			b.pushFront(cl)
			break
		}

		jobs = jobs[1:]
		if !ok {
			// Reaped out from under us; forget the job, keep the worker.
			s.log("Warn", "prefetched job no longer ours", "job_id", job.ID)
			b.pushFront(cl)
			continue
		}

		job.LockedBy = cl.name
		s.send(ctx, cl, job)
	}
	s.prefetched[key] = jobs

	waiters := b.waiters()
	if len(waiters) == 0 {
		return
	}

	recipients := make([]string, len(waiters))
	for i, cl := range waiters {
		recipients[i] = cl.name
	}

	prefetchN := s.opts.FetchBatchSize*b.config.PoolSize - len(recipients)
	if prefetchN < 0 {
		prefetchN = 0
	}

	var (
		result   *storage.LockResult
		fetchErr error
	)
	s.fireHook(hooks.WorkQueuePop, func() {
		result, fetchErr = s.store.GetAndLockNextAvailable(ctx, recipients, b.config.Queue,
			b.config.MinPriority, b.config.MaxPriority, prefetchN, s.prefetchOwner)
	}, s, b.config)

	if fetchErr != nil {
		s.log("Error", "batch fetch failed", "bucket", key, "error", fetchErr)
		return
	}
	if result == nil {
		return
	}

	remaining := b.clients[:0]
	for _, cl := range b.clients {
		if cl.closed {
			continue
		}
		job := result.ByWorker[cl.name]
		if job == nil {
			remaining = append(remaining, cl)
			continue
		}
		delete(result.ByWorker, cl.name)
		s.send(ctx, cl, job)
	}
	b.clients = remaining

	if len(result.Prefetched) > 0 {
		s.prefetched[key] = append(s.prefetched[key], result.Prefetched...)
		s.log("Debug", "prefetched jobs", "bucket", key, "count", len(result.Prefetched))
	}
}

// send writes one job frame under the write deadline. Failure drops the
// client and unlocks the job so another worker can claim it.
func (s *Server) send(ctx context.Context, cl *client, job *storage.Job) {
	_ = cl.conn.SetWriteDeadline(time.Now().Add(s.opts.ServerSocketTimeout))
	err := writeFrame(cl.conn, job)
	_ = cl.conn.SetWriteDeadline(time.Time{})

	if err != nil {
		s.log("Error", "send to worker failed", "worker", cl.name, "job_id", job.ID, "error", err)
		s.dropClient(cl)
		if _, uerr := s.store.Unlock(ctx, []int64{job.ID}); uerr != nil {
			s.log("Error", "unlock after failed send", "job_id", job.ID, "error", uerr)
		}
		return
	}

	s.log("Debug", "job sent", "worker", cl.name, "job_id", job.ID)
}

// unlockTimedOutPrefetched releases an entire prefetch bucket once its
// oldest entry has sat unclaimed past the timeout.
func (s *Server) unlockTimedOutPrefetched(ctx context.Context) {
	for key, jobs := range s.prefetched {
		if len(jobs) == 0 {
			delete(s.prefetched, key)
			continue
		}

		oldest := jobs[0]
		if oldest.LockedAt == nil || time.Since(*oldest.LockedAt) <= s.opts.PrefetchedJobsTimeout {
			continue
		}

		ids := make([]int64, len(jobs))
		for i, job := range jobs {
			ids[i] = job.ID
		}

		if _, err := s.store.Unlock(ctx, ids); err != nil {
			s.log("Error", "unlock timed out prefetch bucket", "bucket", key, "error", err)
			continue
		}

		delete(s.prefetched, key)
		s.log("Info", "unlocked timed out prefetched jobs", "bucket", key, "count", len(ids))
	}
}

// shutdown unlocks every held prefetched job and tears the socket down.
// Runs on every Run exit path; uses its own context since the loop's may
// already be cancelled.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ids []int64
	for _, jobs := range s.prefetched {
		for _, job := range jobs {
			ids = append(ids, job.ID)
		}
	}
	if len(ids) > 0 {
		if _, err := s.store.Unlock(ctx, ids); err != nil {
			s.log("Error", "unlock prefetched jobs on shutdown", "error", err)
		}
	}
	s.prefetched = make(map[string][]*storage.Job)

	for cl := range s.clients {
		cl.closed = true
		cl.conn.Close()
	}
	s.clients = make(map[*client]struct{})

	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.opts.Address)

	s.log("Info", "work queue server stopped")
}

func (s *Server) fireHook(event hooks.Event, inner func(), args ...any) {
	if s.opts.Hooks == nil {
		if inner != nil {
			inner()
		}
		return
	}
	if err := s.opts.Hooks.Fire(event, inner, args...); err != nil {
		s.log("Error", "lifecycle hook failed", "event", string(event), "error", err)
	}
}

func (s *Server) log(level, msg string, keysAndValues ...any) {
	if s.opts.Logger == nil {
		return
	}
	switch level {
	case "Debug":
		s.opts.Logger.Debug(msg, keysAndValues...)
	case "Info":
		s.opts.Logger.Info(msg, keysAndValues...)
	case "Warn":
		s.opts.Logger.Warn(msg, keysAndValues...)
	case "Error":
		s.opts.Logger.Error(msg, keysAndValues...)
	}
}
