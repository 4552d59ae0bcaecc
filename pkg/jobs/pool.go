package jobs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/instructure/canvas-jobs/pkg/jobs/broker"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// Pool manages a set of worker clients plus the optional health reaper
// ticker. The supervisor that spawns worker OS processes is an external
// collaborator; a Pool is the in-process rendering used by tests and
// single-process deployments. cmd/jobsd does not start a Pool; it runs
// only the broker.
type Pool struct {
	config Config
	store  storage.JobStore
	runner Runner

	workers   []*worker
	workerWg  sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	mu        sync.RWMutex
}

// NewPool creates a Pool with the provided configuration and job runner.
func NewPool(config Config, runner Runner) (*Pool, error) {
	config = config.WithDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	if runner == nil {
		return nil, ErrRunnerRequired
	}

	return &Pool{
		config: config,
		store:  config.Storage,
		runner: runner,
	}, nil
}

// WorkerName builds a locker identity unique to this process incarnation,
// so a restarted host never aliases a dead worker's locks.
func WorkerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Start begins processing jobs with the configured number of workers.
func (p *Pool) Start() error {
	var err error
	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.started {
			err = ErrPoolAlreadyStarted
			return
		}

		p.ctx, p.cancel = context.WithCancel(context.Background())

		p.workers = make([]*worker, p.config.Workers)
		for i := 0; i < p.config.Workers; i++ {
			w := newWorker(WorkerName(), p.workQueue(), p)
			p.workers[i] = w

			p.workerWg.Add(1)
			go func(w *worker) {
				defer p.workerWg.Done()
				w.run(p.ctx)
			}(w)
		}

		if p.reaperEnabled() {
			p.workerWg.Add(1)
			go func() {
				defer p.workerWg.Done()
				p.runHealthChecks(p.ctx)
			}()
			p.log("Info", "health reaper enabled",
				"interval", p.config.HealthCheckInterval,
				"type", p.config.WorkerHealthCheckType)
		}

		p.started = true
		p.log("Info", "pool started", "workers", p.config.Workers, "work_queue", string(p.config.WorkQueue))
	})

	return err
}

func (p *Pool) workQueue() WorkQueue {
	if p.config.WorkQueue == WorkQueueParentProcess {
		client := broker.NewClient(p.config.ServerAddress, p.config.ClientConnectTimeout)
		return NewAsyncQueue(client, broker.WorkerConfig{
			Queue:       p.config.Queue,
			MinPriority: p.config.MinPriority,
			MaxPriority: p.config.MaxPriority,
			PoolSize:    p.config.Workers,
		})
	}
	return NewInProcessQueue(p.store, p.config.Queue, p.config.MinPriority, p.config.MaxPriority)
}

func (p *Pool) reaperEnabled() bool {
	return p.config.HealthCheckInterval > 0 &&
		p.config.WorkerHealthCheckType != "none" &&
		p.config.HealthOracle != nil
}

func (p *Pool) runHealthChecks(ctx context.Context) {
	reaper := NewHealthReaper(p.store, p.config.HealthOracle, p.config.Logger)

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reaper.Sweep(ctx); err != nil {
				p.log("Error", "health sweep failed", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the pool, waiting up to SlowExitTimeout for
// workers to finish their current jobs.
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		if !p.started {
			p.mu.Unlock()
			err = ErrPoolNotStarted
			return
		}
		p.mu.Unlock()

		p.log("Info", "stopping pool", "timeout", p.config.SlowExitTimeout)

		p.cancel()

		done := make(chan struct{})
		go func() {
			p.workerWg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.log("Info", "pool stopped gracefully")
		case <-time.After(p.config.SlowExitTimeout):
			p.log("Error", "slow exit timeout exceeded", "timeout", p.config.SlowExitTimeout)
			err = fmt.Errorf("slow exit timeout exceeded after %s", p.config.SlowExitTimeout)
			if p.config.KillWorkersOnExit {
				// Abandon the stuck workers and release their locks so the
				// jobs can be claimed again; the health reaper would do the
				// same eventually.
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				for _, w := range p.workers {
					if cerr := p.store.ClearLocks(ctx, w.name); cerr != nil {
						p.log("Error", "clear locks for abandoned worker", "worker", w.name, "error", cerr)
					}
				}
				cancel()
			}
		}

		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
	})

	return err
}

// IsRunning returns true if the pool is currently processing jobs.
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Ping checks if the storage backend is healthy.
func (p *Pool) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

func (p *Pool) log(level string, msg string, keysAndValues ...any) {
	if p.config.Logger == nil {
		return
	}

	switch level {
	case "Debug":
		p.config.Logger.Debug(msg, keysAndValues...)
	case "Info":
		p.config.Logger.Info(msg, keysAndValues...)
	case "Warn":
		p.config.Logger.Warn(msg, keysAndValues...)
	case "Error":
		p.config.Logger.Error(msg, keysAndValues...)
	}
}
