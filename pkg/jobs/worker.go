package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/instructure/canvas-jobs/pkg/jobs/broker"
	"github.com/instructure/canvas-jobs/pkg/jobs/hooks"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// Runner executes a job body. The invocation mechanism, payload decoding
// and business-level error handling live behind this interface; the worker
// only observes the outcome. Wrap the returned error with Permanent to
// skip the remaining attempt budget.
type Runner interface {
	Run(ctx context.Context, job *storage.Job) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *storage.Job) error

func (f RunnerFunc) Run(ctx context.Context, job *storage.Job) error { return f(ctx, job) }

// WorkQueue is the worker's source of locked jobs: either the broker
// socket or a direct store poll. A nil job with a nil error means "nothing
// available right now".
type WorkQueue interface {
	Get(ctx context.Context, workerName string) (*storage.Job, error)
}

// AsyncQueue fetches through the per-host broker.
type AsyncQueue struct {
	client *broker.Client
	config broker.WorkerConfig
}

func NewAsyncQueue(client *broker.Client, config broker.WorkerConfig) *AsyncQueue {
	return &AsyncQueue{client: client, config: config}
}

func (q *AsyncQueue) Get(ctx context.Context, workerName string) (*storage.Job, error) {
	return q.client.Get(ctx, workerName, q.config)
}

// InProcessQueue locks jobs directly off the store, one at a time.
type InProcessQueue struct {
	store       storage.JobStore
	queue       string
	minPriority int
	maxPriority int
}

func NewInProcessQueue(store storage.JobStore, queue string, minPriority, maxPriority int) *InProcessQueue {
	return &InProcessQueue{store: store, queue: queue, minPriority: minPriority, maxPriority: maxPriority}
}

func (q *InProcessQueue) Get(ctx context.Context, workerName string) (*storage.Job, error) {
	result, err := q.store.GetAndLockNextAvailable(ctx, []string{workerName}, q.queue, q.minPriority, q.maxPriority, 0, "")
	if err != nil {
		return nil, err
	}
	return result.ByWorker[workerName], nil
}

// worker runs the fetch → execute → report loop for one worker identity.
type worker struct {
	name  string
	queue WorkQueue
	pool  *Pool
}

func newWorker(name string, queue WorkQueue, pool *Pool) *worker {
	return &worker{name: name, queue: queue, pool: pool}
}

// run is the worker main loop. It exits when ctx is cancelled, after
// defensively clearing any lock still attributed to this worker.
func (w *worker) run(ctx context.Context) {
	w.log("Debug", "worker started")
	defer w.log("Debug", "worker stopped")

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic: %v", r)
			w.fireHook(hooks.ExceptionalExit, nil, w.name, err)
			w.log("Error", "worker exiting on panic", "panic", r)
		}

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.pool.store.ClearLocks(cleanupCtx, w.name); err != nil {
			w.log("Error", "clear locks on exit failed", "error", err)
		}
	}()

	w.fireHook(hooks.Execute, func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			w.fireHook(hooks.Loop, nil, w.name)

			if err := w.processNext(ctx); err != nil {
				w.log("Error", "error processing job", "error", err)
				w.sleep(ctx)
			}
		}
	}, w.name)
}

func (w *worker) processNext(ctx context.Context) error {
	var (
		job *storage.Job
		err error
	)
	w.fireHook(hooks.Pop, func() {
		job, err = w.queue.Get(ctx, w.name)
	}, w.name)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("fetch failed: %w", err)
	}

	if job == nil {
		w.sleep(ctx)
		return nil
	}

	w.log("Debug", "processing job", "job_id", job.ID, "tag", job.Tag, "attempts", job.Attempts)

	w.perform(ctx, job)
	return nil
}

// perform executes the job body and reports the outcome: delete on
// success, reschedule with backoff while the attempt budget lasts, move to
// the failed set otherwise.
func (w *worker) perform(ctx context.Context, job *storage.Job) {
	var execErr error
	w.fireHook(hooks.Perform, func() {
		w.fireHook(hooks.InvokeJob, func() {
			execErr = w.invoke(ctx, job)
		}, job)
	}, w.name, job)

	if execErr == nil {
		if err := w.pool.store.Delete(ctx, job.ID); err != nil {
			w.log("Error", "failed to delete completed job", "job_id", job.ID, "error", err)
			return
		}
		w.log("Info", "job completed", "job_id", job.ID, "tag", job.Tag)
		return
	}

	w.fireHook(hooks.Error, nil, w.name, job, execErr)
	w.handleFailure(ctx, job, execErr)
}

// invoke runs the job body with panic containment: a panicking runner
// fails the job, never the worker.
func (w *worker) invoke(ctx context.Context, job *storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic in job runner: %v", r))
			w.log("Error", "job runner panicked", "job_id", job.ID, "panic", r)
		}
	}()

	return w.pool.runner.Run(ctx, job)
}

func (w *worker) handleFailure(ctx context.Context, job *storage.Job, execErr error) {
	attempts := job.Attempts + 1

	if IsPermanent(execErr) || attempts >= job.MaxAttempts {
		w.log("Error", "job permanently failed",
			"job_id", job.ID, "tag", job.Tag,
			"attempts", attempts, "max_attempts", job.MaxAttempts,
			"error", execErr)

		if _, err := w.pool.store.Fail(ctx, job.ID, execErr.Error()); err != nil {
			w.log("Error", "failed to move job to failed set", "job_id", job.ID, "error", err)
		}
		return
	}

	runAt := w.pool.config.Reschedule.NextRunAt(time.Now(), job.Attempts)

	w.log("Info", "rescheduling job",
		"job_id", job.ID, "attempts", attempts,
		"max_attempts", job.MaxAttempts, "run_at", runAt,
		"error", execErr)

	if err := w.pool.store.Reschedule(ctx, job.ID, runAt, attempts); err != nil {
		w.log("Error", "failed to reschedule job", "job_id", job.ID, "error", err)
		return
	}

	w.fireHook(hooks.Retry, nil, w.name, job, execErr)
}

// sleep idles between polls; the broker-backed queue blocks server-side so
// this mostly matters for the in-process queue and error paths.
func (w *worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pool.config.SleepDelay):
	}
}

func (w *worker) fireHook(event hooks.Event, inner func(), args ...any) {
	if w.pool.config.Hooks == nil {
		if inner != nil {
			inner()
		}
		return
	}
	if err := w.pool.config.Hooks.Fire(event, inner, args...); err != nil {
		w.log("Error", "lifecycle hook failed", "event", string(event), "error", err)
	}
}

func (w *worker) log(level, msg string, keysAndValues ...any) {
	args := append([]any{"worker", w.name}, keysAndValues...)
	w.pool.log(level, msg, args...)
}
