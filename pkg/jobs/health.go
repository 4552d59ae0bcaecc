package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// healthCheckLockKey serializes the reaper sweep cluster-wide through the
// store's advisory lock.
const healthCheckLockKey = "jobs:health_check"

// LivenessOracle reports which worker identities are currently alive. A
// service registry, process table, or anything else can implement it.
type LivenessOracle interface {
	LiveWorkers(ctx context.Context) ([]string, error)
}

// StaticOracle is a LivenessOracle backed by an explicit set. Useful for
// tests and deployments where the supervisor registers workers directly.
type StaticOracle struct {
	mu    sync.Mutex
	alive map[string]struct{}
}

func NewStaticOracle(workers ...string) *StaticOracle {
	o := &StaticOracle{alive: make(map[string]struct{})}
	for _, w := range workers {
		o.alive[w] = struct{}{}
	}
	return o
}

func (o *StaticOracle) Add(worker string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alive[worker] = struct{}{}
}

func (o *StaticOracle) Remove(worker string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.alive, worker)
}

func (o *StaticOracle) LiveWorkers(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	workers := make([]string, 0, len(o.alive))
	for w := range o.alive {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	return workers, nil
}

// HealthReaper recovers locks held by dead workers. The sweep is
// serialized cluster-wide by an advisory lock, and each recovery is a
// two-step CAS so a worker that comes back between the liveness check and
// the update keeps its lock.
type HealthReaper struct {
	store  storage.JobStore
	oracle LivenessOracle
	logger Logger
}

func NewHealthReaper(store storage.JobStore, oracle LivenessOracle, logger Logger) *HealthReaper {
	if logger == nil {
		logger = defaultLogger()
	}
	return &HealthReaper{store: store, oracle: oracle, logger: logger}
}

// Sweep reschedules every running job whose locker is absent from the
// liveness oracle, or moves it to the failed set if its attempt budget is
// already spent. Per-job failures are logged and do not abort the sweep.
// Returns nil without doing anything if another reaper holds the lock.
func (r *HealthReaper) Sweep(ctx context.Context) error {
	acquired, err := r.store.WithAdvisoryLock(ctx, healthCheckLockKey, r.sweep)
	if err != nil {
		return err
	}
	if !acquired {
		r.logger.Debug("health sweep skipped, another reaper holds the lock")
	}
	return nil
}

func (r *HealthReaper) sweep(ctx context.Context) error {
	live, err := r.oracle.LiveWorkers(ctx)
	if err != nil {
		return err
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, w := range live {
		liveSet[w] = struct{}{}
	}

	running, err := r.store.RunningJobs(ctx)
	if err != nil {
		return err
	}

	for _, job := range running {
		// Broker-owned prefetches have their own orphan sweep.
		if job.Prefetched() {
			continue
		}
		if _, ok := liveSet[job.LockedBy]; ok {
			continue
		}

		ok, err := r.store.TransferLock(ctx, job.ID, job.LockedBy, storage.LockedByAbandoned)
		if err != nil {
			r.logger.Error("abandoned job takeover failed", "job_id", job.ID, "error", err)
			continue
		}
		if !ok {
			// The worker moved or released the lock since we looked.
			continue
		}

		if job.Attempts >= job.MaxAttempts {
			if _, err := r.store.Fail(ctx, job.ID, "worker died: "+job.LockedBy); err != nil {
				r.logger.Error("failing abandoned job failed", "job_id", job.ID, "error", err)
			}
			continue
		}

		// Reschedule without spending an attempt: the job never got to
		// finish, it was the worker that died.
		if err := r.store.Reschedule(ctx, job.ID, time.Now().UTC(), job.Attempts); err != nil {
			r.logger.Error("rescheduling abandoned job failed", "job_id", job.ID, "error", err)
			continue
		}

		r.logger.Info("recovered abandoned job", "job_id", job.ID, "dead_worker", job.LockedBy)
	}

	return nil
}
