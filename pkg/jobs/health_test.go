package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage/memory"
)

func lockJob(t *testing.T, store storage.JobStore, worker string, mutate func(*storage.Job)) *storage.Job {
	t.Helper()
	ctx := context.Background()

	job := &storage.Job{Queue: "default", RunAt: time.Now().Add(-time.Minute)}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, store.Insert(ctx, job))

	locked, err := store.LockExclusively(ctx, job.ID, worker)
	require.NoError(t, err)
	require.True(t, locked)
	return job
}

// TestSweepRecoversDeadWorkerJobs is the dead-worker scenario: the reaper
// unlocks the dead worker's job without spending an attempt, and leaves
// live workers alone.
func TestSweepRecoversDeadWorkerJobs(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	dead := lockJob(t, store, "w7", nil)
	alive := lockJob(t, store, "w1", nil)

	oracle := NewStaticOracle("w1")
	reaper := NewHealthReaper(store, oracle, nil)

	require.NoError(t, reaper.Sweep(ctx))

	recovered, err := store.Get(ctx, dead.ID)
	require.NoError(t, err)
	assert.Nil(t, recovered.LockedAt)
	assert.Empty(t, recovered.LockedBy)
	assert.Zero(t, recovered.Attempts, "recovery must not spend an attempt")

	kept, err := store.Get(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", kept.LockedBy)
}

// TestSweepFailsExhaustedJobs moves a dead worker's job to the failed set
// when its attempt budget is already spent.
func TestSweepFailsExhaustedJobs(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	job := lockJob(t, store, "w7", func(j *storage.Job) {
		j.MaxAttempts = 2
		j.Attempts = 2
	})

	reaper := NewHealthReaper(store, NewStaticOracle(), nil)
	require.NoError(t, reaper.Sweep(ctx))

	_, err := store.Get(ctx, job.ID)
	assert.ErrorIs(t, err, storage.ErrJobNotFound)

	failed, err := store.ListJobs(ctx, storage.FlavorFailed, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].OriginalJobID)
	assert.Contains(t, failed[0].LastError, "w7")
}

// TestSweepSkipsPrefetchedJobs leaves broker-owned locks to the prefetch
// orphan sweep.
func TestSweepSkipsPrefetchedJobs(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	job := lockJob(t, store, storage.PrefetchPrefix+"somehost", nil)

	reaper := NewHealthReaper(store, NewStaticOracle(), nil)
	require.NoError(t, reaper.Sweep(ctx))

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PrefetchPrefix+"somehost", stored.LockedBy)
}

// TestSweepSkipsWhenLockHeld verifies sweeps are serialized by the
// advisory lock: a concurrent holder makes Sweep a silent no-op.
func TestSweepSkipsWhenLockHeld(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	job := lockJob(t, store, "w7", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = store.WithAdvisoryLock(ctx, healthCheckLockKey, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	reaper := NewHealthReaper(store, NewStaticOracle(), nil)
	require.NoError(t, reaper.Sweep(ctx))

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "w7", stored.LockedBy, "a skipped sweep must not touch anything")
}

func TestStaticOracle(t *testing.T) {
	oracle := NewStaticOracle("a", "b")
	oracle.Add("c")
	oracle.Remove("a")

	live, err := oracle.LiveWorkers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, live)
}
