// Package storetest holds the compliance suite every JobStore backend must
// pass, so the memory and postgres implementations cannot drift apart on
// queue, strand, or lock semantics.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// StoreFactory creates a fresh store instance for testing. The factory is
// responsible for any setup (creating tables, etc.) and the returned store
// must be ready to use.
type StoreFactory func(t *testing.T) storage.JobStore

// RunCompliance runs the complete compliance suite against a backend.
func RunCompliance(t *testing.T, factory StoreFactory) {
	t.Run("InsertDefaults", testInsertDefaults(factory))
	t.Run("InsertValidation", testInsertValidation(factory))
	t.Run("GetAndDelete", testGetAndDelete(factory))
	t.Run("UpdateAttrs", testUpdateAttrs(factory))
	t.Run("FindAvailableOrdering", testFindAvailableOrdering(factory))
	t.Run("FindAvailablePriorityBand", testFindAvailablePriorityBand(factory))
	t.Run("LockExclusively", testLockExclusively(factory))
	t.Run("TransferLockRoundTrip", testTransferLockRoundTrip(factory))
	t.Run("UnlockAndClearLocks", testUnlockAndClearLocks(factory))
	t.Run("GetAndLockNextAvailable", testGetAndLockNextAvailable(factory))
	t.Run("GetAndLockDisjoint", testGetAndLockDisjoint(factory))
	t.Run("StrictStrandOrdering", testStrictStrandOrdering(factory))
	t.Run("InsertDeleteRestoresStrand", testInsertDeleteRestoresStrand(factory))
	t.Run("NStrandConcurrencyCap", testNStrandConcurrencyCap(factory))
	t.Run("SingletonCoalescing", testSingletonCoalescing(factory))
	t.Run("SingletonWithRunningJob", testSingletonWithRunningJob(factory))
	t.Run("SingletonConcurrent", testSingletonConcurrent(factory))
	t.Run("FailMovesJob", testFailMovesJob(factory))
	t.Run("Reschedule", testReschedule(factory))
	t.Run("RunningJobs", testRunningJobs(factory))
	t.Run("UnlockOrphanedPrefetched", testUnlockOrphanedPrefetched(factory))
	t.Run("HoldUnhold", testHoldUnhold(factory))
	t.Run("BulkDestroy", testBulkDestroy(factory))
	t.Run("ListJobsFlavors", testListJobsFlavors(factory))
	t.Run("TagCounts", testTagCounts(factory))
	t.Run("AdvisoryLock", testAdvisoryLock(factory))
}

func newJob(queue string) *storage.Job {
	return &storage.Job{
		Queue:   queue,
		RunAt:   time.Now().Add(-time.Minute),
		Payload: []byte(`{"kind":"test"}`),
	}
}

func insertJob(t *testing.T, store storage.JobStore, mutate func(*storage.Job)) *storage.Job {
	t.Helper()
	job := newJob("default")
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, store.Insert(context.Background(), job))
	return job
}

func testInsertDefaults(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		job := &storage.Job{Queue: "default"}
		require.NoError(t, store.Insert(ctx, job))
		require.NotZero(t, job.ID)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "default", stored.Queue)
		assert.Equal(t, 1, stored.MaxConcurrent)
		assert.Equal(t, 1, stored.MaxAttempts)
		assert.True(t, stored.NextInStrand)
		assert.False(t, stored.RunAt.IsZero())
		assert.False(t, stored.CreatedAt.IsZero())
		assert.Nil(t, stored.LockedAt)
		assert.Empty(t, stored.LockedBy)
		assert.JSONEq(t, `{}`, string(stored.Payload))
	}
}

func testInsertValidation(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		err := store.Insert(ctx, &storage.Job{})
		require.Error(t, err, "empty queue must be rejected")

		err = store.Insert(ctx, &storage.Job{Queue: "default", MaxConcurrent: 2})
		require.Error(t, err, "max_concurrent without a strand must be rejected")
	}
}

func testGetAndDelete(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		job := insertJob(t, store, nil)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, stored.ID)

		require.NoError(t, store.Delete(ctx, job.ID))

		_, err = store.Get(ctx, job.ID)
		assert.ErrorIs(t, err, storage.ErrJobNotFound)

		assert.ErrorIs(t, store.Delete(ctx, job.ID), storage.ErrJobNotFound)
	}
}

func testUpdateAttrs(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		job := insertJob(t, store, nil)

		newPriority := 7
		newRunAt := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
		require.NoError(t, store.UpdateAttrs(ctx, job.ID, storage.JobAttrs{
			Priority: &newPriority,
			RunAt:    &newRunAt,
		}))

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, stored.Priority)
		assert.WithinDuration(t, newRunAt, stored.RunAt, time.Second)

		err = store.UpdateAttrs(ctx, job.ID+12345, storage.JobAttrs{Priority: &newPriority})
		assert.ErrorIs(t, err, storage.ErrJobNotFound)
	}
}

func testFindAvailableOrdering(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		base := time.Now().Add(-time.Hour)
		low := insertJob(t, store, func(j *storage.Job) { j.Priority = 20; j.RunAt = base })
		urgent := insertJob(t, store, func(j *storage.Job) { j.Priority = 0; j.RunAt = base.Add(time.Minute) })
		mid1 := insertJob(t, store, func(j *storage.Job) { j.Priority = 10; j.RunAt = base })
		mid2 := insertJob(t, store, func(j *storage.Job) { j.Priority = 10; j.RunAt = base.Add(time.Second) })
		insertJob(t, store, func(j *storage.Job) { j.RunAt = time.Now().Add(time.Hour) })

		jobs, err := store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		require.Len(t, jobs, 4, "future job must not be ready")

		ids := []int64{jobs[0].ID, jobs[1].ID, jobs[2].ID, jobs[3].ID}
		assert.Equal(t, []int64{urgent.ID, mid1.ID, mid2.ID, low.ID}, ids,
			"ordering must be (priority, run_at, id)")

		// A shorter limit returns a prefix of the same ordering.
		prefix, err := store.FindAvailable(ctx, "default", 2, 0, -1)
		require.NoError(t, err)
		require.Len(t, prefix, 2)
		assert.Equal(t, ids[:2], []int64{prefix[0].ID, prefix[1].ID})
	}
}

func testFindAvailablePriorityBand(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		insertJob(t, store, func(j *storage.Job) { j.Priority = 1 })
		inBand := insertJob(t, store, func(j *storage.Job) { j.Priority = 10 })
		insertJob(t, store, func(j *storage.Job) { j.Priority = 25 })
		insertJob(t, store, func(j *storage.Job) { j.Queue = "other"; j.Priority = 10 })

		jobs, err := store.FindAvailable(ctx, "default", 10, 5, 20)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, inBand.ID, jobs[0].ID)
	}
}

func testLockExclusively(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		job := insertJob(t, store, nil)

		locked, err := store.LockExclusively(ctx, job.ID, "w1")
		require.NoError(t, err)
		assert.True(t, locked)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "w1", stored.LockedBy)
		require.NotNil(t, stored.LockedAt)

		// Lock contention is a false return, not an error.
		locked, err = store.LockExclusively(ctx, job.ID, "w2")
		require.NoError(t, err)
		assert.False(t, locked)

		future := insertJob(t, store, func(j *storage.Job) { j.RunAt = time.Now().Add(time.Hour) })
		locked, err = store.LockExclusively(ctx, future.ID, "w1")
		require.NoError(t, err)
		assert.False(t, locked, "a job that is not yet due must not lock")
	}
}

func testTransferLockRoundTrip(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		job := insertJob(t, store, nil)

		locked, err := store.LockExclusively(ctx, job.ID, "a")
		require.NoError(t, err)
		require.True(t, locked)

		ok, err := store.TransferLock(ctx, job.ID, "a", "b")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.TransferLock(ctx, job.ID, "b", "a")
		require.NoError(t, err)
		assert.True(t, ok)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "a", stored.LockedBy)
		assert.NotNil(t, stored.LockedAt)

		// CAS with the wrong holder must not move the lock.
		ok, err = store.TransferLock(ctx, job.ID, "someone-else", "b")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func testUnlockAndClearLocks(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		j1 := insertJob(t, store, nil)
		j2 := insertJob(t, store, nil)
		j3 := insertJob(t, store, nil)

		for _, j := range []*storage.Job{j1, j2} {
			locked, err := store.LockExclusively(ctx, j.ID, "w1")
			require.NoError(t, err)
			require.True(t, locked)
		}
		locked, err := store.LockExclusively(ctx, j3.ID, "w2")
		require.NoError(t, err)
		require.True(t, locked)

		n, err := store.Unlock(ctx, []int64{j1.ID})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		stored, err := store.Get(ctx, j1.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.LockedAt)
		assert.Empty(t, stored.LockedBy)

		require.NoError(t, store.ClearLocks(ctx, "w1"))

		stored, err = store.Get(ctx, j2.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.LockedAt)

		stored, err = store.Get(ctx, j3.ID)
		require.NoError(t, err)
		assert.Equal(t, "w2", stored.LockedBy, "other workers' locks must survive")
	}
}

func testGetAndLockNextAvailable(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			insertJob(t, store, nil)
		}

		result, err := store.GetAndLockNextAvailable(ctx, []string{"w1"}, "default", 0, -1, 4, "prefetch:host")
		require.NoError(t, err)

		require.Len(t, result.ByWorker, 1)
		require.NotNil(t, result.ByWorker["w1"])
		assert.Equal(t, "w1", result.ByWorker["w1"].LockedBy)

		require.Len(t, result.Prefetched, 2)
		for _, job := range result.Prefetched {
			assert.Equal(t, "prefetch:host", job.LockedBy)
			assert.NotNil(t, job.LockedAt)
		}

		// Everything is locked now; a second pass gets nothing.
		result, err = store.GetAndLockNextAvailable(ctx, []string{"w2"}, "default", 0, -1, 0, "prefetch:host")
		require.NoError(t, err)
		assert.Empty(t, result.ByWorker, "workers with no job must not appear")
		assert.Empty(t, result.Prefetched)
	}
}

func testGetAndLockDisjoint(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			insertJob(t, store, nil)
		}

		result, err := store.GetAndLockNextAvailable(ctx, []string{"w1", "w2", "w3"}, "default", 0, -1, 2, "prefetch:host")
		require.NoError(t, err)
		require.Len(t, result.ByWorker, 3)
		require.Len(t, result.Prefetched, 2)

		seen := make(map[int64]bool)
		for worker, job := range result.ByWorker {
			assert.False(t, seen[job.ID], "job %d assigned twice", job.ID)
			seen[job.ID] = true
			assert.Equal(t, worker, job.LockedBy)
		}
		for _, job := range result.Prefetched {
			assert.False(t, seen[job.ID], "job %d assigned twice", job.ID)
			seen[job.ID] = true
		}
		assert.Len(t, seen, 5)
	}
}

// testStrictStrandOrdering is the canonical serial-strand scenario: three
// jobs on one strand run strictly in insertion order, one at a time.
func testStrictStrandOrdering(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		j1 := insertJob(t, store, func(j *storage.Job) { j.Strand = "s"; j.Priority = 10 })
		j2 := insertJob(t, store, func(j *storage.Job) { j.Strand = "s"; j.Priority = 10 })
		j3 := insertJob(t, store, func(j *storage.Job) { j.Strand = "s"; j.Priority = 10 })

		assert.True(t, j1.NextInStrand)
		assert.False(t, j2.NextInStrand)
		assert.False(t, j3.NextInStrand)

		// Only the head is fetchable.
		jobs, err := store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, j1.ID, jobs[0].ID)

		locked, err := store.LockExclusively(ctx, j1.ID, "w1")
		require.NoError(t, err)
		require.True(t, locked)

		// While j1 runs nothing else on the strand is eligible.
		jobs, err = store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		// Completion deletes the row and promotes exactly j2.
		require.NoError(t, store.Delete(ctx, j1.ID))

		stored2, err := store.Get(ctx, j2.ID)
		require.NoError(t, err)
		assert.True(t, stored2.NextInStrand)

		stored3, err := store.Get(ctx, j3.ID)
		require.NoError(t, err)
		assert.False(t, stored3.NextInStrand)

		jobs, err = store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, j2.ID, jobs[0].ID)
	}
}

func testInsertDeleteRestoresStrand(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		j1 := insertJob(t, store, func(j *storage.Job) { j.Strand = "s" })
		j2 := insertJob(t, store, func(j *storage.Job) { j.Strand = "s" })

		extra := insertJob(t, store, func(j *storage.Job) { j.Strand = "s" })
		require.NoError(t, store.Delete(ctx, extra.ID))

		stored1, err := store.Get(ctx, j1.ID)
		require.NoError(t, err)
		assert.True(t, stored1.NextInStrand)

		stored2, err := store.Get(ctx, j2.ID)
		require.NoError(t, err)
		assert.False(t, stored2.NextInStrand, "insert then delete must leave head state unchanged")
	}
}

func testNStrandConcurrencyCap(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		var jobs []*storage.Job
		for i := 0; i < 4; i++ {
			jobs = append(jobs, insertJob(t, store, func(j *storage.Job) {
				j.Strand = "n"
				j.MaxConcurrent = 2
			}))
		}

		assert.True(t, jobs[0].NextInStrand)
		assert.True(t, jobs[1].NextInStrand)
		assert.False(t, jobs[2].NextInStrand)
		assert.False(t, jobs[3].NextInStrand)

		ready, err := store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		assert.Len(t, ready, 2, "at most max_concurrent jobs eligible")

		// Finishing one promotes exactly the oldest ineligible job.
		require.NoError(t, store.Delete(ctx, jobs[0].ID))

		stored2, err := store.Get(ctx, jobs[2].ID)
		require.NoError(t, err)
		assert.True(t, stored2.NextInStrand)

		stored3, err := store.Get(ctx, jobs[3].ID)
		require.NoError(t, err)
		assert.False(t, stored3.NextInStrand)
	}
}

func testSingletonCoalescing(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		base := time.Now().Add(100 * time.Second)

		first := newJob("default")
		first.Strand = "cleanup"
		first.RunAt = base
		created, err := store.CreateSingleton(ctx, first)
		require.NoError(t, err)

		second := newJob("default")
		second.Strand = "cleanup"
		second.RunAt = time.Now().Add(10 * time.Second)
		coalesced, err := store.CreateSingleton(ctx, second)
		require.NoError(t, err)

		assert.Equal(t, created.ID, coalesced.ID, "duplicate enqueue must coalesce")
		assert.WithinDuration(t, second.RunAt, coalesced.RunAt, time.Second,
			"run_at must be pulled forward to the earlier request")

		count, err := store.JobsCount(ctx, storage.FlavorStrand, "cleanup")
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		// A later run_at never pushes the existing job back.
		third := newJob("default")
		third.Strand = "cleanup"
		third.RunAt = time.Now().Add(time.Hour)
		kept, err := store.CreateSingleton(ctx, third)
		require.NoError(t, err)
		assert.Equal(t, created.ID, kept.ID)
		assert.WithinDuration(t, second.RunAt, kept.RunAt, time.Second)
	}
}

func testSingletonWithRunningJob(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		running := newJob("default")
		running.Strand = "cleanup"
		created, err := store.CreateSingleton(ctx, running)
		require.NoError(t, err)

		locked, err := store.LockExclusively(ctx, created.ID, "w1")
		require.NoError(t, err)
		require.True(t, locked)

		// A running job does not block one pending successor.
		successor := newJob("default")
		successor.Strand = "cleanup"
		queued, err := store.CreateSingleton(ctx, successor)
		require.NoError(t, err)
		assert.NotEqual(t, created.ID, queued.ID)

		// But further enqueues coalesce with the pending one.
		another := newJob("default")
		another.Strand = "cleanup"
		coalesced, err := store.CreateSingleton(ctx, another)
		require.NoError(t, err)
		assert.Equal(t, queued.ID, coalesced.ID)

		count, err := store.JobsCount(ctx, storage.FlavorStrand, "cleanup")
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)
	}
}

func testSingletonConcurrent(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		earliest := time.Now().Add(10 * time.Second).UTC()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job := newJob("default")
				job.Strand = "concurrent-singleton"
				job.RunAt = earliest.Add(time.Duration(i) * time.Second)
				_, err := store.CreateSingleton(ctx, job)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		jobs, err := store.ListJobs(ctx, storage.FlavorStrand, "concurrent-singleton", 10, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1, "concurrent singletons must collapse to one row")
		assert.WithinDuration(t, earliest, jobs[0].RunAt, time.Second)
	}
}

func testFailMovesJob(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		j1 := insertJob(t, store, func(j *storage.Job) { j.Strand = "f"; j.Tag = "Reports::Nightly" })
		j2 := insertJob(t, store, func(j *storage.Job) { j.Strand = "f" })

		locked, err := store.LockExclusively(ctx, j1.ID, "w1")
		require.NoError(t, err)
		require.True(t, locked)

		failed, err := store.Fail(ctx, j1.ID, "boom")
		require.NoError(t, err)
		assert.Equal(t, j1.ID, failed.OriginalJobID)
		assert.Equal(t, "boom", failed.LastError)
		require.NotNil(t, failed.FailedAt)
		assert.Equal(t, "Reports::Nightly", failed.Tag)

		// The active row is gone and the strand slot freed.
		_, err = store.Get(ctx, j1.ID)
		assert.ErrorIs(t, err, storage.ErrJobNotFound)

		stored2, err := store.Get(ctx, j2.ID)
		require.NoError(t, err)
		assert.True(t, stored2.NextInStrand)

		failedJobs, err := store.ListJobs(ctx, storage.FlavorFailed, "", 10, 0)
		require.NoError(t, err)
		require.Len(t, failedJobs, 1)
		assert.Equal(t, j1.ID, failedJobs[0].OriginalJobID)
	}
}

func testReschedule(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		job := insertJob(t, store, nil)

		locked, err := store.LockExclusively(ctx, job.ID, "w1")
		require.NoError(t, err)
		require.True(t, locked)

		runAt := time.Now().Add(30 * time.Second).UTC()
		require.NoError(t, store.Reschedule(ctx, job.ID, runAt, 1))

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.LockedAt)
		assert.Empty(t, stored.LockedBy)
		assert.Equal(t, 1, stored.Attempts)
		assert.WithinDuration(t, runAt, stored.RunAt, time.Second)
	}
}

func testRunningJobs(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		running := insertJob(t, store, nil)
		insertJob(t, store, nil)
		held := insertJob(t, store, nil)

		locked, err := store.LockExclusively(ctx, running.ID, "w1")
		require.NoError(t, err)
		require.True(t, locked)

		_, err = store.BulkUpdate(ctx, storage.ActionHold, storage.Selector{IDs: []int64{held.ID}})
		require.NoError(t, err)

		jobs, err := store.RunningJobs(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1, "held jobs are not running")
		assert.Equal(t, running.ID, jobs[0].ID)
	}
}

func testUnlockOrphanedPrefetched(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		insertJob(t, store, nil)
		insertJob(t, store, nil)
		worker := insertJob(t, store, nil)

		result, err := store.GetAndLockNextAvailable(ctx, nil, "default", 0, -1, 2, "prefetch:deadhost")
		require.NoError(t, err)
		require.Len(t, result.Prefetched, 2)

		locked, err := store.LockExclusively(ctx, worker.ID, "w1")
		require.NoError(t, err)
		require.True(t, locked)

		// Sweep with a future cutoff: every prefetch lock predates it.
		n, err := store.UnlockOrphanedPrefetchedJobs(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		ready, err := store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		assert.Len(t, ready, 2, "prefetched jobs must return to the ready set")

		stored, err := store.Get(ctx, worker.ID)
		require.NoError(t, err)
		assert.Equal(t, "w1", stored.LockedBy, "worker locks are not prefetch orphans")
	}
}

func testHoldUnhold(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		job := insertJob(t, store, func(j *storage.Job) { j.MaxAttempts = 5 })

		n, err := store.BulkUpdate(ctx, storage.ActionHold, storage.Selector{IDs: []int64{job.ID}})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.LockedByOnHold, stored.LockedBy)
		assert.Equal(t, 5, stored.Attempts)

		ready, err := store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		assert.Empty(t, ready, "held jobs are excluded from reads")

		beforeUnhold := time.Now().Add(-time.Second)
		n, err = store.BulkUpdate(ctx, storage.ActionUnhold, storage.Selector{IDs: []int64{job.ID}})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		stored, err = store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.LockedAt)
		assert.Zero(t, stored.Attempts)
		assert.True(t, stored.RunAt.After(beforeUnhold), "run_at must be at or after the unhold")
	}
}

func testBulkDestroy(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		idle := insertJob(t, store, func(j *storage.Job) { j.Tag = "bulk" })
		running := insertJob(t, store, func(j *storage.Job) { j.Tag = "bulk" })

		locked, err := store.LockExclusively(ctx, running.ID, "w1")
		require.NoError(t, err)
		require.True(t, locked)

		n, err := store.BulkUpdate(ctx, storage.ActionDestroy, storage.Selector{Flavor: storage.FlavorTag, Query: "bulk"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, "running jobs are skipped by bulk destroy")

		_, err = store.Get(ctx, idle.ID)
		assert.ErrorIs(t, err, storage.ErrJobNotFound)

		_, err = store.Get(ctx, running.ID)
		require.NoError(t, err)
	}
}

func testListJobsFlavors(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		current := insertJob(t, store, func(j *storage.Job) { j.Tag = "t1" })
		future := insertJob(t, store, func(j *storage.Job) { j.RunAt = time.Now().Add(time.Hour) })
		stranded := insertJob(t, store, func(j *storage.Job) { j.Strand = "list-s" })

		jobs, err := store.ListJobs(ctx, storage.FlavorCurrent, "", 10, 0)
		require.NoError(t, err)
		ids := make(map[int64]bool)
		for _, j := range jobs {
			ids[j.ID] = true
		}
		assert.True(t, ids[current.ID])
		assert.True(t, ids[stranded.ID])
		assert.False(t, ids[future.ID])

		jobs, err = store.ListJobs(ctx, storage.FlavorFuture, "", 10, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, future.ID, jobs[0].ID)

		jobs, err = store.ListJobs(ctx, storage.FlavorStrand, "list-s", 10, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, stranded.ID, jobs[0].ID)

		jobs, err = store.ListJobs(ctx, storage.FlavorTag, "t1", 10, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, current.ID, jobs[0].ID)

		count, err := store.JobsCount(ctx, storage.FlavorFuture, "")
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)

		_, err = store.ListJobs(ctx, storage.Flavor("bogus"), "", 10, 0)
		assert.ErrorIs(t, err, storage.ErrInvalidFlavor)
	}
}

func testTagCounts(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			insertJob(t, store, func(j *storage.Job) { j.Tag = "common" })
		}
		insertJob(t, store, func(j *storage.Job) { j.Tag = "rare" })
		insertJob(t, store, func(j *storage.Job) { j.Tag = "future-only"; j.RunAt = time.Now().Add(time.Hour) })
		insertJob(t, store, nil)

		counts, err := store.TagCounts(ctx, storage.TagFlavorCurrent, 10, 0)
		require.NoError(t, err)
		require.Len(t, counts, 2)
		assert.Equal(t, storage.TagCount{Tag: "common", Count: 3}, counts[0])
		assert.Equal(t, storage.TagCount{Tag: "rare", Count: 1}, counts[1])

		counts, err = store.TagCounts(ctx, storage.TagFlavorAll, 10, 0)
		require.NoError(t, err)
		assert.Len(t, counts, 3)
	}
}

func testAdvisoryLock(factory StoreFactory) func(*testing.T) {
	return func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		ctx := context.Background()

		entered := make(chan struct{})
		release := make(chan struct{})
		errs := make(chan error, 1)

		go func() {
			_, err := store.WithAdvisoryLock(ctx, "compliance-lock", func(ctx context.Context) error {
				close(entered)
				<-release
				return nil
			})
			errs <- err
		}()

		<-entered

		acquired, err := store.WithAdvisoryLock(ctx, "compliance-lock", func(ctx context.Context) error {
			return fmt.Errorf("must not run")
		})
		require.NoError(t, err)
		assert.False(t, acquired, "a held lock must not be re-acquired")

		close(release)
		require.NoError(t, <-errs)

		acquired, err = store.WithAdvisoryLock(ctx, "compliance-lock", func(ctx context.Context) error {
			return nil
		})
		require.NoError(t, err)
		assert.True(t, acquired, "released lock must be acquirable again")
	}
}
