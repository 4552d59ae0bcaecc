package broker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructure/canvas-jobs/pkg/jobs/broker"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage/memory"
)

func startServer(t *testing.T, store storage.JobStore, opts broker.Options) string {
	t.Helper()

	if opts.Address == "" {
		opts.Address = filepath.Join(t.TempDir(), "jobs.sock")
	}
	if opts.SleepDelay == 0 {
		opts.SleepDelay = 50 * time.Millisecond
	}

	server, err := broker.NewServer(store, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, server.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(opts.Address)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "socket never appeared")

	return opts.Address
}

func enqueueReady(t *testing.T, store storage.JobStore, n int) []*storage.Job {
	t.Helper()

	jobs := make([]*storage.Job, n)
	for i := range jobs {
		job := &storage.Job{Queue: "default", RunAt: time.Now().Add(-time.Minute)}
		require.NoError(t, store.Insert(context.Background(), job))
		jobs[i] = job
	}
	return jobs
}

var testConfig = broker.WorkerConfig{Queue: "default", MaxPriority: -1, PoolSize: 1}

// TestPrefetchHandoff is the prefetch scenario: the first fetch assigns one
// job to the waiting worker and pre-locks the rest; a second worker is then
// served straight from the prefetch bucket via lock transfer.
func TestPrefetchHandoff(t *testing.T) {
	store := memory.New()
	enqueueReady(t, store, 3)

	addr := startServer(t, store, broker.Options{
		FetchBatchSize:        5,
		PrefetchedJobsTimeout: time.Minute,
	})

	ctx := context.Background()

	c1 := broker.NewClient(addr, time.Second)
	defer c1.Close()

	job1, err := c1.Get(ctx, "w1", testConfig)
	require.NoError(t, err)
	require.NotNil(t, job1)
	assert.Equal(t, "w1", job1.LockedBy)

	// The other two jobs are locked under the broker's prefetch identity.
	owner := broker.PrefetchOwner()
	require.Eventually(t, func() bool {
		running, err := store.RunningJobs(ctx)
		require.NoError(t, err)
		prefetched := 0
		for _, job := range running {
			if job.LockedBy == owner {
				prefetched++
			}
		}
		return prefetched == 2
	}, 5*time.Second, 10*time.Millisecond)

	c2 := broker.NewClient(addr, time.Second)
	defer c2.Close()

	job2, err := c2.Get(ctx, "w2", testConfig)
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.NotEqual(t, job1.ID, job2.ID)

	stored, err := store.Get(ctx, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, "w2", stored.LockedBy, "prefetched job must be transferred, not re-fetched")
}

// TestPrefetchTimeout verifies a bucket nobody claims is unlocked whole
// once the timeout elapses.
func TestPrefetchTimeout(t *testing.T) {
	store := memory.New()
	enqueueReady(t, store, 3)

	addr := startServer(t, store, broker.Options{
		FetchBatchSize:        5,
		PrefetchedJobsTimeout: 200 * time.Millisecond,
	})

	ctx := context.Background()

	c1 := broker.NewClient(addr, time.Second)
	defer c1.Close()

	job1, err := c1.Get(ctx, "w1", testConfig)
	require.NoError(t, err)
	require.NotNil(t, job1)

	// The two prefetched jobs return to the ready set after the timeout.
	require.Eventually(t, func() bool {
		ready, err := store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		return len(ready) == 2
	}, 5*time.Second, 20*time.Millisecond)

	stored, err := store.Get(ctx, job1.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", stored.LockedBy, "assigned jobs are not part of the prefetch bucket")
}

// TestWorkerWaitsForWork connects a worker before any job exists and
// verifies it is served once one is enqueued.
func TestWorkerWaitsForWork(t *testing.T) {
	store := memory.New()

	addr := startServer(t, store, broker.Options{
		FetchBatchSize:        1,
		PrefetchedJobsTimeout: time.Minute,
	})

	ctx := context.Background()

	c1 := broker.NewClient(addr, time.Second)
	defer c1.Close()

	type result struct {
		job *storage.Job
		err error
	}
	got := make(chan result, 1)
	go func() {
		job, err := c1.Get(ctx, "w1", testConfig)
		got <- result{job, err}
	}()

	// Give the request time to land, then produce work.
	time.Sleep(100 * time.Millisecond)
	enqueueReady(t, store, 1)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.NotNil(t, r.job)
		assert.Equal(t, "w1", r.job.LockedBy)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never received the job")
	}
}

// TestSequentialRequests runs one worker through several fetch cycles over
// a single connection.
func TestSequentialRequests(t *testing.T) {
	store := memory.New()
	jobs := enqueueReady(t, store, 4)

	addr := startServer(t, store, broker.Options{
		FetchBatchSize:        1,
		PrefetchedJobsTimeout: time.Minute,
	})

	ctx := context.Background()

	c1 := broker.NewClient(addr, time.Second)
	defer c1.Close()

	seen := make(map[int64]bool)
	for i := 0; i < len(jobs); i++ {
		job, err := c1.Get(ctx, "w1", testConfig)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.False(t, seen[job.ID], "job %d delivered twice", job.ID)
		seen[job.ID] = true

		require.NoError(t, store.Delete(ctx, job.ID))
	}
	assert.Len(t, seen, len(jobs))
}

// TestShutdownUnlocksPrefetched stops the broker while it holds a prefetch
// bucket and verifies everything is unlocked on the way out.
func TestShutdownUnlocksPrefetched(t *testing.T) {
	store := memory.New()
	enqueueReady(t, store, 3)

	addr := filepath.Join(t.TempDir(), "jobs.sock")

	server, err := broker.NewServer(store, broker.Options{
		Address:               addr,
		SleepDelay:            50 * time.Millisecond,
		FetchBatchSize:        5,
		PrefetchedJobsTimeout: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, server.Run(ctx))
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(addr)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	c1 := broker.NewClient(addr, time.Second)
	defer c1.Close()

	job1, err := c1.Get(context.Background(), "w1", testConfig)
	require.NoError(t, err)
	require.NotNil(t, job1)

	cancel()
	<-done

	ready, err := store.FindAvailable(context.Background(), "default", 10, 0, -1)
	require.NoError(t, err)
	assert.Len(t, ready, 2, "prefetched jobs must be unlocked on shutdown")

	_, err = os.Stat(addr)
	assert.True(t, os.IsNotExist(err), "socket file must be removed on shutdown")
}
