package jobs

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructure/canvas-jobs/pkg/jobs/broker"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage/memory"
)

// TestPoolThroughBroker runs the whole path end to end: workers fetch via
// the per-host broker socket instead of polling the store, and every job
// still executes exactly once.
func TestPoolThroughBroker(t *testing.T) {
	store := memory.New()
	addr := filepath.Join(t.TempDir(), "jobs.sock")

	server, err := broker.NewServer(store, broker.Options{
		Address:               addr,
		SleepDelay:            50 * time.Millisecond,
		FetchBatchSize:        2,
		PrefetchedJobsTimeout: time.Minute,
	})
	require.NoError(t, err)

	serverCtx, stopServer := context.WithCancel(context.Background())
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		assert.NoError(t, server.Run(serverCtx))
	}()
	defer func() {
		stopServer()
		<-serverDone
	}()

	var processed atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, job *storage.Job) error {
		processed.Add(1)
		return nil
	})

	cfg := Config{
		Storage:       store,
		Workers:       3,
		WorkQueue:     WorkQueueParentProcess,
		ServerAddress: addr,
		SleepDelay:    10 * time.Millisecond,
		Reschedule:    FixedDelay{Delay: time.Millisecond},
	}

	pool, err := NewPool(cfg, runner)
	require.NoError(t, err)

	enq, err := NewEnqueuer(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	const jobCount = 10
	for i := 0; i < jobCount; i++ {
		_, err := enq.Enqueue(ctx, i, JobOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return processed.Load() == jobCount
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		count, err := store.JobsCount(ctx, storage.FlavorCurrent, "")
		require.NoError(t, err)
		return count == 0
	}, 10*time.Second, 20*time.Millisecond)

	// Exactly-once per delivery: nothing double-processed.
	assert.EqualValues(t, jobCount, processed.Load())
}
