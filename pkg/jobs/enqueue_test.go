package jobs

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage/memory"
)

func TestEnqueueDefaults(t *testing.T) {
	store := memory.New()

	cfg := Config{Storage: store, Queue: "emails", MaxAttempts: 3}
	enq, err := NewEnqueuer(cfg)
	require.NoError(t, err)

	job, err := enq.Enqueue(context.Background(), map[string]string{"to": "user@example.com"}, JobOptions{})
	require.NoError(t, err)

	assert.Equal(t, "emails", job.Queue)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.JSONEq(t, `{"to":"user@example.com"}`, string(job.Payload))
}

func TestEnqueueDefaultJobOptions(t *testing.T) {
	store := memory.New()

	cfg := Config{
		Storage: store,
		DefaultJobOptions: func() JobOptions {
			return JobOptions{Priority: 20, Tag: "default-tag", Source: "importer"}
		},
	}
	enq, err := NewEnqueuer(cfg)
	require.NoError(t, err)

	job, err := enq.Enqueue(context.Background(), "x", JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, 20, job.Priority)
	assert.Equal(t, "default-tag", job.Tag)
	assert.Equal(t, "importer", job.Source)

	// Per-call options win over the defaults.
	job, err = enq.Enqueue(context.Background(), "x", JobOptions{Priority: 5, Tag: "explicit"})
	require.NoError(t, err)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, "explicit", job.Tag)
	assert.Equal(t, "importer", job.Source)
}

// TestNStrandFanOut verifies sub-strand names stay within the configured
// fan-out and every sub-strand is hit eventually.
func TestNStrandFanOut(t *testing.T) {
	store := memory.New()

	cfg := Config{
		Storage: store,
		NumStrands: func(name string) int {
			if name == "njobs" {
				return 3
			}
			return 0
		},
	}
	enq, err := NewEnqueuer(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	seen := make(map[string]int)
	for i := 0; i < 60; i++ {
		job, err := enq.Enqueue(ctx, i, JobOptions{NStrand: "njobs"})
		require.NoError(t, err)
		seen[job.Strand]++
	}

	require.Len(t, seen, 3)
	for strand := range seen {
		assert.True(t, strings.HasPrefix(strand, "njobs:"), "unexpected strand %q", strand)
		var n int
		_, err := fmt.Sscanf(strand, "njobs:%d", &n)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 3)
	}

	// Unconfigured names pass through unchanged.
	job, err := enq.Enqueue(ctx, "x", JobOptions{NStrand: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", job.Strand)
	assert.Equal(t, 1, job.MaxConcurrent)
}

func TestEnqueueSingleton(t *testing.T) {
	store := memory.New()

	enq, err := NewEnqueuer(Config{Storage: store})
	require.NoError(t, err)

	ctx := context.Background()

	later := time.Now().Add(100 * time.Second)
	first, err := enq.Enqueue(ctx, "x", JobOptions{Strand: "cleanup", Singleton: true, RunAt: later})
	require.NoError(t, err)

	sooner := time.Now().Add(10 * time.Second)
	second, err := enq.Enqueue(ctx, "x", JobOptions{Strand: "cleanup", Singleton: true, RunAt: sooner})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.WithinDuration(t, sooner, second.RunAt, time.Second)

	count, err := store.JobsCount(ctx, storage.FlavorStrand, "cleanup")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestEnqueueRejectsConflictingOptions(t *testing.T) {
	enq, err := NewEnqueuer(Config{Storage: memory.New()})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = enq.Enqueue(ctx, "x", JobOptions{Strand: "a", NStrand: "b"})
	assert.Error(t, err)

	_, err = enq.Enqueue(ctx, "x", JobOptions{Singleton: true})
	assert.Error(t, err)
}
