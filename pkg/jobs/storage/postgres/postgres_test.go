package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
	pgstore "github.com/instructure/canvas-jobs/pkg/jobs/storage/postgres"
)

// TestAdvisoryKeyMatchesSQL verifies the Go advisory-key twin agrees with
// the half_md5_as_bigint stored function for a spread of inputs.
func TestAdvisoryKeyMatchesSQL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}

	db := testDB(t)
	ctx := context.Background()

	names := []string{
		"cleanup",
		"user:1234",
		"njobs:3",
		"",
		"a strand with spaces and ünïcôde",
	}

	for _, name := range names {
		var sqlKey int64
		err := db.QueryRowContext(ctx, "SELECT half_md5_as_bigint($1)", name).Scan(&sqlKey)
		require.NoError(t, err)
		assert.Equal(t, sqlKey, pgstore.AdvisoryKey(name), "key mismatch for %q", name)
		assert.GreaterOrEqual(t, sqlKey, int64(0))
	}
}

// TestConcurrentStrandedInserts races many enqueuers on one strict strand
// and verifies the triggers keep exactly one head.
func TestConcurrentStrandedInserts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	const inserters = 10
	var wg sync.WaitGroup
	for i := 0; i < inserters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := &storage.Job{
				Queue:   "default",
				Strand:  "race",
				RunAt:   time.Now().Add(-time.Minute),
				Payload: []byte(fmt.Sprintf(`{"n":%d}`, i)),
			}
			assert.NoError(t, store.Insert(ctx, job))
		}(i)
	}
	wg.Wait()

	jobs, err := store.ListJobs(ctx, storage.FlavorStrand, "race", inserters, 0)
	require.NoError(t, err)
	require.Len(t, jobs, inserters)

	heads := 0
	var headID int64
	var minID int64
	for _, job := range jobs {
		if minID == 0 || job.ID < minID {
			minID = job.ID
		}
		if job.NextInStrand {
			heads++
			headID = job.ID
		}
	}
	assert.Equal(t, 1, heads, "a strict strand has exactly one head")
	assert.Equal(t, minID, headID, "the head is the oldest job")
}

// TestConcurrentLockers races workers over a small ready set and checks no
// job goes to two of them.
func TestConcurrentLockers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	const jobCount = 6
	for i := 0; i < jobCount; i++ {
		job := &storage.Job{Queue: "default", RunAt: time.Now().Add(-time.Minute)}
		require.NoError(t, store.Insert(ctx, job))
	}

	const workers = 12
	assigned := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("w%d", i)
			result, err := store.GetAndLockNextAvailable(ctx, []string{name}, "default", 0, -1, 0, "")
			assert.NoError(t, err)
			if job := result.ByWorker[name]; job != nil {
				assigned <- job.ID
			}
		}(i)
	}
	wg.Wait()
	close(assigned)

	seen := make(map[int64]bool)
	for id := range assigned {
		assert.False(t, seen[id], "job %d locked twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, jobCount)
}

// TestDeletePromotesUnderLoad fills a strand with 20 jobs, then locks and
// deletes the head one job at a time, and verifies each deletion promotes
// the next job so the head never disappears while work remains.
func TestDeletePromotesUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}

	store := newTestStore(t)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		job := &storage.Job{Queue: "default", Strand: "serial", RunAt: time.Now().Add(-time.Minute)}
		require.NoError(t, store.Insert(ctx, job))
	}

	var processed []int64
	for {
		ready, err := store.FindAvailable(ctx, "default", 10, 0, -1)
		require.NoError(t, err)
		if len(ready) == 0 {
			break
		}
		require.Len(t, ready, 1, "strict strand exposes one job at a time")

		locked, err := store.LockExclusively(ctx, ready[0].ID, "w1")
		require.NoError(t, err)
		require.True(t, locked)

		processed = append(processed, ready[0].ID)
		require.NoError(t, store.Delete(ctx, ready[0].ID))
	}

	require.Len(t, processed, total)
	for i := 1; i < len(processed); i++ {
		assert.Greater(t, processed[i], processed[i-1], "execution must follow insertion order")
	}
}
