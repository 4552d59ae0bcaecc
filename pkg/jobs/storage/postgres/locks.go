package postgres

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/lib/pq"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// LockExclusively attempts to lock the job for worker. The condition only
// checks "unlocked and due": strand eligibility was already enforced when
// the candidate was selected, and re-checking it here would race the
// triggers.
func (s *Store) LockExclusively(ctx context.Context, id int64, worker string) (bool, error) {
	const query = `
        UPDATE delayed_jobs
        SET locked_at = NOW(),
            locked_by = $1
        WHERE id = $2 AND locked_at IS NULL AND run_at <= NOW()
    `

	res, err := s.db.ExecContext(ctx, query, worker, id)
	if err != nil {
		return false, fmt.Errorf("postgres: lock exclusively: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: lock exclusively rows affected: %w", err)
	}

	return rows == 1, nil
}

// TransferLock re-attributes a held lock from one identity to another.
// Used by the broker to hand a prefetched job to a connected worker.
func (s *Store) TransferLock(ctx context.Context, id int64, from, to string) (bool, error) {
	const query = `
        UPDATE delayed_jobs
        SET locked_at = NOW(),
            locked_by = $1
        WHERE id = $2 AND locked_by = $3
    `

	res, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("postgres: transfer lock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: transfer lock rows affected: %w", err)
	}

	return rows == 1, nil
}

// Unlock releases the listed jobs unconditionally.
func (s *Store) Unlock(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	const query = `
        UPDATE delayed_jobs
        SET locked_at = NULL,
            locked_by = NULL
        WHERE id = ANY($1)
    `

	res, err := s.db.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("postgres: unlock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: unlock rows affected: %w", err)
	}

	return rows, nil
}

// ClearLocks releases every job held by the given worker.
func (s *Store) ClearLocks(ctx context.Context, worker string) error {
	const query = `
        UPDATE delayed_jobs
        SET locked_at = NULL,
            locked_by = NULL
        WHERE locked_by = $1
    `

	if _, err := s.db.ExecContext(ctx, query, worker); err != nil {
		return fmt.Errorf("postgres: clear locks: %w", err)
	}

	return nil
}

// GetAndLockNextAvailable fetches and locks up to len(workers)+prefetch
// ready jobs in a single transaction. Candidate rows are selected with
// SKIP LOCKED so concurrent brokers never contend on the same rows.
func (s *Store) GetAndLockNextAvailable(ctx context.Context, workers []string, queue string, minPriority, maxPriority, prefetch int, prefetchOwner string) (*storage.LockResult, error) {
	result := &storage.LockResult{ByWorker: make(map[string]*storage.Job)}
	if len(workers) == 0 && prefetch <= 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: get and lock begin: %w", err)
	}
	defer tx.Rollback()

	query, args := availableQuery(queue, len(workers)+prefetch, minPriority, maxPriority, true)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get and lock select: %w", err)
	}

	candidates, err := collectJobs(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("postgres: get and lock collect: %w", err)
	}

	if len(candidates) == 0 {
		return result, tx.Commit()
	}

	if s.opts.SelectRandomFromBatch {
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	}

	now := time.Now().UTC()
	lock := func(locker string, ids []int64) error {
		const update = `
            UPDATE delayed_jobs
            SET locked_at = $1,
                locked_by = $2
            WHERE id = ANY($3)
        `
		_, err := tx.ExecContext(ctx, update, now, locker, pq.Array(ids))
		return err
	}

	var prefetched []*storage.Job
	for i, job := range candidates {
		if i < len(workers) {
			worker := workers[i]
			if err := lock(worker, []int64{job.ID}); err != nil {
				return nil, fmt.Errorf("postgres: get and lock assign: %w", err)
			}
			job.LockedAt = &now
			job.LockedBy = worker
			result.ByWorker[worker] = job
		} else {
			prefetched = append(prefetched, job)
		}
	}

	if len(prefetched) > 0 {
		ids := make([]int64, len(prefetched))
		for i, job := range prefetched {
			ids[i] = job.ID
			job.LockedAt = &now
			job.LockedBy = prefetchOwner
		}
		if err := lock(prefetchOwner, ids); err != nil {
			return nil, fmt.Errorf("postgres: get and lock prefetch: %w", err)
		}
		result.Prefetched = prefetched
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: get and lock commit: %w", err)
	}

	if !s.opts.SilenceReads {
		s.log("locked batch", "queue", queue,
			"assigned", len(result.ByWorker), "prefetched", len(result.Prefetched))
	}

	return result, nil
}

// UnlockOrphanedPrefetchedJobs releases jobs still held by any broker's
// prefetch identity whose lock predates cutoff.
func (s *Store) UnlockOrphanedPrefetchedJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
        UPDATE delayed_jobs
        SET locked_at = NULL,
            locked_by = NULL
        WHERE locked_by LIKE $1 AND locked_at < $2
    `

	res, err := s.db.ExecContext(ctx, query, storage.PrefetchPrefix+"%", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: unlock orphaned prefetched: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: unlock orphaned rows affected: %w", err)
	}

	return rows, nil
}
