package postgres

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// AdvisoryKey folds a string to the same non-negative 63-bit key the
// half_md5_as_bigint SQL function produces. Both sides must agree or the
// per-strand serialization is silently broken.
func AdvisoryKey(name string) int64 {
	sum := md5.Sum([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]) & 0x7fffffffffffffff)
}

// lockStrand takes the transaction-scoped advisory lock for a strand.
// Callers must do this before inserting a stranded row so the trigger
// never has to upgrade a lock mid-flight.
func lockStrand(ctx context.Context, tx *sql.Tx, strand string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(half_md5_as_bigint($1))", strand)
	if err != nil {
		return fmt.Errorf("lock strand %q: %w", strand, err)
	}
	return nil
}

// CreateSingleton enqueues job unless an unlocked job already exists on
// its strand. Coalescing only considers unlocked rows: a running job on
// the strand may coexist with exactly one pending successor.
func (s *Store) CreateSingleton(ctx context.Context, job *storage.Job) (*storage.Job, error) {
	if job.Strand == "" {
		return nil, fmt.Errorf("postgres: create singleton: strand is required")
	}
	if err := storage.ValidateJob(job); err != nil {
		return nil, fmt.Errorf("postgres: create singleton: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: create singleton begin: %w", err)
	}
	defer tx.Rollback()

	if err := lockStrand(ctx, tx, job.Strand); err != nil {
		return nil, fmt.Errorf("postgres: create singleton: %w", err)
	}

	query := "SELECT " + jobColumns + ` FROM delayed_jobs
        WHERE strand = $1 AND locked_at IS NULL
        ORDER BY id ASC
        LIMIT 1
        FOR UPDATE`

	existing, err := scanJob(tx.QueryRowContext(ctx, query, job.Strand))
	switch {
	case err == sql.ErrNoRows:
		if err := insertJob(ctx, tx, job); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("postgres: create singleton commit: %w", err)
		}
		s.log("singleton created", "job_id", job.ID, "strand", job.Strand)
		return job, nil
	case err != nil:
		return nil, fmt.Errorf("postgres: create singleton select: %w", err)
	}

	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	if runAt.Before(existing.RunAt) {
		const update = "UPDATE delayed_jobs SET run_at = $1 WHERE id = $2"
		if _, err := tx.ExecContext(ctx, update, runAt, existing.ID); err != nil {
			return nil, fmt.Errorf("postgres: create singleton update: %w", err)
		}
		existing.RunAt = runAt
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: create singleton commit: %w", err)
	}

	s.log("singleton coalesced", "job_id", existing.ID, "strand", existing.Strand)
	return existing, nil
}

// WithAdvisoryLock runs fn while holding a session advisory lock derived
// from key on a dedicated connection, or returns false without running fn
// if the lock is held elsewhere. Used to serialize the health reaper sweep
// cluster-wide.
func (s *Store) WithAdvisoryLock(ctx context.Context, key string, fn func(context.Context) error) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: advisory lock conn: %w", err)
	}
	defer conn.Close()

	var acquired bool
	row := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryKey(key))
	if err := row.Scan(&acquired); err != nil {
		return false, fmt.Errorf("postgres: try advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", AdvisoryKey(key))
	}()

	if err := fn(ctx); err != nil {
		return true, err
	}
	return true, nil
}
