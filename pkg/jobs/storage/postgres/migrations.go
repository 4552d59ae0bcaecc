package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS delayed_jobs (
    id BIGSERIAL PRIMARY KEY,
    priority INTEGER NOT NULL DEFAULT 0,
    queue TEXT NOT NULL,
    strand TEXT,
    max_concurrent INTEGER NOT NULL DEFAULT 1 CHECK(max_concurrent >= 1),
    next_in_strand BOOLEAN NOT NULL DEFAULT TRUE,
    run_at TIMESTAMPTZ NOT NULL,
    locked_at TIMESTAMPTZ,
    locked_by TEXT,
    attempts INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
    max_attempts INTEGER NOT NULL DEFAULT 1 CHECK(max_attempts >= 1),
    tag TEXT,
    source TEXT,
    payload JSONB NOT NULL DEFAULT '{}',
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK ((locked_at IS NULL) = (locked_by IS NULL))
);

CREATE TABLE IF NOT EXISTS failed_jobs (
    id BIGSERIAL PRIMARY KEY,
    priority INTEGER NOT NULL DEFAULT 0,
    queue TEXT NOT NULL,
    strand TEXT,
    run_at TIMESTAMPTZ NOT NULL,
    locked_at TIMESTAMPTZ,
    locked_by TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 1,
    tag TEXT,
    source TEXT,
    payload JSONB NOT NULL DEFAULT '{}',
    last_error TEXT,
    failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    original_job_id BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_delayed_jobs_ready
ON delayed_jobs(queue, priority, run_at)
WHERE locked_at IS NULL AND next_in_strand;

CREATE INDEX IF NOT EXISTS idx_delayed_jobs_locked_by
ON delayed_jobs(locked_by)
WHERE locked_by IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_delayed_jobs_strand
ON delayed_jobs(strand, id)
WHERE strand IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_delayed_jobs_tag
ON delayed_jobs(tag)
WHERE tag IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_failed_jobs_failed_at
ON failed_jobs(failed_at);
`

// half_md5_as_bigint folds a strand name to a stable non-negative 63-bit
// key for pg advisory locks. The Go twin in strand.go must stay
// byte-for-byte compatible with this definition.
const functions = `
CREATE OR REPLACE FUNCTION half_md5_as_bigint(strand text) RETURNS bigint AS $$
    SELECT ('x' || substring(md5(strand) from 1 for 16))::bit(64)::bigint
           & 9223372036854775807;
$$ LANGUAGE sql IMMUTABLE;
`

// The insert trigger decides strand-head eligibility at insert time: a new
// job is next_in_strand only while the strand holds fewer rows than its
// concurrency budget. The advisory xact lock serializes concurrent
// enqueuers on the same strand; callers that already took it in the same
// transaction re-enter for free.
const triggers = `
CREATE OR REPLACE FUNCTION delayed_jobs_before_insert_row_tr_fn() RETURNS trigger AS $$
BEGIN
    PERFORM pg_advisory_xact_lock(half_md5_as_bigint(NEW.strand));
    IF (SELECT COUNT(*) FROM delayed_jobs WHERE strand = NEW.strand) >= NEW.max_concurrent THEN
        NEW.next_in_strand := false;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS delayed_jobs_before_insert_row_tr ON delayed_jobs;
CREATE TRIGGER delayed_jobs_before_insert_row_tr
BEFORE INSERT ON delayed_jobs
FOR EACH ROW WHEN (NEW.strand IS NOT NULL)
EXECUTE FUNCTION delayed_jobs_before_insert_row_tr_fn();

CREATE OR REPLACE FUNCTION delayed_jobs_after_delete_row_tr_fn() RETURNS trigger AS $$
BEGIN
    PERFORM pg_advisory_xact_lock(half_md5_as_bigint(OLD.strand));
    IF (SELECT COUNT(*) FROM delayed_jobs WHERE strand = OLD.strand AND next_in_strand)
       < OLD.max_concurrent THEN
        UPDATE delayed_jobs SET next_in_strand = true
        WHERE id = (
            SELECT id FROM delayed_jobs
            WHERE strand = OLD.strand AND NOT next_in_strand
            ORDER BY id ASC
            LIMIT 1
            FOR UPDATE
        );
    END IF;
    RETURN OLD;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS delayed_jobs_after_delete_row_tr ON delayed_jobs;
CREATE TRIGGER delayed_jobs_after_delete_row_tr
AFTER DELETE ON delayed_jobs
FOR EACH ROW WHEN (OLD.strand IS NOT NULL AND OLD.next_in_strand)
EXECUTE FUNCTION delayed_jobs_after_delete_row_tr_fn();
`

// InitSchema creates the job tables, indexes, advisory-lock function and
// strand triggers if they do not already exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("postgres: init schema: db is nil")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	for _, stmt := range []string{schema, functions, triggers} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema exec: %w", err)
		}
	}

	return nil
}
