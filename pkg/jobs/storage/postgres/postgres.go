package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

const jobColumns = "id, priority, queue, strand, max_concurrent, next_in_strand, run_at, locked_at, locked_by, attempts, max_attempts, tag, source, payload, last_error, created_at"

const failedJobColumns = "id, priority, queue, strand, run_at, locked_at, locked_by, attempts, max_attempts, tag, source, payload, last_error, failed_at, original_job_id, created_at"

// Logger is the minimal logging surface the store needs. It matches the
// jobs package Logger so either can be plugged in directly.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options tunes store behavior beyond the connection itself.
type Options struct {
	// Logger receives per-operation Debug output. Nil disables logging.
	Logger Logger

	// SilenceReads suppresses Debug output on the hot polling path
	// (FindAvailable / GetAndLockNextAvailable), which otherwise logs on
	// every broker loop iteration.
	SilenceReads bool

	// SelectRandomFromBatch shuffles each locked batch before assigning
	// jobs to workers. The batch itself is still fetched in
	// (priority, run_at, id) order.
	SelectRandomFromBatch bool
}

// Store implements storage.JobStore on PostgreSQL. Strand maintenance
// lives in the database triggers installed by InitSchema; the Go side only
// takes the matching advisory locks.
type Store struct {
	db   *sql.DB
	opts Options
}

var _ storage.JobStore = (*Store)(nil)

// New creates a Store backed by the provided sql.DB connection. InitSchema
// must have been run against the same database.
func New(db *sql.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres: db is nil")
	}
	return &Store{db: db, opts: opts}, nil
}

// Insert persists a new job. For stranded jobs the per-strand advisory
// lock is taken before the insert statement runs, so the insert trigger
// never has to upgrade a lock it does not already hold.
func (s *Store) Insert(ctx context.Context, job *storage.Job) error {
	if err := storage.ValidateJob(job); err != nil {
		return fmt.Errorf("postgres: insert: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: insert begin: %w", err)
	}
	defer tx.Rollback()

	if job.Strand != "" {
		if err := lockStrand(ctx, tx, job.Strand); err != nil {
			return fmt.Errorf("postgres: insert: %w", err)
		}
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: insert commit: %w", err)
	}

	s.log("job inserted", "job_id", job.ID, "queue", job.Queue, "strand", job.Strand)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertJob(ctx context.Context, runner execer, job *storage.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	applyInsertDefaults(job)

	const query = `
        INSERT INTO delayed_jobs (priority, queue, strand, max_concurrent, run_at, attempts, max_attempts, tag, source, payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING id, next_in_strand, run_at, created_at
    `

	row := runner.QueryRowContext(ctx, query,
		job.Priority,
		job.Queue,
		nullString(job.Strand),
		job.MaxConcurrent,
		job.RunAt,
		job.Attempts,
		job.MaxAttempts,
		nullString(job.Tag),
		nullString(job.Source),
		job.Payload,
	)

	if err := row.Scan(&job.ID, &job.NextInStrand, &job.RunAt, &job.CreatedAt); err != nil {
		return fmt.Errorf("postgres: insert scan: %w", err)
	}

	return nil
}

func applyInsertDefaults(job *storage.Job) {
	if job.RunAt.IsZero() {
		job.RunAt = time.Now().UTC()
	}
	if job.MaxConcurrent < 1 {
		job.MaxConcurrent = 1
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	if len(job.Payload) == 0 {
		job.Payload = []byte("{}")
	}
	job.NextInStrand = true
}

// Get returns the active job with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*storage.Job, error) {
	query := "SELECT " + jobColumns + " FROM delayed_jobs WHERE id = $1"
	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrJobNotFound
		}
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return job, nil
}

// Delete removes an active job. The after-delete trigger promotes the next
// job on the strand inside the same transaction.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM delayed_jobs WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: delete rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrJobNotFound
	}

	return nil
}

// UpdateAttrs changes the given attributes of a job.
func (s *Store) UpdateAttrs(ctx context.Context, id int64, attrs storage.JobAttrs) error {
	var (
		sets    []string
		args    []any
		nextArg = 1
	)

	if attrs.RunAt != nil {
		sets = append(sets, fmt.Sprintf("run_at = $%d", nextArg))
		args = append(args, attrs.RunAt.UTC())
		nextArg++
	}
	if attrs.Priority != nil {
		sets = append(sets, fmt.Sprintf("priority = $%d", nextArg))
		args = append(args, *attrs.Priority)
		nextArg++
	}
	if attrs.Queue != nil {
		sets = append(sets, fmt.Sprintf("queue = $%d", nextArg))
		args = append(args, *attrs.Queue)
		nextArg++
	}
	if attrs.MaxAttempts != nil {
		sets = append(sets, fmt.Sprintf("max_attempts = $%d", nextArg))
		args = append(args, *attrs.MaxAttempts)
		nextArg++
	}

	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE delayed_jobs SET %s WHERE id = $%d",
		strings.Join(sets, ", "), nextArg)
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update attrs: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update attrs rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrJobNotFound
	}

	return nil
}

// FindAvailable returns ready jobs from queue within the priority band,
// ordered by (priority, run_at, id). Nothing is locked.
func (s *Store) FindAvailable(ctx context.Context, queue string, limit, minPriority, maxPriority int) ([]*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query, args := availableQuery(queue, limit, minPriority, maxPriority, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find available: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: find available: %w", err)
	}

	if !s.opts.SilenceReads {
		s.log("find available", "queue", queue, "found", len(jobs))
	}

	return jobs, nil
}

// availableQuery builds the ready-set select. With forUpdate the rows are
// locked with SKIP LOCKED so concurrent brokers never double-fetch.
func availableQuery(queue string, limit, minPriority, maxPriority int, forUpdate bool) (string, []any) {
	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(jobColumns)
	builder.WriteString(" FROM delayed_jobs")
	builder.WriteString(" WHERE queue = $1 AND locked_at IS NULL AND next_in_strand AND run_at <= NOW()")

	args := []any{queue}
	nextArg := 2

	if minPriority > 0 {
		builder.WriteString(fmt.Sprintf(" AND priority >= $%d", nextArg))
		args = append(args, minPriority)
		nextArg++
	}
	if maxPriority >= 0 {
		builder.WriteString(fmt.Sprintf(" AND priority <= $%d", nextArg))
		args = append(args, maxPriority)
		nextArg++
	}

	builder.WriteString(" ORDER BY priority ASC, run_at ASC, id ASC")
	builder.WriteString(fmt.Sprintf(" LIMIT $%d", nextArg))
	args = append(args, limit)

	if forUpdate {
		builder.WriteString(" FOR UPDATE SKIP LOCKED")
	}

	return builder.String(), args
}

// RunningJobs returns all locked jobs except held ones, oldest lock first.
func (s *Store) RunningJobs(ctx context.Context) ([]*storage.Job, error) {
	query := "SELECT " + jobColumns + ` FROM delayed_jobs
        WHERE locked_at IS NOT NULL AND locked_by <> $1
        ORDER BY locked_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, storage.LockedByOnHold)
	if err != nil {
		return nil, fmt.Errorf("postgres: running jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: running jobs: %w", err)
	}
	return jobs, nil
}

// Fail moves a job to the failed set, deleting the active row in the same
// transaction so the strand slot is freed atomically.
func (s *Store) Fail(ctx context.Context, id int64, lastError string) (*storage.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: fail begin: %w", err)
	}
	defer tx.Rollback()

	query := "SELECT " + jobColumns + " FROM delayed_jobs WHERE id = $1 FOR UPDATE"
	job, err := scanJob(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrJobNotFound
		}
		return nil, fmt.Errorf("postgres: fail select: %w", err)
	}

	const insert = `
        INSERT INTO failed_jobs (priority, queue, strand, run_at, locked_at, locked_by, attempts, max_attempts, tag, source, payload, last_error, original_job_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        RETURNING id, failed_at
    `

	failed := *job
	failed.OriginalJobID = job.ID
	failed.LastError = lastError
	failed.NextInStrand = false
	failed.MaxConcurrent = 0

	row := tx.QueryRowContext(ctx, insert,
		job.Priority,
		job.Queue,
		nullString(job.Strand),
		job.RunAt,
		nullTime(job.LockedAt),
		nullString(job.LockedBy),
		job.Attempts,
		job.MaxAttempts,
		nullString(job.Tag),
		nullString(job.Source),
		job.Payload,
		nullString(lastError),
		job.ID,
		job.CreatedAt,
	)

	var failedAt time.Time
	if err := row.Scan(&failed.ID, &failedAt); err != nil {
		return nil, fmt.Errorf("postgres: fail insert: %w", err)
	}
	failed.FailedAt = &failedAt

	if _, err := tx.ExecContext(ctx, "DELETE FROM delayed_jobs WHERE id = $1", job.ID); err != nil {
		return nil, fmt.Errorf("postgres: fail delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: fail commit: %w", err)
	}

	s.log("job moved to failed set", "job_id", job.ID, "failed_id", failed.ID)
	return &failed, nil
}

// Reschedule unlocks the job and sets its next run time and attempt count.
func (s *Store) Reschedule(ctx context.Context, id int64, runAt time.Time, attempts int) error {
	const query = `
        UPDATE delayed_jobs
        SET locked_at = NULL,
            locked_by = NULL,
            run_at = $1,
            attempts = $2
        WHERE id = $3
    `

	res, err := s.db.ExecContext(ctx, query, runAt.UTC(), attempts, id)
	if err != nil {
		return fmt.Errorf("postgres: reschedule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: reschedule rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrJobNotFound
	}

	return nil
}

// ListJobs returns jobs of the given flavor, ordered deterministically.
func (s *Store) ListJobs(ctx context.Context, flavor storage.Flavor, query string, limit, offset int) ([]*storage.Job, error) {
	sqlQuery, args, failed, err := flavorQuery(flavor, query)
	if err != nil {
		return nil, err
	}

	nextArg := len(args) + 1
	sqlQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d", nextArg, nextArg+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*storage.Job
	for rows.Next() {
		var (
			job     *storage.Job
			scanErr error
		)
		if failed {
			job, scanErr = scanFailedJob(rows)
		} else {
			job, scanErr = scanJob(rows)
		}
		if scanErr != nil {
			return nil, fmt.Errorf("postgres: list jobs scan: %w", scanErr)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list jobs rows: %w", err)
	}

	return jobs, nil
}

// JobsCount returns the population size ListJobs would page over.
func (s *Store) JobsCount(ctx context.Context, flavor storage.Flavor, query string) (int64, error) {
	where, args, failed, err := flavorWhere(flavor, query)
	if err != nil {
		return 0, err
	}

	table := "delayed_jobs"
	if failed {
		table = "failed_jobs"
	}

	var count int64
	sqlQuery := "SELECT COUNT(*) FROM " + table + where
	if err := s.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: jobs count: %w", err)
	}

	return count, nil
}

// flavorQuery builds the full ordered select for a list flavor.
func flavorQuery(flavor storage.Flavor, query string) (string, []any, bool, error) {
	where, args, failed, err := flavorWhere(flavor, query)
	if err != nil {
		return "", nil, false, err
	}

	columns, order := jobColumns, " ORDER BY priority ASC, run_at ASC, id ASC"
	table := "delayed_jobs"
	if failed {
		columns = failedJobColumns
		table = "failed_jobs"
		order = " ORDER BY failed_at DESC, id DESC"
	}
	if flavor == storage.FlavorStrand || flavor == storage.FlavorTag {
		order = " ORDER BY id ASC"
	}

	return "SELECT " + columns + " FROM " + table + where + order, args, failed, nil
}

func flavorWhere(flavor storage.Flavor, query string) (string, []any, bool, error) {
	const notHeld = "(locked_by IS NULL OR locked_by <> '" + storage.LockedByOnHold + "')"

	switch flavor {
	case storage.FlavorCurrent:
		return " WHERE run_at <= NOW() AND " + notHeld, nil, false, nil
	case storage.FlavorFuture:
		return " WHERE run_at > NOW() AND " + notHeld, nil, false, nil
	case storage.FlavorFailed:
		return "", nil, true, nil
	case storage.FlavorStrand:
		return " WHERE strand = $1", []any{query}, false, nil
	case storage.FlavorTag:
		return " WHERE tag = $1 AND " + notHeld, []any{query}, false, nil
	default:
		return "", nil, false, fmt.Errorf("%w: %q", storage.ErrInvalidFlavor, flavor)
	}
}

// TagCounts returns a tag histogram, most frequent first.
func (s *Store) TagCounts(ctx context.Context, flavor storage.TagFlavor, limit, offset int) ([]storage.TagCount, error) {
	var where string
	switch flavor {
	case storage.TagFlavorCurrent:
		where = " AND run_at <= NOW() AND (locked_by IS NULL OR locked_by <> '" + storage.LockedByOnHold + "')"
	case storage.TagFlavorAll:
		where = ""
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidFlavor, flavor)
	}

	query := `SELECT tag, COUNT(*) AS count FROM delayed_jobs
        WHERE tag IS NOT NULL` + where + `
        GROUP BY tag
        ORDER BY count DESC, tag ASC
        LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: tag counts: %w", err)
	}
	defer rows.Close()

	var counts []storage.TagCount
	for rows.Next() {
		var tc storage.TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("postgres: tag counts scan: %w", err)
		}
		counts = append(counts, tc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: tag counts rows: %w", err)
	}

	return counts, nil
}

// BulkUpdate applies an administrative action to the selected jobs.
// Destroy skips actively running jobs; hold and unhold apply regardless of
// lock state.
func (s *Store) BulkUpdate(ctx context.Context, action storage.BulkAction, selector storage.Selector) (int64, error) {
	where, args, failed, err := selectorWhere(selector)
	if err != nil {
		return 0, err
	}
	if failed {
		return 0, fmt.Errorf("%w: bulk update on failed set", storage.ErrInvalidFlavor)
	}

	var query string
	switch action {
	case storage.ActionHold:
		query = `UPDATE delayed_jobs
            SET locked_at = NOW(), locked_by = '` + storage.LockedByOnHold + `', attempts = max_attempts` + where
	case storage.ActionUnhold:
		query = `UPDATE delayed_jobs
            SET locked_at = NULL, locked_by = NULL, attempts = 0, run_at = GREATEST(NOW(), run_at)` + where
	case storage.ActionDestroy:
		running := " AND (locked_at IS NULL OR locked_by = '" + storage.LockedByOnHold + "')"
		query = "DELETE FROM delayed_jobs" + where + running
	default:
		return 0, fmt.Errorf("%w: %q", storage.ErrInvalidAction, action)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: bulk update %s: %w", action, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: bulk update rows affected: %w", err)
	}

	s.log("bulk update", "action", string(action), "affected", affected)
	return affected, nil
}

func selectorWhere(selector storage.Selector) (string, []any, bool, error) {
	if len(selector.IDs) > 0 {
		return " WHERE id = ANY($1)", []any{pq.Array(selector.IDs)}, false, nil
	}
	return flavorWhere(selector.Flavor, selector.Query)
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("postgres: close: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (s *Store) log(msg string, keysAndValues ...any) {
	if s.opts.Logger == nil {
		return
	}
	s.opts.Logger.Debug(msg, keysAndValues...)
}

func collectJobs(rows *sql.Rows) ([]*storage.Job, error) {
	var jobs []*storage.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*storage.Job, error) {
	var (
		job       storage.Job
		strand    sql.NullString
		lockedAt  sql.NullTime
		lockedBy  sql.NullString
		tag       sql.NullString
		source    sql.NullString
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&job.ID,
		&job.Priority,
		&job.Queue,
		&strand,
		&job.MaxConcurrent,
		&job.NextInStrand,
		&job.RunAt,
		&lockedAt,
		&lockedBy,
		&job.Attempts,
		&job.MaxAttempts,
		&tag,
		&source,
		&job.Payload,
		&lastError,
		&job.CreatedAt,
	); err != nil {
		return nil, err
	}

	job.Strand = strand.String
	job.LockedAt = timePtrFromNull(lockedAt)
	job.LockedBy = lockedBy.String
	job.Tag = tag.String
	job.Source = source.String
	job.LastError = lastError.String

	return &job, nil
}

func scanFailedJob(scanner interface{ Scan(dest ...any) error }) (*storage.Job, error) {
	var (
		job       storage.Job
		strand    sql.NullString
		lockedAt  sql.NullTime
		lockedBy  sql.NullString
		tag       sql.NullString
		source    sql.NullString
		lastError sql.NullString
		failedAt  time.Time
	)

	if err := scanner.Scan(
		&job.ID,
		&job.Priority,
		&job.Queue,
		&strand,
		&job.RunAt,
		&lockedAt,
		&lockedBy,
		&job.Attempts,
		&job.MaxAttempts,
		&tag,
		&source,
		&job.Payload,
		&lastError,
		&failedAt,
		&job.OriginalJobID,
		&job.CreatedAt,
	); err != nil {
		return nil, err
	}

	job.Strand = strand.String
	job.LockedAt = timePtrFromNull(lockedAt)
	job.LockedBy = lockedBy.String
	job.Tag = tag.String
	job.Source = source.String
	job.LastError = lastError.String
	job.FailedAt = &failedAt

	return &job, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(ts *time.Time) sql.NullTime {
	if ts == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ts.UTC(), Valid: true}
}

func timePtrFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	ts := nt.Time
	return &ts
}
