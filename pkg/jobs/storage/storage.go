package storage

import (
	"context"
	"time"
)

// JobStore defines backend operations for the job system.
// Implementations must be safe for concurrent use.
//
// Strand maintenance is store-resident: Insert and Delete of a job with a
// non-empty Strand adjust next_in_strand inside the same transaction, so the
// strand head invariants hold at commit no matter which process performed
// the write.
type JobStore interface {
	// Insert persists a new job and fills in its ID, CreatedAt and
	// NextInStrand. For a stranded job the per-strand advisory lock is
	// taken before the insert so concurrent enqueuers serialize.
	Insert(ctx context.Context, job *Job) error

	// CreateSingleton enqueues job unless an unlocked job already exists on
	// the same strand. If one exists, its run_at is pulled forward to the
	// earlier of the two and the existing job is returned; otherwise job is
	// inserted and returned. A running (locked) job on the strand does not
	// prevent one pending successor.
	CreateSingleton(ctx context.Context, job *Job) (*Job, error)

	// Get returns the active job with the given id.
	Get(ctx context.Context, id int64) (*Job, error)

	// Delete removes an active job. Deleting a stranded job promotes the
	// next eligible job on the strand in the same transaction.
	Delete(ctx context.Context, id int64) error

	// UpdateAttrs changes the given attributes of a job; nil fields of
	// attrs are left untouched.
	UpdateAttrs(ctx context.Context, id int64, attrs JobAttrs) error

	// FindAvailable returns up to limit ready jobs from queue within the
	// priority band, ordered by (priority, run_at, id). minPriority and
	// maxPriority bound the band; pass 0 for an open lower bound and a
	// negative maxPriority for an open upper bound. Does not lock anything.
	FindAvailable(ctx context.Context, queue string, limit, minPriority, maxPriority int) ([]*Job, error)

	// LockExclusively attempts to lock the job for worker. Returns true iff
	// the job was unlocked, due, and is now held by worker. Strand
	// constraints are not re-checked here; next_in_strand is enforced when
	// candidates are selected.
	LockExclusively(ctx context.Context, id int64, worker string) (bool, error)

	// TransferLock atomically re-attributes a held lock from one identity
	// to another. Returns true iff the job was held by from.
	TransferLock(ctx context.Context, id int64, from, to string) (bool, error)

	// Unlock releases the listed jobs unconditionally and returns the
	// number of rows affected.
	Unlock(ctx context.Context, ids []int64) (int64, error)

	// ClearLocks releases every job held by the given worker.
	ClearLocks(ctx context.Context, worker string) error

	// GetAndLockNextAvailable fetches up to len(workers)+prefetch ready
	// jobs from the queue and priority band, locking them in one pass. The
	// first jobs go to the named workers by position; the remainder are
	// locked under prefetchOwner and returned in Prefetched. Only workers
	// that actually received a job appear in the result.
	GetAndLockNextAvailable(ctx context.Context, workers []string, queue string, minPriority, maxPriority, prefetch int, prefetchOwner string) (*LockResult, error)

	// RunningJobs returns all locked jobs except held ones, ordered by
	// locked_at.
	RunningJobs(ctx context.Context) ([]*Job, error)

	// UnlockOrphanedPrefetchedJobs releases jobs still held by any
	// prefetch identity whose lock is older than cutoff. Covers brokers
	// that died between prefetching and handing work out.
	UnlockOrphanedPrefetchedJobs(ctx context.Context, cutoff time.Time) (int64, error)

	// Fail moves a job to the failed set with the given error message,
	// deleting the active row in the same transaction. The returned record
	// carries OriginalJobID and FailedAt.
	Fail(ctx context.Context, id int64, lastError string) (*Job, error)

	// Reschedule unlocks the job and sets its run_at and attempts for the
	// next try.
	Reschedule(ctx context.Context, id int64, runAt time.Time, attempts int) error

	// ListJobs returns jobs of the given flavor ordered deterministically.
	// query is the strand or tag name for those flavors and ignored
	// otherwise.
	ListJobs(ctx context.Context, flavor Flavor, query string, limit, offset int) ([]*Job, error)

	// JobsCount returns the population size ListJobs would page over.
	JobsCount(ctx context.Context, flavor Flavor, query string) (int64, error)

	// TagCounts returns a tag histogram over the current or full active
	// population, most frequent first.
	TagCounts(ctx context.Context, flavor TagFlavor, limit, offset int) ([]TagCount, error)

	// BulkUpdate applies an administrative action to the selected jobs and
	// returns the number affected.
	BulkUpdate(ctx context.Context, action BulkAction, selector Selector) (int64, error)

	// WithAdvisoryLock runs fn while holding the advisory lock derived from
	// key, or returns false without running fn if the lock is already held
	// elsewhere.
	WithAdvisoryLock(ctx context.Context, key string, fn func(context.Context) error) (bool, error)

	Close() error
	Ping(ctx context.Context) error
}
