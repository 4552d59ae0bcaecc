package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxPayloadSize is the maximum allowed size for job payloads (10MB)
	MaxPayloadSize = 10 * 1024 * 1024

	// LockedByOnHold is the reserved locker for administratively held jobs.
	// Held jobs are excluded from every read path except explicit admin
	// operations.
	LockedByOnHold = "on hold"

	// PrefetchPrefix marks lockers that are a broker's prefetch identity
	// rather than a live worker. The full identity is "prefetch:<hostname>".
	PrefetchPrefix = "prefetch:"

	// LockedByAbandoned is the locker a reaper CASes onto a dead worker's
	// job before rescheduling it.
	LockedByAbandoned = "abandoned job cleanup"
)

// Job is a unit of work persisted by a storage backend. The same struct
// represents rows of both the active and the failed set; a failed record has
// FailedAt set and OriginalJobID pointing back at the former active id.
type Job struct {
	ID            int64      `json:"id"`
	Priority      int        `json:"priority"`
	Queue         string     `json:"queue"`
	Strand        string     `json:"strand,omitempty"`
	MaxConcurrent int        `json:"max_concurrent"`
	NextInStrand  bool       `json:"next_in_strand"`
	RunAt         time.Time  `json:"run_at"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LockedBy      string     `json:"locked_by,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	Tag           string     `json:"tag,omitempty"`
	Source        string     `json:"source,omitempty"`
	Payload       []byte     `json:"payload,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	OriginalJobID int64      `json:"original_job_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Locked reports whether the job currently holds a lock of any kind.
func (j *Job) Locked() bool {
	return j.LockedAt != nil
}

// OnHold reports whether the job is administratively held.
func (j *Job) OnHold() bool {
	return j.LockedBy == LockedByOnHold
}

// Prefetched reports whether the job is held by a broker's prefetch
// identity rather than a worker.
func (j *Job) Prefetched() bool {
	return strings.HasPrefix(j.LockedBy, PrefetchPrefix)
}

// Ready reports whether the job is eligible to run at the given instant:
// due, unlocked, and at the head of its strand (if any).
func (j *Job) Ready(now time.Time) bool {
	return !j.RunAt.After(now) && j.LockedAt == nil && j.NextInStrand
}

// Flavor selects a slice of the job population for list and count
// operations.
type Flavor string

const (
	FlavorCurrent Flavor = "current"
	FlavorFuture  Flavor = "future"
	FlavorFailed  Flavor = "failed"
	FlavorStrand  Flavor = "strand"
	FlavorTag     Flavor = "tag"
)

// TagFlavor selects the population for tag counting.
type TagFlavor string

const (
	TagFlavorCurrent TagFlavor = "current"
	TagFlavorAll     TagFlavor = "all"
)

// BulkAction is an administrative operation applied to a set of jobs.
type BulkAction string

const (
	ActionHold    BulkAction = "hold"
	ActionUnhold  BulkAction = "unhold"
	ActionDestroy BulkAction = "destroy"
)

// Selector identifies the jobs a bulk operation applies to: either an
// explicit id list, or a (flavor, query) pair with the same meaning as in
// ListJobs.
type Selector struct {
	IDs    []int64
	Flavor Flavor
	Query  string
}

// TagCount is one row of a tag histogram.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

// LockResult is the outcome of GetAndLockNextAvailable: one job per worker
// that received one, plus the jobs locked under the prefetch owner.
type LockResult struct {
	ByWorker   map[string]*Job
	Prefetched []*Job
}

// JobAttrs carries the mutable attributes UpdateAttrs may change; nil
// fields are left untouched.
type JobAttrs struct {
	RunAt       *time.Time
	Priority    *int
	Queue       *string
	MaxAttempts *int
}

var (
	// ErrJobNotFound is returned when a job cannot be located in storage.
	ErrJobNotFound = errors.New("storage: job not found")

	// ErrInvalidFlavor is returned for a list/count flavor this store does
	// not understand.
	ErrInvalidFlavor = errors.New("storage: invalid flavor")

	// ErrInvalidAction is returned for an unrecognized bulk action.
	ErrInvalidAction = errors.New("storage: invalid bulk action")
)

// ValidateJob checks the constraints every backend enforces on insert.
func ValidateJob(job *Job) error {
	if job == nil {
		return errors.New("storage: job is nil")
	}
	if job.Queue == "" {
		return errors.New("storage: job queue is required")
	}
	if job.Strand == "" && job.MaxConcurrent > 1 {
		return errors.New("storage: max_concurrent requires a strand")
	}
	if err := ValidatePayloadSize(job.Payload); err != nil {
		return err
	}
	return nil
}

func ValidatePayloadSize(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("storage: payload size %d bytes exceeds maximum %d bytes",
			len(payload), MaxPayloadSize)
	}
	return nil
}
