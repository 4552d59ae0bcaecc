package jobs

import "errors"

var (
	// ErrStoreRequired is returned when a nil job store is provided.
	ErrStoreRequired = errors.New("jobs: store is required")

	// ErrRunnerRequired is returned when a pool is built without a job runner.
	ErrRunnerRequired = errors.New("jobs: runner is required")

	// ErrInvalidQueue is returned when the configured queue name is empty.
	ErrInvalidQueue = errors.New("jobs: queue must be non-empty")

	// ErrInvalidWorkerCount is returned when worker count is negative.
	ErrInvalidWorkerCount = errors.New("jobs: worker count must be non-negative")

	// ErrInvalidMaxAttempts is returned when the attempt cap is below one.
	ErrInvalidMaxAttempts = errors.New("jobs: max attempts must be at least 1")

	// ErrInvalidWorkQueue is returned for an unrecognized work queue mode.
	ErrInvalidWorkQueue = errors.New("jobs: work queue mode must be in_process or parent_process")

	// ErrPoolAlreadyStarted is checked inside Start's one-time setup. Start
	// runs that setup through sync.Once, so a repeated Start call returns
	// nil rather than this error.
	ErrPoolAlreadyStarted = errors.New("jobs: pool is already started")

	// ErrPoolNotStarted is returned when an operation requires the pool to be running.
	ErrPoolNotStarted = errors.New("jobs: pool is not started")
)

// permanentError marks a job failure as terminal regardless of the
// remaining attempt budget.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker moves the job straight to the failed
// set instead of rescheduling it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
