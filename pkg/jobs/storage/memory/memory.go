// Package memory provides an in-memory JobStore with the same semantics as
// the postgres backend, including strand-head maintenance and singleton
// coalescing. It backs the unit tests and small single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

type Store struct {
	mu        sync.Mutex
	jobs      map[int64]*storage.Job
	failed    map[int64]*storage.Job
	sequence  int64
	failedSeq int64
	advisory  map[string]bool
}

var _ storage.JobStore = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:     make(map[int64]*storage.Job),
		failed:   make(map[int64]*storage.Job),
		advisory: make(map[string]bool),
	}
}

func (s *Store) nextID() int64 {
	s.sequence++
	return s.sequence
}

// Insert persists a new job, deciding strand-head eligibility the same way
// the postgres insert trigger does: the new row is next_in_strand only
// while the strand holds fewer rows than its concurrency budget.
func (s *Store) Insert(ctx context.Context, job *storage.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateJob(job); err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertLocked(job)
	return nil
}

func (s *Store) insertLocked(job *storage.Job) {
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
	if job.Strand != "" {
		count := 0
		for _, existing := range s.jobs {
			if existing.Strand == job.Strand {
				count++
			}
		}
		if count >= job.MaxConcurrent {
			job.NextInStrand = false
		}
	}

	job.ID = s.nextID()
	job.CreatedAt = time.Now().UTC()

	jobCopy := *job
	s.jobs[job.ID] = &jobCopy
}

// CreateSingleton enqueues job unless an unlocked job already exists on
// its strand; a running job may coexist with one pending successor.
func (s *Store) CreateSingleton(ctx context.Context, job *storage.Job) (*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if job.Strand == "" {
		return nil, fmt.Errorf("memory: create singleton: strand is required")
	}
	if err := storage.ValidateJob(job); err != nil {
		return nil, fmt.Errorf("memory: create singleton: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *storage.Job
	for _, candidate := range s.jobs {
		if candidate.Strand != job.Strand || candidate.LockedAt != nil {
			continue
		}
		if existing == nil || candidate.ID < existing.ID {
			existing = candidate
		}
	}

	if existing == nil {
		s.insertLocked(job)
		jobCopy := *job
		return &jobCopy, nil
	}

	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	if runAt.Before(existing.RunAt) {
		existing.RunAt = runAt
	}

	jobCopy := *existing
	return &jobCopy, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, storage.ErrJobNotFound
	}

	jobCopy := *job
	return &jobCopy, nil
}

// Delete removes an active job and promotes the next job on its strand,
// mirroring the postgres after-delete trigger.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id int64) error {
	job, exists := s.jobs[id]
	if !exists {
		return storage.ErrJobNotFound
	}

	delete(s.jobs, id)

	if job.Strand != "" && job.NextInStrand {
		s.promoteStrandLocked(job.Strand, job.MaxConcurrent)
	}

	return nil
}

func (s *Store) promoteStrandLocked(strand string, maxConcurrent int) {
	heads := 0
	var oldest *storage.Job
	for _, job := range s.jobs {
		if job.Strand != strand {
			continue
		}
		if job.NextInStrand {
			heads++
		} else if oldest == nil || job.ID < oldest.ID {
			oldest = job
		}
	}

	if heads < maxConcurrent && oldest != nil {
		oldest.NextInStrand = true
	}
}

func (s *Store) UpdateAttrs(ctx context.Context, id int64, attrs storage.JobAttrs) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return storage.ErrJobNotFound
	}

	if attrs.RunAt != nil {
		job.RunAt = attrs.RunAt.UTC()
	}
	if attrs.Priority != nil {
		job.Priority = *attrs.Priority
	}
	if attrs.Queue != nil {
		job.Queue = *attrs.Queue
	}
	if attrs.MaxAttempts != nil {
		job.MaxAttempts = *attrs.MaxAttempts
	}

	return nil
}

func (s *Store) FindAvailable(ctx context.Context, queue string, limit, minPriority, maxPriority int) ([]*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.availableLocked(queue, minPriority, maxPriority)
	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}

	copies := make([]*storage.Job, len(candidates))
	for i, job := range candidates {
		jobCopy := *job
		copies[i] = &jobCopy
	}

	return copies, nil
}

// availableLocked returns ready jobs in (priority, run_at, id) order. The
// returned pointers alias store state; callers copy before releasing the
// lock.
func (s *Store) availableLocked(queue string, minPriority, maxPriority int) []*storage.Job {
	now := time.Now().UTC()

	var candidates []*storage.Job
	for _, job := range s.jobs {
		if job.Queue != queue || !job.Ready(now) {
			continue
		}
		if minPriority > 0 && job.Priority < minPriority {
			continue
		}
		if maxPriority >= 0 && job.Priority > maxPriority {
			continue
		}
		candidates = append(candidates, job)
	}

	sortByReadiness(candidates)
	return candidates
}

func sortByReadiness(jobs []*storage.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		if !jobs[i].RunAt.Equal(jobs[j].RunAt) {
			return jobs[i].RunAt.Before(jobs[j].RunAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func (s *Store) LockExclusively(ctx context.Context, id int64, worker string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return false, nil
	}
	if job.LockedAt != nil || job.RunAt.After(time.Now().UTC()) {
		return false, nil
	}

	now := time.Now().UTC()
	job.LockedAt = &now
	job.LockedBy = worker
	return true, nil
}

func (s *Store) TransferLock(ctx context.Context, id int64, from, to string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists || job.LockedBy != from {
		return false, nil
	}

	now := time.Now().UTC()
	job.LockedAt = &now
	job.LockedBy = to
	return true, nil
}

func (s *Store) Unlock(ctx context.Context, ids []int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for _, id := range ids {
		job, exists := s.jobs[id]
		if !exists {
			continue
		}
		job.LockedAt = nil
		job.LockedBy = ""
		affected++
	}

	return affected, nil
}

func (s *Store) ClearLocks(ctx context.Context, worker string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.LockedBy == worker {
			job.LockedAt = nil
			job.LockedBy = ""
		}
	}

	return nil
}

func (s *Store) GetAndLockNextAvailable(ctx context.Context, workers []string, queue string, minPriority, maxPriority, prefetch int, prefetchOwner string) (*storage.LockResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &storage.LockResult{ByWorker: make(map[string]*storage.Job)}
	if len(workers) == 0 && prefetch <= 0 {
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.availableLocked(queue, minPriority, maxPriority)
	limit := len(workers) + prefetch
	if limit < len(candidates) {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	for i, job := range candidates {
		job.LockedAt = &now
		if i < len(workers) {
			job.LockedBy = workers[i]
			jobCopy := *job
			result.ByWorker[workers[i]] = &jobCopy
		} else {
			job.LockedBy = prefetchOwner
			jobCopy := *job
			result.Prefetched = append(result.Prefetched, &jobCopy)
		}
	}

	return result, nil
}

func (s *Store) RunningJobs(ctx context.Context) ([]*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var running []*storage.Job
	for _, job := range s.jobs {
		if job.LockedAt != nil && job.LockedBy != storage.LockedByOnHold {
			jobCopy := *job
			running = append(running, &jobCopy)
		}
	}

	sort.Slice(running, func(i, j int) bool {
		if !running[i].LockedAt.Equal(*running[j].LockedAt) {
			return running[i].LockedAt.Before(*running[j].LockedAt)
		}
		return running[i].ID < running[j].ID
	})

	return running, nil
}

func (s *Store) UnlockOrphanedPrefetchedJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for _, job := range s.jobs {
		if !strings.HasPrefix(job.LockedBy, storage.PrefetchPrefix) {
			continue
		}
		if job.LockedAt == nil || !job.LockedAt.Before(cutoff) {
			continue
		}
		job.LockedAt = nil
		job.LockedBy = ""
		affected++
	}

	return affected, nil
}

// Fail moves a job to the failed set, freeing its strand slot in the same
// step.
func (s *Store) Fail(ctx context.Context, id int64, lastError string) (*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, storage.ErrJobNotFound
	}

	now := time.Now().UTC()
	failed := *job
	s.failedSeq++
	failed.ID = s.failedSeq
	failed.OriginalJobID = job.ID
	failed.LastError = lastError
	failed.FailedAt = &now
	failed.NextInStrand = false
	failed.MaxConcurrent = 0
	s.failed[failed.ID] = &failed

	if err := s.deleteLocked(job.ID); err != nil {
		return nil, err
	}

	failedCopy := failed
	return &failedCopy, nil
}

func (s *Store) Reschedule(ctx context.Context, id int64, runAt time.Time, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return storage.ErrJobNotFound
	}

	job.LockedAt = nil
	job.LockedBy = ""
	job.RunAt = runAt.UTC()
	job.Attempts = attempts

	return nil
}

func (s *Store) ListJobs(ctx context.Context, flavor storage.Flavor, query string, limit, offset int) ([]*storage.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := s.flavorMatchesLocked(flavor, query)
	if err != nil {
		return nil, err
	}

	switch flavor {
	case storage.FlavorFailed:
		sort.Slice(matches, func(i, j int) bool {
			if !matches[i].FailedAt.Equal(*matches[j].FailedAt) {
				return matches[i].FailedAt.After(*matches[j].FailedAt)
			}
			return matches[i].ID > matches[j].ID
		})
	case storage.FlavorStrand, storage.FlavorTag:
		sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	default:
		sortByReadiness(matches)
	}

	matches = paginate(matches, limit, offset)

	copies := make([]*storage.Job, len(matches))
	for i, job := range matches {
		jobCopy := *job
		copies[i] = &jobCopy
	}

	return copies, nil
}

func (s *Store) JobsCount(ctx context.Context, flavor storage.Flavor, query string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := s.flavorMatchesLocked(flavor, query)
	if err != nil {
		return 0, err
	}

	return int64(len(matches)), nil
}

func (s *Store) flavorMatchesLocked(flavor storage.Flavor, query string) ([]*storage.Job, error) {
	now := time.Now().UTC()

	var matches []*storage.Job
	switch flavor {
	case storage.FlavorCurrent:
		for _, job := range s.jobs {
			if !job.RunAt.After(now) && !job.OnHold() {
				matches = append(matches, job)
			}
		}
	case storage.FlavorFuture:
		for _, job := range s.jobs {
			if job.RunAt.After(now) && !job.OnHold() {
				matches = append(matches, job)
			}
		}
	case storage.FlavorFailed:
		for _, job := range s.failed {
			matches = append(matches, job)
		}
	case storage.FlavorStrand:
		for _, job := range s.jobs {
			if job.Strand == query {
				matches = append(matches, job)
			}
		}
	case storage.FlavorTag:
		for _, job := range s.jobs {
			if job.Tag == query && !job.OnHold() {
				matches = append(matches, job)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidFlavor, flavor)
	}

	return matches, nil
}

func paginate(jobs []*storage.Job, limit, offset int) []*storage.Job {
	if offset > 0 {
		if offset >= len(jobs) {
			return nil
		}
		jobs = jobs[offset:]
	}
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

func (s *Store) TagCounts(ctx context.Context, flavor storage.TagFlavor, limit, offset int) ([]storage.TagCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if flavor != storage.TagFlavorCurrent && flavor != storage.TagFlavorAll {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidFlavor, flavor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	counts := make(map[string]int64)
	for _, job := range s.jobs {
		if job.Tag == "" {
			continue
		}
		if flavor == storage.TagFlavorCurrent && (job.RunAt.After(now) || job.OnHold()) {
			continue
		}
		counts[job.Tag]++
	}

	results := make([]storage.TagCount, 0, len(counts))
	for tag, count := range counts {
		results = append(results, storage.TagCount{Tag: tag, Count: count})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Tag < results[j].Tag
	})

	paged := make([]storage.TagCount, 0)
	for i, tc := range results {
		if i < offset {
			continue
		}
		if limit > 0 && len(paged) >= limit {
			break
		}
		paged = append(paged, tc)
	}

	return paged, nil
}

func (s *Store) BulkUpdate(ctx context.Context, action storage.BulkAction, selector storage.Selector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var targets []*storage.Job
	if len(selector.IDs) > 0 {
		for _, id := range selector.IDs {
			if job, exists := s.jobs[id]; exists {
				targets = append(targets, job)
			}
		}
	} else {
		matches, err := s.flavorMatchesLocked(selector.Flavor, selector.Query)
		if err != nil {
			return 0, err
		}
		if selector.Flavor == storage.FlavorFailed {
			return 0, fmt.Errorf("%w: bulk update on failed set", storage.ErrInvalidFlavor)
		}
		targets = matches
	}

	now := time.Now().UTC()
	var affected int64
	for _, job := range targets {
		switch action {
		case storage.ActionHold:
			lockedAt := now
			job.LockedAt = &lockedAt
			job.LockedBy = storage.LockedByOnHold
			job.Attempts = job.MaxAttempts
			affected++
		case storage.ActionUnhold:
			job.LockedAt = nil
			job.LockedBy = ""
			job.Attempts = 0
			if job.RunAt.Before(now) {
				job.RunAt = now
			}
			affected++
		case storage.ActionDestroy:
			if job.LockedAt != nil && job.LockedBy != storage.LockedByOnHold {
				continue
			}
			if err := s.deleteLocked(job.ID); err == nil {
				affected++
			}
		default:
			return 0, fmt.Errorf("%w: %q", storage.ErrInvalidAction, action)
		}
	}

	return affected, nil
}

// WithAdvisoryLock mirrors the postgres session advisory lock with a
// process-local try-lock per key.
func (s *Store) WithAdvisoryLock(ctx context.Context, key string, fn func(context.Context) error) (bool, error) {
	s.mu.Lock()
	if s.advisory[key] {
		s.mu.Unlock()
		return false, nil
	}
	s.advisory[key] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.advisory, key)
		s.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}
