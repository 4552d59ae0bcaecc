package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// JobOptions contains optional parameters for enqueuing a job. Zero values
// fall back to the config defaults.
type JobOptions struct {
	Queue         string
	Priority      int
	MaxAttempts   int
	RunAt         time.Time
	Strand        string
	NStrand       string
	MaxConcurrent int
	Singleton     bool
	Tag           string
	Source        string
}

// Enqueuer creates jobs. It is safe for concurrent use and is typically
// shared by whatever produces work, independent of any worker pool.
type Enqueuer struct {
	store  storage.JobStore
	config Config
}

// NewEnqueuer creates an Enqueuer over the configured store.
func NewEnqueuer(config Config) (*Enqueuer, error) {
	config = config.WithDefaults()
	if config.Storage == nil {
		return nil, ErrStoreRequired
	}
	return &Enqueuer{store: config.Storage, config: config}, nil
}

// Enqueue serializes payload and persists a job for it. Singleton options
// coalesce with an existing pending job on the strand; NStrand fans the
// name out across the configured number of sub-strands.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts JobOptions) (*storage.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal payload: %w", err)
	}
	if err := storage.ValidatePayloadSize(data); err != nil {
		return nil, fmt.Errorf("jobs: enqueue: %w", err)
	}

	opts = e.mergeDefaults(opts)

	if opts.NStrand != "" {
		if opts.Strand != "" {
			return nil, fmt.Errorf("jobs: enqueue: strand and n_strand are mutually exclusive")
		}
		opts.Strand, opts.MaxConcurrent = e.resolveNStrand(opts.NStrand)
	}
	if opts.Singleton && opts.Strand == "" {
		return nil, fmt.Errorf("jobs: enqueue: singleton requires a strand")
	}

	job := &storage.Job{
		Priority:      opts.Priority,
		Queue:         opts.Queue,
		Strand:        opts.Strand,
		MaxConcurrent: opts.MaxConcurrent,
		RunAt:         opts.RunAt,
		MaxAttempts:   opts.MaxAttempts,
		Tag:           opts.Tag,
		Source:        opts.Source,
		Payload:       data,
	}

	if opts.Singleton {
		return e.store.CreateSingleton(ctx, job)
	}

	if err := e.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (e *Enqueuer) mergeDefaults(opts JobOptions) JobOptions {
	if e.config.DefaultJobOptions != nil {
		base := e.config.DefaultJobOptions()
		if opts.Queue == "" {
			opts.Queue = base.Queue
		}
		if opts.Priority == 0 {
			opts.Priority = base.Priority
		}
		if opts.MaxAttempts == 0 {
			opts.MaxAttempts = base.MaxAttempts
		}
		if opts.Tag == "" {
			opts.Tag = base.Tag
		}
		if opts.Source == "" {
			opts.Source = base.Source
		}
	}
	if opts.Queue == "" {
		opts.Queue = e.config.Queue
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = e.config.MaxAttempts
	}
	return opts
}

// resolveNStrand maps a logical name to a concrete sub-strand. With a
// configured fan-out of N > 1 the suffix ":<i>" is drawn uniformly from
// 1..N and the strand's concurrency budget stays 1 per sub-strand;
// otherwise the name passes through unchanged.
func (e *Enqueuer) resolveNStrand(name string) (string, int) {
	n := 0
	if e.config.NumStrands != nil {
		n = e.config.NumStrands(name)
	}
	if n <= 1 {
		return name, 1
	}
	return fmt.Sprintf("%s:%d", name, rand.Intn(n)+1), 1
}
