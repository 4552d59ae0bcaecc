package jobs

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/instructure/canvas-jobs/pkg/jobs/hooks"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

// WorkQueueMode selects how workers obtain jobs.
type WorkQueueMode string

const (
	// WorkQueueInProcess polls the store directly from each worker.
	WorkQueueInProcess WorkQueueMode = "in_process"

	// WorkQueueParentProcess fetches through the per-host broker socket.
	WorkQueueParentProcess WorkQueueMode = "parent_process"
)

// Config contains configuration for the job system. Fields with env tags
// can be populated by FromEnv; the function-valued and interface-valued
// fields are wired in code.
type Config struct {
	// Queue is the default queue name for enqueues and worker fetches.
	Queue string `env:"JOBS_QUEUE" envDefault:"default"`

	// MaxAttempts is the default attempt cap applied at enqueue time.
	MaxAttempts int `env:"JOBS_MAX_ATTEMPTS" envDefault:"1"`

	// Workers is the pool size.
	Workers int `env:"JOBS_WORKERS" envDefault:"5"`

	// WorkQueue selects in_process polling or the parent_process broker.
	WorkQueue WorkQueueMode `env:"JOBS_WORK_QUEUE" envDefault:"in_process"`

	// MinPriority/MaxPriority bound the priority band workers fetch from.
	// Zero MinPriority and negative MaxPriority leave the band open.
	MinPriority int `env:"JOBS_MIN_PRIORITY" envDefault:"0"`
	MaxPriority int `env:"JOBS_MAX_PRIORITY" envDefault:"-1"`

	// SleepDelay and SleepDelayStagger tune the broker loop timeout and
	// the in-process poll interval.
	SleepDelay        time.Duration `env:"JOBS_SLEEP_DELAY" envDefault:"2s"`
	SleepDelayStagger time.Duration `env:"JOBS_SLEEP_DELAY_STAGGER" envDefault:"2s"`

	// FetchBatchSize is the per-worker-slot fetch multiplier for broker
	// batch fetches.
	FetchBatchSize int `env:"JOBS_FETCH_BATCH_SIZE" envDefault:"5"`

	// SelectRandomFromBatch shuffles each locked batch before assignment.
	SelectRandomFromBatch bool `env:"JOBS_SELECT_RANDOM_FROM_BATCH"`

	// KillWorkersOnExit makes Stop release the locks held by workers that
	// are still running once SlowExitTimeout has elapsed. The worker
	// goroutines themselves are not stopped; Stop returns after the timeout
	// whether or not this is set.
	KillWorkersOnExit bool          `env:"JOBS_KILL_WORKERS_ON_EXIT"`
	SlowExitTimeout   time.Duration `env:"JOBS_SLOW_EXIT_TIMEOUT" envDefault:"20s"`

	// WorkerHealthCheckType names the liveness oracle; "none" disables
	// the reaper. HealthCheckInterval is how often the sweep runs when
	// enabled.
	WorkerHealthCheckType   string            `env:"JOBS_WORKER_HEALTH_CHECK_TYPE" envDefault:"none"`
	WorkerHealthCheckConfig map[string]string `env:"JOBS_WORKER_HEALTH_CHECK_CONFIG"`
	HealthCheckInterval     time.Duration     `env:"JOBS_HEALTH_CHECK_INTERVAL" envDefault:"0"`

	// ServerAddress is the broker's Unix socket path.
	ServerAddress         string        `env:"JOBS_SERVER_ADDRESS" envDefault:"tmp/inst-jobs.sock"`
	ServerSocketTimeout   time.Duration `env:"JOBS_SERVER_SOCKET_TIMEOUT" envDefault:"10s"`
	PrefetchedJobsTimeout time.Duration `env:"JOBS_PREFETCHED_JOBS_TIMEOUT" envDefault:"30s"`
	ClientConnectTimeout  time.Duration `env:"JOBS_CLIENT_CONNECT_TIMEOUT" envDefault:"2s"`

	// NumStrands maps a strand name to its n-strand fan-out. Nil or a
	// return of 0/1 passes names through unchanged.
	NumStrands func(strandName string) int `env:"-"`

	// DefaultJobOptions supplies baseline enqueue options merged under
	// per-call options.
	DefaultJobOptions func() JobOptions `env:"-"`

	Storage      storage.JobStore   `env:"-"`
	Logger       Logger             `env:"-"`
	Hooks        *hooks.Registry    `env:"-"`
	Reschedule   RescheduleStrategy `env:"-"`
	HealthOracle LivenessOracle     `env:"-"`
}

// FromEnv builds a Config from process environment variables, leaving the
// code-wired fields zero.
func FromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("jobs: parse env config: %w", err)
	}
	return c, nil
}

// WithDefaults returns a new Config with default values applied for unset
// fields.
func (c Config) WithDefaults() Config {
	if c.Queue == "" {
		c.Queue = "default"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.WorkQueue == "" {
		c.WorkQueue = WorkQueueInProcess
	}
	if c.MaxPriority == 0 {
		c.MaxPriority = -1
	}
	if c.SleepDelay <= 0 {
		c.SleepDelay = 2 * time.Second
	}
	if c.SleepDelayStagger < 0 {
		c.SleepDelayStagger = 0
	}
	if c.FetchBatchSize <= 0 {
		c.FetchBatchSize = 5
	}
	if c.SlowExitTimeout <= 0 {
		c.SlowExitTimeout = 20 * time.Second
	}
	if c.WorkerHealthCheckType == "" {
		c.WorkerHealthCheckType = "none"
	}
	if c.ServerAddress == "" {
		c.ServerAddress = "tmp/inst-jobs.sock"
	}
	if c.ServerSocketTimeout <= 0 {
		c.ServerSocketTimeout = 10 * time.Second
	}
	if c.PrefetchedJobsTimeout <= 0 {
		c.PrefetchedJobsTimeout = 30 * time.Second
	}
	if c.ClientConnectTimeout <= 0 {
		c.ClientConnectTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.Reschedule == nil {
		c.Reschedule = PolynomialBackoff{}
	}
	return c
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Storage == nil {
		return ErrStoreRequired
	}
	if c.Queue == "" {
		return ErrInvalidQueue
	}
	if c.Workers < 0 {
		return ErrInvalidWorkerCount
	}
	if c.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.WorkQueue != WorkQueueInProcess && c.WorkQueue != WorkQueueParentProcess {
		return ErrInvalidWorkQueue
	}
	return nil
}
