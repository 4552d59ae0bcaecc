package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage/memory"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	assert.Equal(t, "default", cfg.Queue)
	assert.Equal(t, 1, cfg.MaxAttempts)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, WorkQueueInProcess, cfg.WorkQueue)
	assert.Equal(t, -1, cfg.MaxPriority)
	assert.Equal(t, 2*time.Second, cfg.SleepDelay)
	assert.Equal(t, 5, cfg.FetchBatchSize)
	assert.Equal(t, 20*time.Second, cfg.SlowExitTimeout)
	assert.Equal(t, "none", cfg.WorkerHealthCheckType)
	assert.Equal(t, "tmp/inst-jobs.sock", cfg.ServerAddress)
	assert.Equal(t, 10*time.Second, cfg.ServerSocketTimeout)
	assert.Equal(t, 30*time.Second, cfg.PrefetchedJobsTimeout)
	assert.Equal(t, 2*time.Second, cfg.ClientConnectTimeout)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Reschedule)
}

func TestConfigValidate(t *testing.T) {
	store := memory.New()

	valid := Config{Storage: store}.WithDefaults()
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"nil storage", func(c *Config) { c.Storage = nil }, ErrStoreRequired},
		{"empty queue", func(c *Config) { c.Queue = "" }, ErrInvalidQueue},
		{"negative workers", func(c *Config) { c.Workers = -1 }, ErrInvalidWorkerCount},
		{"zero max attempts", func(c *Config) { c.MaxAttempts = 0 }, ErrInvalidMaxAttempts},
		{"bad work queue", func(c *Config) { c.WorkQueue = "bogus" }, ErrInvalidWorkQueue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("JOBS_QUEUE", "imports")
	t.Setenv("JOBS_MAX_ATTEMPTS", "4")
	t.Setenv("JOBS_WORK_QUEUE", "parent_process")
	t.Setenv("JOBS_SLEEP_DELAY", "500ms")
	t.Setenv("JOBS_SERVER_ADDRESS", "/var/run/jobs.sock")
	t.Setenv("JOBS_SELECT_RANDOM_FROM_BATCH", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "imports", cfg.Queue)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, WorkQueueParentProcess, cfg.WorkQueue)
	assert.Equal(t, 500*time.Millisecond, cfg.SleepDelay)
	assert.Equal(t, "/var/run/jobs.sock", cfg.ServerAddress)
	assert.True(t, cfg.SelectRandomFromBatch)

	// Env defaults apply to everything unset.
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.PrefetchedJobsTimeout)
}
