package broker

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := Request{
		WorkerName: "host:123:abcd",
		Config: WorkerConfig{
			Queue:       "default",
			MinPriority: 0,
			MaxPriority: -1,
			PoolSize:    4,
		},
	}
	require.NoError(t, writeFrame(&buf, req))

	var decoded Request
	require.NoError(t, readFrame(&buf, &decoded))
	assert.Equal(t, req, decoded)
}

func TestFrameJobRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &storage.Job{
		ID:            42,
		Queue:         "default",
		Strand:        "s",
		MaxConcurrent: 1,
		NextInStrand:  true,
		RunAt:         now,
		LockedAt:      &now,
		LockedBy:      "w1",
		MaxAttempts:   3,
		Tag:           "Reports::Nightly",
		Payload:       []byte(`{"report_id":7}`),
		CreatedAt:     now,
	}
	require.NoError(t, writeFrame(&buf, job))

	var decoded storage.Job
	require.NoError(t, readFrame(&buf, &decoded))
	assert.Equal(t, *job, decoded)
}

func TestFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)
	buf.Write(header[:])

	var decoded Request
	err := readFrame(&buf, &decoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}

func TestWorkerConfigKey(t *testing.T) {
	a := WorkerConfig{Queue: "default", MaxPriority: -1, PoolSize: 4}
	b := WorkerConfig{Queue: "default", MaxPriority: -1, PoolSize: 4}
	c := WorkerConfig{Queue: "default", MaxPriority: -1, PoolSize: 8}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
