package memory_test

import (
	"testing"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage/memory"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage/storetest"
)

// TestMemoryCompliance runs the complete compliance suite against the
// in-memory backend.
func TestMemoryCompliance(t *testing.T) {
	storetest.RunCompliance(t, func(t *testing.T) storage.JobStore {
		return memory.New()
	})
}
