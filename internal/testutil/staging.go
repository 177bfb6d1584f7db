package testutil

import (
	"time"

	"qmove/internal/qmove"
	"qmove/internal/staging"
)

// NewTestStager creates a Stager that reports progress on every tick and
// skips the per-file fsync. Directories are still flushed.
func NewTestStager(fsmgr qmove.FilesystemManager, control qmove.BoundaryControl) *staging.Stager {
	return staging.NewStager(fsmgr, control, qmove.NewNopLogger(), staging.Options{
		ProgressInterval: time.Nanosecond,
	})
}
