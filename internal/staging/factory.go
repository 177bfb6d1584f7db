package staging

import (
	"qmove/internal/config"
	"qmove/internal/qmove"
)

// NewStagerFromConfig creates a Stager from the move settings.
func NewStagerFromConfig(cfg config.MoveConfig, fsmgr qmove.FilesystemManager, control qmove.BoundaryControl, logger qmove.Logger) *Stager {
	return NewStager(fsmgr, control, logger, Options{
		Fsync:            cfg.Fsync,
		ProgressInterval: cfg.ProgressInterval.Duration,
	})
}
