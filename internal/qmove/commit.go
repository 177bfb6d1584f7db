package qmove

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"
)

// Committer performs the two irreversible steps of a move. Neither step
// takes a context: once started, a commit runs to completion.
type Committer struct {
	fsmgr  FilesystemManager
	logger Logger
}

// NewCommitter creates a Committer.
func NewCommitter(fsmgr FilesystemManager, logger Logger) *Committer {
	return &Committer{fsmgr: fsmgr, logger: logger}
}

// Finalize renames the staged artifact onto its final name and flushes the
// parent directory. It never replaces an existing destination. If the rename
// succeeded but the flush did not, the error wraps ErrNotDurable: the
// destination is visible but the source must not be removed yet.
func (c *Committer) Finalize(artifactPath, destPath string) error {
	if err := c.fsmgr.Rename(artifactPath, destPath); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			return fmt.Errorf("%w: %s appeared during the move", ErrCollision, destPath)
		case errors.Is(err, syscall.EXDEV):
			return fmt.Errorf("%w: %s -> %s", ErrCrossDomain, artifactPath, destPath)
		default:
			return fmt.Errorf("%w: finalizing %s: %w", ErrIOFailure, destPath, err)
		}
	}
	if err := c.fsmgr.SyncDir(filepath.Dir(destPath)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotDurable, filepath.Dir(destPath), err)
	}
	return nil
}

// RemoveSource deletes the original tree of a committed operation. The
// destination's parent is flushed first, and the source is only removed
// while it is still the object recorded in op.SourceID. A source that is
// already gone is not an error.
func (c *Committer) RemoveSource(op *MoveOperation) error {
	if err := c.fsmgr.SyncDir(op.DestParent); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotDurable, op.DestParent, err)
	}

	id, err := c.fsmgr.Identify(op.SourcePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("%w: identifying source %s: %w", ErrPartialCleanup, op.SourcePath, err)
	case op.SourceID.IsZero() || id != op.SourceID:
		return fmt.Errorf("%w: %s is %s, moved %s", ErrSourceReplaced, op.SourcePath, id, op.SourceID)
	}

	if err := c.fsmgr.RemoveAll(op.SourcePath); err != nil {
		return fmt.Errorf("%w: removing source %s: %w", ErrPartialCleanup, op.SourcePath, err)
	}
	if err := c.fsmgr.SyncDir(filepath.Dir(op.SourcePath)); err != nil {
		c.logger.Warn("source directory sync failed", "path", filepath.Dir(op.SourcePath), "error", err)
	}
	return nil
}
