package qmove

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

// SweepReport summarizes one janitor pass.
type SweepReport struct {
	ArtifactsRemoved []string
	ArtifactsKept    int
	LocksReleased    int
	SourcesRemoved   int
	// SourcesKept counts sources left alone because their path now names a
	// different object.
	SourcesKept int
	// Failures counts entries that could not be cleaned this pass.
	// They are retried on the next sweep.
	Failures int
}

// Janitor reclaims what dead or failed operations left behind: staging
// artifacts, stale locks and sources whose removal failed after commit.
type Janitor struct {
	store     TaskStore
	locks     LockManager
	fsmgr     FilesystemManager
	committer *Committer
	roots     []string
	staleness time.Duration
	clock     Clock
	logger    Logger
	recorder  Recorder
}

// JanitorOptions configures a Janitor. Zero values select defaults.
type JanitorOptions struct {
	Roots     []string
	Staleness time.Duration
	Clock     Clock
	Logger    Logger
	Recorder  Recorder
}

// DefaultStaleness is how old an unowned artifact must be before it is removed.
const DefaultStaleness = time.Hour

// NewJanitor creates a Janitor that sweeps opts.Roots.
func NewJanitor(store TaskStore, locks LockManager, fsmgr FilesystemManager, opts JanitorOptions) *Janitor {
	j := &Janitor{
		store:     store,
		locks:     locks,
		fsmgr:     fsmgr,
		roots:     opts.Roots,
		staleness: opts.Staleness,
		clock:     opts.Clock,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
	}
	if j.staleness <= 0 {
		j.staleness = DefaultStaleness
	}
	if j.clock == nil {
		j.clock = RealClock{}
	}
	if j.logger == nil {
		j.logger = NewNopLogger()
	}
	if j.recorder == nil {
		j.recorder = NopRecorder{}
	}
	j.committer = NewCommitter(fsmgr, j.logger)
	return j
}

// Run sweeps immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			j.logger.Error("janitor sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass. Running it twice over the same state removes
// nothing the second time.
func (j *Janitor) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	for _, root := range j.roots {
		if err := j.sweepArtifacts(ctx, root, report); err != nil {
			return report, err
		}
	}
	if err := j.releaseLocks(report); err != nil {
		return report, err
	}
	if err := j.removeSources(ctx, report); err != nil {
		return report, err
	}

	j.logger.Info("janitor sweep finished",
		"removed", len(report.ArtifactsRemoved),
		"kept", report.ArtifactsKept,
		"locks_released", report.LocksReleased,
		"sources_removed", report.SourcesRemoved,
		"sources_kept", report.SourcesKept,
		"failures", report.Failures)
	return report, nil
}

func (j *Janitor) sweepArtifacts(ctx context.Context, root string, report *SweepReport) error {
	paths, err := j.fsmgr.FindByPrefix(ctx, root, ArtifactPrefix)
	if err != nil {
		return fmt.Errorf("finding artifacts under %s: %w", root, err)
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		reclaim, err := j.reclaimable(path)
		if err != nil {
			return err
		}
		if !reclaim {
			report.ArtifactsKept++
			continue
		}

		if err := j.fsmgr.RemoveAll(path); err != nil {
			j.logger.Warn("removing artifact failed", "path", path, "error", err)
			report.Failures++
			continue
		}
		if err := j.store.DeleteArtifact(filepath.Base(path)); err != nil {
			return fmt.Errorf("deleting artifact record: %w", err)
		}
		j.logger.Info("artifact reclaimed", "path", path)
		j.recorder.ArtifactReclaimed(root)
		report.ArtifactsRemoved = append(report.ArtifactsRemoved, path)
	}
	return nil
}

// reclaimable decides whether an artifact on disk may be removed. An artifact
// is kept while it is young, while its owner holds a lock, or while its owner
// has not reached a terminal state.
func (j *Janitor) reclaimable(path string) (bool, error) {
	name := filepath.Base(path)
	taskID, ok := ParseArtifactName(name)
	if !ok {
		return false, nil
	}

	var created time.Time
	record, err := j.store.FindArtifact(name)
	if err != nil {
		return false, fmt.Errorf("finding artifact record: %w", err)
	}
	if record != nil {
		created = record.CreatedAt
	} else {
		info, err := j.fsmgr.Lstat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, fmt.Errorf("stat artifact: %w", err)
		}
		created = info.ModTime()
	}
	if j.clock.Now().Sub(created) < j.staleness {
		return false, nil
	}

	lock, err := j.locks.HeldBy(taskID)
	if err != nil {
		return false, fmt.Errorf("checking lock: %w", err)
	}
	if lock != nil {
		return false, nil
	}

	op, err := j.store.FindOperation(taskID)
	if err != nil {
		return false, fmt.Errorf("finding owner operation: %w", err)
	}
	if op != nil && !op.State.Terminal() {
		return false, nil
	}
	return true, nil
}

func (j *Janitor) releaseLocks(report *SweepReport) error {
	locks, err := j.locks.ListLocks()
	if err != nil {
		return fmt.Errorf("listing locks: %w", err)
	}
	for _, lock := range locks {
		op, err := j.store.FindOperation(lock.TaskID)
		if err != nil {
			return fmt.Errorf("finding lock owner: %w", err)
		}
		if op != nil && !op.State.Terminal() {
			continue
		}
		if err := j.locks.Release(lock.TaskID); err != nil {
			return fmt.Errorf("releasing lock: %w", err)
		}
		j.logger.Info("stale lock released", "path", lock.Path, "task", lock.TaskID)
		report.LocksReleased++
	}
	return nil
}

func (j *Janitor) removeSources(ctx context.Context, report *SweepReport) error {
	ops, err := j.store.ListWarnedOperations()
	if err != nil {
		return fmt.Errorf("listing warned operations: %w", err)
	}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Never remove a source unless its committed copy is in place.
		if _, err := j.fsmgr.Lstat(op.DestPath()); err != nil {
			j.logger.Warn("destination missing, keeping source", "task", op.ID, "path", op.DestPath(), "error", err)
			report.Failures++
			continue
		}
		if err := j.committer.RemoveSource(op); err != nil {
			// A replaced source is no longer ours: its warning changes kind
			// and it drops out of later sweeps.
			if errors.Is(err, ErrSourceReplaced) {
				j.logger.Warn("source path reused, keeping it", "task", op.ID, "path", op.SourcePath, "error", err)
				report.SourcesKept++
			} else {
				j.logger.Warn("source removal retry failed", "task", op.ID, "error", err)
				report.Failures++
			}
			if err := j.store.SetWarning(op.ID, fmt.Sprintf("%s: %v", KindOf(err), err)); err != nil {
				return fmt.Errorf("updating warning: %w", err)
			}
			continue
		}
		if err := j.store.SetWarning(op.ID, ""); err != nil {
			return fmt.Errorf("clearing warning: %w", err)
		}
		j.logger.Info("source removed", "task", op.ID, "path", op.SourcePath)
		report.SourcesRemoved++
	}
	return nil
}
