package qmove

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// Defaults for configured values. NewMoveService only applies
// DefaultCancelPollInterval itself; a zero margin or tolerance is honoured.
const (
	DefaultMarginPercent      = 10
	DefaultBlockTolerance     = 8
	DefaultCancelPollInterval = 2 * time.Second
)

// Options configures a MoveService. Zero values of the interval and the
// injected dependencies select defaults.
type Options struct {
	// MarginPercent is the capacity headroom demanded on top of the source's
	// usage. Zero demands no headroom.
	MarginPercent int
	// BlockTolerance is the allowed allocation difference, in 512-byte blocks,
	// between a staged file and its source. Zero demands an exact match.
	BlockTolerance int64
	// CancelPollInterval is how often a running move checks for a cancel
	// request and refreshes its heartbeat.
	CancelPollInterval time.Duration

	Logger   Logger
	Clock    Clock
	IDGen    IDGenerator
	Recorder Recorder
}

// MoveService is the orchestration layer. It drives a MoveOperation through
// validation, locking, staging, verification and commit, persisting every
// transition so that an interrupted operation can be resumed from the store
// alone.
type MoveService struct {
	store   TaskStore
	locks   LockManager
	fsmgr   FilesystemManager
	control BoundaryControl
	stager  Stager

	validator *Validator
	verifier  *Verifier
	committer *Committer

	pollInterval time.Duration
	logger       Logger
	clock        Clock
	idgen        IDGenerator
	recorder     Recorder
}

// NewMoveService creates a MoveService with the provided dependencies.
func NewMoveService(store TaskStore, locks LockManager, fsmgr FilesystemManager, control BoundaryControl, stager Stager, opts Options) *MoveService {
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = DefaultCancelPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.IDGen == nil {
		opts.IDGen = UUIDGenerator{}
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}

	return &MoveService{
		store:        store,
		locks:        locks,
		fsmgr:        fsmgr,
		control:      control,
		stager:       stager,
		validator:    NewValidator(fsmgr, control, opts.MarginPercent),
		verifier:     NewVerifier(fsmgr, opts.BlockTolerance),
		committer:    NewCommitter(fsmgr, opts.Logger),
		pollInterval: opts.CancelPollInterval,
		logger:       opts.Logger,
		clock:        opts.Clock,
		idgen:        opts.IDGen,
		recorder:     opts.Recorder,
	}
}

// Submit records a new pending move of source into destParent, which must
// belong to boundary. Paths are made absolute.
func (s *MoveService) Submit(source, destParent, boundary string) (*MoveOperation, error) {
	if boundary == "" {
		return nil, fmt.Errorf("%w: destination boundary is required", ErrConfiguration)
	}
	src, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("resolving source: %w", err)
	}
	dst, err := filepath.Abs(destParent)
	if err != nil {
		return nil, fmt.Errorf("resolving destination: %w", err)
	}
	if src == filepath.Dir(src) {
		return nil, fmt.Errorf("%w: cannot move a filesystem root", ErrConfiguration)
	}

	now := s.clock.Now()
	op := &MoveOperation{
		ID:           s.idgen.New(),
		SourcePath:   src,
		DestParent:   dst,
		DestBoundary: boundary,
		State:        StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateOperation(op); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}

	s.logger.Info("move submitted", "task", op.ID, "source", src, "dest", op.DestPath(), "boundary", boundary)
	return op, nil
}

// Run drives an operation to a terminal state and returns the final record.
// A pending operation runs every stage; any other non-terminal operation is
// resumed from its persisted state. The returned error is non-nil only when
// the store itself fails; a failed move is reported through the record.
func (s *MoveService) Run(ctx context.Context, id string) (*MoveOperation, error) {
	op, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if op.State.Terminal() {
		return op, nil
	}

	if op.State != StatePending {
		if err := s.resume(op); err != nil {
			return s.settle(id, err)
		}
		return s.Get(id)
	}

	if op.CancelRequested {
		if err := s.fail(op.ID, fmt.Errorf("%w: cancelled before start", ErrCancelled)); err != nil {
			return s.settle(id, err)
		}
		return s.Get(id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := s.watch(runCtx, cancel, op.ID)
	failure, leftover, err := s.execute(runCtx, op)
	stop()
	if err != nil {
		return s.settle(id, err)
	}
	if failure != nil {
		// The failure is persisted before the artifact goes, so a crash in
		// between is resumed as a failed move and never as a commit.
		if err := s.fail(op.ID, failure); err != nil {
			return s.settle(id, err)
		}
		if leftover != nil {
			s.discard(leftover)
		}
	}
	s.release(op.ID)
	return s.Get(id)
}

// settle handles a store error raised while running. If the operation was
// meanwhile finished elsewhere, that result is returned instead.
func (s *MoveService) settle(id string, err error) (*MoveOperation, error) {
	op, findErr := s.store.FindOperation(id)
	if findErr == nil && op != nil && op.State.Terminal() {
		return op, nil
	}
	return nil, err
}

// execute runs every stage of a pending operation. failure is the reason the
// move failed and leftover the artifact to remove once that is recorded; err
// is a store failure that leaves the operation resumable.
func (s *MoveService) execute(ctx context.Context, op *MoveOperation) (failure error, leftover *StagingArtifact, err error) {
	// Validation
	if err := s.advance(op, StateValidating); err != nil {
		return nil, nil, err
	}
	start := s.clock.Now()
	usage, failure := s.validator.Validate(ctx, ValidateRequest{
		Source:     op.SourcePath,
		DestParent: op.DestParent,
		Boundary:   op.DestBoundary,
	})
	s.recorder.StageFinished(StateValidating, s.clock.Now().Sub(start), failure)
	if failure != nil {
		return failure, nil, nil
	}
	op.Progress = Progress{BytesTotal: usage.Bytes, InodesTotal: usage.Inodes}
	if err := s.store.UpdateProgress(op.ID, op.Progress); err != nil {
		return nil, nil, fmt.Errorf("recording totals: %w", err)
	}

	// Locking
	if failure := s.locks.Acquire(op.SourcePath, op.ID); failure != nil {
		if errors.Is(failure, ErrConflict) {
			s.recorder.LockConflict()
			return failure, nil, nil
		}
		return nil, nil, fmt.Errorf("acquiring lock: %w", failure)
	}
	if err := s.advance(op, StateLocked); err != nil {
		return nil, nil, err
	}
	// The source's identity decides later whether a path may be removed.
	sourceID, failure := s.fsmgr.Identify(op.SourcePath)
	if failure != nil {
		return fmt.Errorf("%w: identifying source: %w", ErrIOFailure, failure), nil, nil
	}
	if err := s.store.SetSourceID(op.ID, sourceID); err != nil {
		return nil, nil, fmt.Errorf("recording source identity: %w", err)
	}
	op.SourceID = sourceID

	// Staging. The artifact is recorded before it exists on disk so that
	// recovery can always find it.
	artifact := &StagingArtifact{
		Name:      ArtifactName(op.ID, s.idgen.New()),
		Parent:    op.DestParent,
		TaskID:    op.ID,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateArtifact(artifact); err != nil {
		return nil, nil, fmt.Errorf("recording artifact: %w", err)
	}
	if err := s.advance(op, StateStaging); err != nil {
		return nil, nil, err
	}
	start = s.clock.Now()
	result, failure := s.stager.Stage(ctx, StageRequest{
		Source:   op.SourcePath,
		Boundary: op.DestBoundary,
		Artifact: artifact,
	}, func(p Progress) {
		if err := s.store.UpdateProgress(op.ID, p); err != nil {
			s.logger.Warn("recording progress failed", "task", op.ID, "error", err)
		}
	})
	s.recorder.StageFinished(StateStaging, s.clock.Now().Sub(start), failure)
	if failure != nil {
		return failure, artifact, nil
	}
	s.recorder.BytesStaged(result.Progress.BytesDone)
	if err := s.store.UpdateProgress(op.ID, result.Progress); err != nil {
		return nil, nil, fmt.Errorf("recording progress: %w", err)
	}
	// Recovery only trusts a destination that carries the artifact's identity.
	artifact.ID, failure = s.fsmgr.Identify(artifact.Path())
	if failure != nil {
		return fmt.Errorf("%w: identifying artifact: %w", ErrIOFailure, failure), artifact, nil
	}
	if err := s.store.SetArtifactID(artifact.Name, artifact.ID); err != nil {
		return nil, nil, fmt.Errorf("recording artifact identity: %w", err)
	}

	// Verification
	if err := s.advance(op, StateVerifying); err != nil {
		return nil, nil, err
	}
	start = s.clock.Now()
	failure = s.verifier.Verify(ctx, op.SourcePath, artifact.Path(), result.Manifest)
	if failure == nil && ctx.Err() != nil {
		failure = Abort(ctx, "verification", ctx.Err())
	}
	s.recorder.StageFinished(StateVerifying, s.clock.Now().Sub(start), failure)
	if failure != nil {
		return failure, artifact, nil
	}

	// Commit. From here on cancellation is ignored.
	if err := s.advance(op, StateCommitting); err != nil {
		return nil, nil, err
	}
	start = s.clock.Now()
	failure = s.committer.Finalize(artifact.Path(), op.DestPath())
	s.recorder.StageFinished(StateCommitting, s.clock.Now().Sub(start), failure)
	switch {
	case errors.Is(failure, ErrNotDurable):
		return nil, nil, s.complete(op, []*StagingArtifact{artifact}, failure)
	case failure != nil:
		return failure, artifact, nil
	}
	return nil, nil, s.complete(op, []*StagingArtifact{artifact}, nil)
}

// complete marks a committed operation completed and then drops its artifact
// records. The source is removed first unless flushErr reports that the
// destination is not yet durable; either reason to keep the source becomes
// a warning for the janitor.
func (s *MoveService) complete(op *MoveOperation, artifacts []*StagingArtifact, flushErr error) error {
	keep := flushErr
	if keep == nil {
		keep = s.committer.RemoveSource(op)
	}
	var warning, kind string
	if keep != nil {
		kind = KindOf(keep)
		warning = fmt.Sprintf("%s: %v", kind, keep)
		s.logger.Warn("source kept after commit", "task", op.ID, "error", keep)
	}
	if err := s.store.CompleteOperation(op.ID, warning); err != nil {
		return fmt.Errorf("completing operation: %w", err)
	}
	// The records outlive completion so that recovery can still prove the
	// rename. A record left behind names a path that no longer exists.
	for _, a := range artifacts {
		if err := s.store.DeleteArtifact(a.Name); err != nil {
			s.logger.Warn("deleting artifact record failed", "task", op.ID, "artifact", a.Name, "error", err)
		}
	}
	s.recorder.MoveFinished(StateCompleted, kind)
	s.logger.Info("move completed", "task", op.ID, "dest", op.DestPath())
	return nil
}

func (s *MoveService) fail(id string, failure error) error {
	kind := KindOf(failure)
	if err := s.store.FailOperation(id, kind, failure.Error()); err != nil {
		return fmt.Errorf("failing operation: %w", err)
	}
	s.recorder.MoveFinished(StateFailed, kind)
	s.logger.Warn("move failed", "task", id, "kind", kind, "error", failure)
	return nil
}

func (s *MoveService) advance(op *MoveOperation, to State) error {
	if err := s.store.Transition(op.ID, op.State, to); err != nil {
		return fmt.Errorf("advancing %s to %s: %w", op.State, to, err)
	}
	s.logger.Debug("state changed", "task", op.ID, "from", op.State, "to", to)
	op.State = to
	return nil
}

// discard removes an artifact of a failed operation from disk and drops its
// record. Anything left behind is reclaimed by the janitor.
func (s *MoveService) discard(artifact *StagingArtifact) {
	if err := s.stager.Discard(artifact); err != nil {
		s.logger.Warn("discarding artifact failed", "path", artifact.Path(), "error", err)
		return
	}
	if err := s.store.DeleteArtifact(artifact.Name); err != nil {
		s.logger.Warn("deleting artifact record failed", "artifact", artifact.Name, "error", err)
	}
}

func (s *MoveService) release(taskID string) {
	if err := s.locks.Release(taskID); err != nil {
		s.logger.Warn("releasing lock failed", "task", taskID, "error", err)
	}
}

// resume finishes an operation whose worker stopped before reaching a
// terminal state. Only a commit whose rename already happened is completed;
// every other stage is failed and its artifacts removed.
func (s *MoveService) resume(op *MoveOperation) error {
	s.logger.Info("resuming operation", "task", op.ID, "state", op.State)

	artifacts, err := s.store.FindArtifactsByTask(op.ID)
	if err != nil {
		return fmt.Errorf("finding artifacts: %w", err)
	}

	if op.State == StateCommitting {
		committed, err := s.renamed(op, artifacts)
		if err != nil {
			return err
		}
		if committed {
			if err := s.complete(op, artifacts, nil); err != nil {
				return err
			}
			s.release(op.ID)
			return nil
		}
	}

	if err := s.fail(op.ID, fmt.Errorf("%w: worker stopped while %s", ErrInterrupted, op.State)); err != nil {
		return err
	}
	for _, a := range artifacts {
		s.discard(a)
	}
	s.release(op.ID)
	return nil
}

// renamed reports whether the final rename of a committing operation took
// effect: no recorded artifact is left under its staging name and the
// destination is the very object that was staged. A destination that merely
// exists proves nothing, since another writer may have created it.
func (s *MoveService) renamed(op *MoveOperation, artifacts []*StagingArtifact) (bool, error) {
	for _, a := range artifacts {
		if _, err := s.fsmgr.Lstat(a.Path()); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("stat artifact: %w", err)
		}
	}
	dest, err := s.fsmgr.Identify(op.DestPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("identifying destination: %w", err)
	}
	for _, a := range artifacts {
		if !a.ID.IsZero() && a.ID == dest {
			return true, nil
		}
	}
	s.logger.Warn("destination is not the staged artifact", "task", op.ID, "path", op.DestPath(), "id", dest)
	return false, nil
}

// watch polls the store for a cancel request while a move runs and cancels
// the run when one appears. Each poll also refreshes the heartbeat. The
// returned function stops the watcher and waits for it to exit.
func (s *MoveService) watch(ctx context.Context, cancel context.CancelFunc, id string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			op, err := s.store.FindOperation(id)
			if err != nil {
				s.logger.Warn("polling operation failed", "task", id, "error", err)
				continue
			}
			if op == nil || op.State.Terminal() {
				continue
			}
			if op.CancelRequested {
				s.logger.Info("cancel requested", "task", id, "state", op.State)
				cancel()
				return
			}
			if err := s.store.Touch(id); err != nil {
				s.logger.Warn("heartbeat failed", "task", id, "error", err)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Cancel requests cooperative cancellation. A pending move fails at once, a
// running move stops at its next check, and a move already committing runs
// to completion.
func (s *MoveService) Cancel(id string) (*MoveOperation, error) {
	op, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if op.State.Terminal() {
		return nil, fmt.Errorf("%w: operation %s is already %s", ErrConflict, id, op.State)
	}
	if err := s.store.RequestCancel(id); err != nil {
		return nil, fmt.Errorf("requesting cancel: %w", err)
	}
	s.logger.Info("cancel recorded", "task", id)

	// A pending move is claimed and failed here. If a worker claimed it
	// first, its watcher picks up the request instead.
	if op.State == StatePending {
		err := s.store.Transition(id, StatePending, StateValidating)
		switch {
		case err == nil:
			if err := s.fail(id, fmt.Errorf("%w: cancelled before start", ErrCancelled)); err != nil {
				return nil, err
			}
		case !errors.Is(err, ErrConflict):
			return nil, fmt.Errorf("claiming operation: %w", err)
		}
	}
	return s.Get(id)
}

// Recover runs every non-terminal operation that has not been updated within
// olderThan. It is used after a crash when nothing else redelivers work.
func (s *MoveService) Recover(ctx context.Context, olderThan time.Duration) ([]*MoveOperation, error) {
	stale, err := s.store.ListStaleOperations(s.clock.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("listing stale operations: %w", err)
	}
	var recovered []*MoveOperation
	for _, op := range stale {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		result, err := s.Run(ctx, op.ID)
		if err != nil {
			return recovered, fmt.Errorf("recovering %s: %w", op.ID, err)
		}
		recovered = append(recovered, result)
	}
	return recovered, nil
}

// Get returns an operation by ID.
func (s *MoveService) Get(id string) (*MoveOperation, error) {
	op, err := s.store.FindOperation(id)
	if err != nil {
		return nil, fmt.Errorf("finding operation: %w", err)
	}
	if op == nil {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return op, nil
}

// List returns operations newest first. When activeOnly is set only
// non-terminal operations are returned.
func (s *MoveService) List(limit int, activeOnly bool) ([]*MoveOperation, error) {
	var states []State
	if activeOnly {
		states = ActiveStates
	}
	ops, err := s.store.ListOperations(limit, states...)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// Locks returns all active locks.
func (s *MoveService) Locks() ([]*Lock, error) {
	locks, err := s.locks.ListLocks()
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	return locks, nil
}
