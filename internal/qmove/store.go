package qmove

import "time"

// TaskStore persists MoveOperation records and their staging artifacts.
// Lookups return nil with no error when the record does not exist.
type TaskStore interface {
	// Operation records

	// CreateOperation inserts a new operation record.
	CreateOperation(op *MoveOperation) error

	// FindOperation returns an operation by ID.
	FindOperation(id string) (*MoveOperation, error)

	// ListOperations returns operations newest first, optionally restricted to
	// the given states. A limit <= 0 means no limit.
	ListOperations(limit int, states ...State) ([]*MoveOperation, error)

	// ListStaleOperations returns non-terminal operations whose last update is
	// older than before.
	ListStaleOperations(before time.Time) ([]*MoveOperation, error)

	// Transition moves an operation from one state to the next.
	// It fails if the stored state is not from.
	Transition(id string, from, to State) error

	// UpdateProgress records progress counters.
	UpdateProgress(id string, p Progress) error

	// Touch refreshes the last-update timestamp of a running operation.
	Touch(id string) error

	// FailOperation moves a non-terminal operation to failed.
	FailOperation(id string, kind, detail string) error

	// CompleteOperation moves a committing operation to completed.
	// A non-empty warning records a degraded-but-successful outcome.
	CompleteOperation(id string, warning string) error

	// SetWarning replaces the warning of a completed operation.
	SetWarning(id string, warning string) error

	// SetSourceID records the identity of an operation's source root.
	SetSourceID(id string, fid FileID) error

	// ListWarnedOperations returns completed operations whose source still
	// awaits removal, i.e. whose warning is a PartialCleanupFailure.
	ListWarnedOperations() ([]*MoveOperation, error)

	// RequestCancel flags an operation for cooperative cancellation.
	RequestCancel(id string) error

	// Staging artifact records

	// CreateArtifact records a staging artifact before it is created on disk.
	CreateArtifact(a *StagingArtifact) error

	// SetArtifactID records the identity of a staged artifact root.
	SetArtifactID(name string, fid FileID) error

	// FindArtifact returns an artifact record by name.
	FindArtifact(name string) (*StagingArtifact, error)

	// FindArtifactsByTask returns all artifact records owned by a task.
	FindArtifactsByTask(taskID string) ([]*StagingArtifact, error)

	// DeleteArtifact removes an artifact record. Deleting a missing record is not an error.
	DeleteArtifact(name string) error

	// Close closes the underlying connection.
	Close() error
}

// LockManager serializes operations on the same source path.
// Locks never expire on their own.
type LockManager interface {
	// Acquire inserts a lock on path for taskID if no lock exists.
	// It returns ErrConflict if another task holds the path.
	// Acquiring a path already held by the same task succeeds.
	Acquire(path, taskID string) error

	// Release removes any lock held by taskID. It is idempotent.
	Release(taskID string) error

	// HeldBy returns the lock held by taskID, or nil.
	HeldBy(taskID string) (*Lock, error)

	// ListLocks returns all active locks.
	ListLocks() ([]*Lock, error)
}
