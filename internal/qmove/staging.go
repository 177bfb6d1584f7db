package qmove

import "context"

// StageRequest describes one staging run.
type StageRequest struct {
	Source   string
	Boundary string
	Artifact *StagingArtifact
}

// StageResult is the outcome of a successful staging run.
type StageResult struct {
	// Manifest is the source snapshot captured before any byte was copied.
	Manifest *Manifest
	Progress Progress
}

// ProgressFunc receives progress updates during staging.
type ProgressFunc func(p Progress)

// Stager produces verified-ready shadow copies of a source tree.
type Stager interface {
	// Stage copies req.Source to req.Artifact.Path(). On any error, including
	// cancellation, the partial artifact is removed before returning.
	Stage(ctx context.Context, req StageRequest, progress ProgressFunc) (*StageResult, error)

	// Discard removes an artifact from disk. A missing artifact is not an error.
	Discard(artifact *StagingArtifact) error
}
