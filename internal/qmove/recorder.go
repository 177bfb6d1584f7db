package qmove

import "time"

// Recorder receives operational measurements from the orchestrator and janitor.
type Recorder interface {
	// StageFinished is called once per stage with its duration and outcome.
	StageFinished(stage State, elapsed time.Duration, err error)

	// MoveFinished is called when an operation reaches a terminal state.
	// kind is the error taxonomy name, empty on success.
	MoveFinished(state State, kind string)

	// BytesStaged adds to the number of bytes copied into staging artifacts.
	BytesStaged(n int64)

	// LockConflict counts a rejected lock acquisition.
	LockConflict()

	// ArtifactReclaimed counts a staging artifact removed by the janitor.
	ArtifactReclaimed(root string)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) StageFinished(State, time.Duration, error) {}
func (NopRecorder) MoveFinished(State, string)                {}
func (NopRecorder) BytesStaged(int64)                         {}
func (NopRecorder) LockConflict()                             {}
func (NopRecorder) ArtifactReclaimed(string)                  {}
