package qmove

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Components wrap these with context using %w so callers can
// classify failures with errors.Is; KindOf maps them to the persisted names.
var (
	ErrNotFound             = errors.New("not found")
	ErrCollision            = errors.New("destination already exists")
	ErrCapacityExceeded     = errors.New("destination capacity exceeded")
	ErrConfiguration        = errors.New("destination misconfigured")
	ErrBlockedContent       = errors.New("source contains non-resident content")
	ErrConflict             = errors.New("path is locked by another operation")
	ErrSourceMutated        = errors.New("source changed during move")
	ErrVerificationMismatch = errors.New("staged copy does not match source")
	ErrIOFailure            = errors.New("i/o failure")
	ErrCancelled            = errors.New("cancelled")
	ErrPartialCleanup       = errors.New("partial cleanup failure")

	// ErrCrossDomain is returned when the final rename would cross placement
	// domains and therefore cannot be atomic.
	ErrCrossDomain = fmt.Errorf("%w: rename crosses placement domains", ErrIOFailure)

	// ErrInterrupted marks an operation whose worker died mid-flight.
	ErrInterrupted = fmt.Errorf("%w: operation interrupted", ErrIOFailure)

	// ErrNotDurable is returned when the destination is visible but its
	// parent directory could not be flushed. The source must be kept.
	ErrNotDurable = fmt.Errorf("%w: destination not flushed", ErrPartialCleanup)

	// ErrSourceReplaced means the source path no longer names the object
	// that was moved, so it is left alone.
	ErrSourceReplaced = errors.New("source path was replaced")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrCancelled, "Cancelled"},
	{context.Canceled, "Cancelled"},
	{context.DeadlineExceeded, "Cancelled"},
	{ErrNotFound, "NotFound"},
	{ErrCollision, "Collision"},
	{ErrCapacityExceeded, "CapacityExceeded"},
	{ErrConfiguration, "ConfigurationError"},
	{ErrBlockedContent, "BlockedContent"},
	{ErrConflict, "Conflict"},
	{ErrSourceMutated, "SourceMutated"},
	{ErrVerificationMismatch, "VerificationMismatch"},
	{ErrPartialCleanup, "PartialCleanupFailure"},
	{ErrSourceReplaced, "SourceReplaced"},
	{ErrIOFailure, "IOFailure"},
}

// KindOf returns the taxonomy name for err. Unclassified errors are IOFailure.
// It returns "" for a nil error.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "IOFailure"
}

// Abort classifies an error raised inside a long-running stage. If the
// context was cancelled the result is ErrCancelled, otherwise err is kept when
// it already carries a taxonomy kind and wrapped as ErrIOFailure when it doesn't.
func Abort(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrCancelled) {
		return fmt.Errorf("%w: %s aborted: %w", ErrCancelled, stage, ctxErr)
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, stage, err)
}
