package qmove

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"
)

// ValidateRequest names the move being validated. Paths must be absolute.
type ValidateRequest struct {
	Source     string
	DestParent string
	Boundary   string
}

// Validator runs the read-only admission checks of a move.
type Validator struct {
	fsmgr         FilesystemManager
	control       BoundaryControl
	marginPercent int
}

// NewValidator creates a Validator. marginPercent is the headroom demanded on
// top of the source's usage before a move is admitted.
func NewValidator(fsmgr FilesystemManager, control BoundaryControl, marginPercent int) *Validator {
	return &Validator{fsmgr: fsmgr, control: control, marginPercent: marginPercent}
}

// Validate checks that the move described by req can proceed and returns the
// source tree's usage. Failures are reported in a fixed order: NotFound,
// Collision, CapacityExceeded, ConfigurationError, BlockedContent.
func (v *Validator) Validate(ctx context.Context, req ValidateRequest) (*Usage, error) {
	source := filepath.Clean(req.Source)
	destParent := filepath.Clean(req.DestParent)
	dest := filepath.Join(destParent, filepath.Base(source))

	if _, err := v.fsmgr.Lstat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: source %s", ErrNotFound, source)
		}
		return nil, Abort(ctx, "validation", fmt.Errorf("stat source: %w", err))
	}

	// ENOTDIR means the parent is not a directory, which checkDestination reports.
	if _, err := v.fsmgr.Lstat(dest); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollision, dest)
	} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
		return nil, Abort(ctx, "validation", fmt.Errorf("stat destination: %w", err))
	}

	// One walk gathers usage and residency.
	records, err := v.fsmgr.Scan(ctx, source)
	if err != nil {
		return nil, Abort(ctx, "validation", fmt.Errorf("scanning source: %w", err))
	}
	manifest := NewManifest(records)
	usage := manifest.Usage()

	var blocked string
	for _, r := range records {
		if r.Type != TypeFile {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, Abort(ctx, "validation", err)
		}
		path := filepath.Join(source, r.RelPath)
		resident, err := v.control.Resident(ctx, path)
		if err != nil {
			return nil, Abort(ctx, "validation", fmt.Errorf("checking residency of %s: %w", path, err))
		}
		if !resident {
			blocked = path
			break
		}
	}

	capacity, err := v.control.Capacity(ctx, req.Boundary)
	if err != nil {
		return nil, Abort(ctx, "validation", fmt.Errorf("querying capacity of boundary %s: %w", req.Boundary, err))
	}
	required := RequiredCapacity(usage, v.marginPercent)
	if required.Bytes > capacity.FreeBytes() {
		return nil, fmt.Errorf("%w: boundary %s needs %d bytes, %d free",
			ErrCapacityExceeded, req.Boundary, required.Bytes, capacity.FreeBytes())
	}
	if required.Inodes > capacity.FreeInodes() {
		return nil, fmt.Errorf("%w: boundary %s needs %d inodes, %d free",
			ErrCapacityExceeded, req.Boundary, required.Inodes, capacity.FreeInodes())
	}

	if err := v.checkDestination(ctx, source, destParent, req.Boundary); err != nil {
		return nil, err
	}

	if blocked != "" {
		return nil, fmt.Errorf("%w: %s", ErrBlockedContent, blocked)
	}

	return &usage, nil
}

func (v *Validator) checkDestination(ctx context.Context, source, destParent, boundary string) error {
	if destParent == source || strings.HasPrefix(destParent, source+string(filepath.Separator)) {
		return fmt.Errorf("%w: destination %s is inside source %s", ErrConfiguration, destParent, source)
	}

	info, err := v.fsmgr.Lstat(destParent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: destination parent %s does not exist", ErrConfiguration, destParent)
		}
		return Abort(ctx, "validation", fmt.Errorf("stat destination parent: %w", err))
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: destination parent %s is not a directory", ErrConfiguration, destParent)
	}

	p, err := v.control.Placement(ctx, destParent)
	if err != nil {
		return Abort(ctx, "validation", fmt.Errorf("reading placement of %s: %w", destParent, err))
	}
	if p.Boundary != boundary {
		return fmt.Errorf("%w: %s belongs to boundary %q, not %q", ErrConfiguration, destParent, p.Boundary, boundary)
	}
	if !p.Inherit {
		return fmt.Errorf("%w: %s does not propagate its boundary to new entries", ErrConfiguration, destParent)
	}
	return nil
}
