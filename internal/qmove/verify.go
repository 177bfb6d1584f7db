package qmove

import (
	"context"
	"fmt"
	"sort"
)

// Verifier compares a staged copy against the manifest captured before staging
// and against the live source.
type Verifier struct {
	fsmgr FilesystemManager

	// tolerance is the number of 512-byte blocks a staged file's allocation
	// may differ from the manifest. Filesystems round allocation differently
	// depending on layout, so an exact match is too strict.
	tolerance int64
}

// NewVerifier creates a Verifier with the given block tolerance.
func NewVerifier(fsmgr FilesystemManager, tolerance int64) *Verifier {
	return &Verifier{fsmgr: fsmgr, tolerance: tolerance}
}

// Verify walks the manifest, the source and the staged copy in lock-step by
// relative path. Source drift is ErrSourceMutated; a staged copy that differs
// from the manifest is ErrVerificationMismatch.
func (v *Verifier) Verify(ctx context.Context, source, staged string, manifest *Manifest) error {
	srcRecords, err := v.fsmgr.Scan(ctx, source)
	if err != nil {
		return Abort(ctx, "verification", fmt.Errorf("scanning source: %w", err))
	}
	stagedRecords, err := v.fsmgr.Scan(ctx, staged)
	if err != nil {
		return Abort(ctx, "verification", fmt.Errorf("scanning staged copy: %w", err))
	}

	src := index(srcRecords)
	stg := index(stagedRecords)

	paths := make(map[string]struct{}, len(manifest.Records))
	for _, r := range manifest.Records {
		paths[r.RelPath] = struct{}{}
	}
	for p := range src {
		paths[p] = struct{}{}
	}
	for p := range stg {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	for _, p := range sorted {
		if err := ctx.Err(); err != nil {
			return Abort(ctx, "verification", err)
		}
		want := manifest.Lookup(p)
		if err := compareSource(p, want, src[p]); err != nil {
			return err
		}
		if err := v.compareStaged(p, want, stg[p]); err != nil {
			return err
		}
	}
	return nil
}

func index(records []*FileRecord) map[string]*FileRecord {
	m := make(map[string]*FileRecord, len(records))
	for _, r := range records {
		m[r.RelPath] = r
	}
	return m
}

func compareSource(path string, want, got *FileRecord) error {
	switch {
	case want == nil && got == nil:
		return nil
	case want == nil:
		return fmt.Errorf("%w: %s was added", ErrSourceMutated, path)
	case got == nil:
		return fmt.Errorf("%w: %s was removed", ErrSourceMutated, path)
	case want.Type != got.Type:
		return fmt.Errorf("%w: %s changed from %s to %s", ErrSourceMutated, path, want.Type, got.Type)
	}
	switch want.Type {
	case TypeFile:
		if want.Size != got.Size {
			return fmt.Errorf("%w: %s size changed from %d to %d", ErrSourceMutated, path, want.Size, got.Size)
		}
		if !want.ModTime.Equal(got.ModTime) {
			return fmt.Errorf("%w: %s was modified", ErrSourceMutated, path)
		}
	case TypeSymlink:
		if want.Target != got.Target {
			return fmt.Errorf("%w: %s was retargeted", ErrSourceMutated, path)
		}
	}
	return nil
}

func (v *Verifier) compareStaged(path string, want, got *FileRecord) error {
	switch {
	case want == nil && got == nil:
		return nil
	case want == nil:
		return fmt.Errorf("%w: unexpected entry %s in staged copy", ErrVerificationMismatch, path)
	case got == nil:
		return fmt.Errorf("%w: %s missing from staged copy", ErrVerificationMismatch, path)
	case want.Type != got.Type:
		return fmt.Errorf("%w: %s is a %s in staged copy, want %s", ErrVerificationMismatch, path, got.Type, want.Type)
	}
	switch want.Type {
	case TypeFile:
		if want.Size != got.Size {
			return fmt.Errorf("%w: %s has %d bytes in staged copy, want %d", ErrVerificationMismatch, path, got.Size, want.Size)
		}
		if diff := got.Blocks - want.Blocks; diff > v.tolerance || -diff > v.tolerance {
			return fmt.Errorf("%w: %s allocates %d blocks in staged copy, want %d",
				ErrVerificationMismatch, path, got.Blocks, want.Blocks)
		}
	case TypeSymlink:
		if want.Target != got.Target {
			return fmt.Errorf("%w: %s points to %q in staged copy, want %q", ErrVerificationMismatch, path, got.Target, want.Target)
		}
	}
	return nil
}
