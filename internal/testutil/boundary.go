package testutil

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"qmove/internal/qmove"
)

// FakeBoundary is an in-memory BoundaryControl over real files. Placement is
// keyed by path and inherited from the nearest assigned ancestor whose
// inherit flag is set.
type FakeBoundary struct {
	mu          sync.Mutex
	capacities  map[string]qmove.Capacity
	placements  map[string]qmove.Placement
	nonResident map[string]bool
	layouts     map[string]*qmove.Layout
	created     map[string]*qmove.Layout
}

// NewFakeBoundary creates an empty FakeBoundary.
func NewFakeBoundary() *FakeBoundary {
	return &FakeBoundary{
		capacities:  make(map[string]qmove.Capacity),
		placements:  make(map[string]qmove.Placement),
		nonResident: make(map[string]bool),
		layouts:     make(map[string]*qmove.Layout),
		created:     make(map[string]*qmove.Layout),
	}
}

// SetCapacity defines a boundary with the given usage and limits.
func (b *FakeBoundary) SetCapacity(boundary string, c qmove.Capacity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacities[boundary] = c
}

// Assign places path in boundary.
func (b *FakeBoundary) Assign(path, boundary string, inherit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placements[filepath.Clean(path)] = qmove.Placement{Boundary: boundary, Inherit: inherit}
}

// ReleaseContent marks a file as offline.
func (b *FakeBoundary) ReleaseContent(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonResident[filepath.Clean(path)] = true
}

// SetLayout gives an existing file a non-default layout.
func (b *FakeBoundary) SetLayout(path string, l qmove.Layout) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.layouts[filepath.Clean(path)] = &l
}

// CreatedLayout returns the layout CreateFile was asked to use for path.
func (b *FakeBoundary) CreatedLayout(path string) (*qmove.Layout, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.created[filepath.Clean(path)]
	return l, ok
}

// ExplicitPlacement returns the placement set directly on path, if any.
func (b *FakeBoundary) ExplicitPlacement(path string) (qmove.Placement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.placements[filepath.Clean(path)]
	return p, ok
}

func (b *FakeBoundary) Capacity(ctx context.Context, boundary string) (*qmove.Capacity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.capacities[boundary]
	if !ok {
		return nil, fmt.Errorf("%w: unknown boundary %q", qmove.ErrConfiguration, boundary)
	}
	return &c, nil
}

func (b *FakeBoundary) Placement(ctx context.Context, path string) (*qmove.Placement, error) {
	path = filepath.Clean(path)
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.placements[path]; ok {
		return &p, nil
	}
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if p, ok := b.placements[dir]; ok {
			if !p.Inherit {
				break
			}
			return &qmove.Placement{Boundary: p.Boundary, Inherit: info.IsDir()}, nil
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	return &qmove.Placement{}, nil
}

func (b *FakeBoundary) SetPlacement(ctx context.Context, path string, p qmove.Placement) error {
	if _, err := os.Lstat(path); err != nil {
		return err
	}
	b.Assign(path, p.Boundary, p.Inherit)
	return nil
}

func (b *FakeBoundary) Resident(ctx context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.nonResident[filepath.Clean(path)], nil
}

func (b *FakeBoundary) Layout(ctx context.Context, path string) (*qmove.Layout, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.layouts[filepath.Clean(path)], nil
}

func (b *FakeBoundary) CreateFile(ctx context.Context, path string, layout *qmove.Layout, perm fs.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created[filepath.Clean(path)] = layout
	return f, nil
}

var _ qmove.BoundaryControl = (*FakeBoundary)(nil)
