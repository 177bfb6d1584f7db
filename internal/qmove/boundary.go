package qmove

import (
	"context"
	"io/fs"
	"os"
)

// BoundaryControl is the control plane of the filesystem's accounting and
// placement partitions. Implementations bind it to whatever the target
// filesystem exposes.
type BoundaryControl interface {
	// Capacity returns usage and limits of a boundary.
	Capacity(ctx context.Context, boundary string) (*Capacity, error)

	// Placement returns the boundary membership and inheritance flag of path.
	Placement(ctx context.Context, path string) (*Placement, error)

	// SetPlacement assigns path to a boundary.
	SetPlacement(ctx context.Context, path string, p Placement) error

	// Resident reports whether the content of path can be read without
	// recall from an offline tier.
	Resident(ctx context.Context, path string) (bool, error)

	// Layout returns the physical layout of a regular file, or nil for the default.
	Layout(ctx context.Context, path string) (*Layout, error)

	// CreateFile creates a new regular file with the given layout and opens it
	// for writing. It fails if path exists.
	CreateFile(ctx context.Context, path string, layout *Layout, perm fs.FileMode) (*os.File, error)
}
