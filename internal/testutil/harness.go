package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"qmove/internal/database"
	"qmove/internal/qmove"
)

// Boundary names used by Harness.
const (
	SourceBoundary = "1001"
	DestBoundary   = "2002"
)

// Harness wires a MoveService against real temporary directories, an
// in-memory store and a FakeBoundary. SourceRoot belongs to SourceBoundary
// and DestRoot to DestBoundary; both propagate their boundary.
type Harness struct {
	DB       *database.SQLiteDatabase
	FS       *FaultyFilesystemManager
	Boundary *FakeBoundary
	Clock    *StubClock
	IDGen    *StubIDGenerator
	Stager   qmove.Stager
	Service  *qmove.MoveService

	SourceRoot string
	DestRoot   string
}

// NewHarness creates a Harness with unlimited capacity on both boundaries.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	base := t.TempDir()
	h := &Harness{
		FS:         NewFaultyFilesystemManager(),
		Boundary:   NewFakeBoundary(),
		Clock:      FixedClock(),
		IDGen:      NewStubIDGenerator(),
		SourceRoot: filepath.Join(base, "src"),
		DestRoot:   filepath.Join(base, "dst"),
	}
	h.DB = NewTestDatabase(t, h.Clock)

	for _, dir := range []string{h.SourceRoot, h.DestRoot} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	h.Boundary.Assign(h.SourceRoot, SourceBoundary, true)
	h.Boundary.Assign(h.DestRoot, DestBoundary, true)
	h.Boundary.SetCapacity(SourceBoundary, qmove.Capacity{})
	h.Boundary.SetCapacity(DestBoundary, qmove.Capacity{})

	h.Stager = NewTestStager(h.FS, h.Boundary)
	h.Service = h.NewService(qmove.Options{})
	return h
}

// NewService builds a MoveService over the harness dependencies. Unset Clock
// and IDGen options are filled from the harness, and a zero margin or block
// tolerance gets the production default. Tests that need a literal zero call
// qmove.NewMoveService directly.
func (h *Harness) NewService(opts qmove.Options) *qmove.MoveService {
	return h.NewServiceWithStore(h.DB, opts)
}

// NewServiceWithStore is NewService with store in place of the harness
// database. Locks still go to the harness database.
func (h *Harness) NewServiceWithStore(store qmove.TaskStore, opts qmove.Options) *qmove.MoveService {
	if opts.MarginPercent == 0 {
		opts.MarginPercent = qmove.DefaultMarginPercent
	}
	if opts.BlockTolerance == 0 {
		opts.BlockTolerance = qmove.DefaultBlockTolerance
	}
	if opts.Clock == nil {
		opts.Clock = h.Clock
	}
	if opts.IDGen == nil {
		opts.IDGen = h.IDGen
	}
	return qmove.NewMoveService(store, h.DB, h.FS, h.Boundary, h.Stager, opts)
}

// WithStager replaces the stager and rebuilds the service.
func (h *Harness) WithStager(s qmove.Stager) *Harness {
	h.Stager = s
	h.Service = h.NewService(qmove.Options{})
	return h
}

// NewJanitor builds a Janitor sweeping the harness destination root.
func (h *Harness) NewJanitor(opts qmove.JanitorOptions) *qmove.Janitor {
	if opts.Roots == nil {
		opts.Roots = []string{h.DestRoot}
	}
	if opts.Clock == nil {
		opts.Clock = h.Clock
	}
	return qmove.NewJanitor(h.DB, h.DB, h.FS, opts)
}

// Source returns a path under SourceRoot.
func (h *Harness) Source(rel ...string) string {
	return filepath.Join(append([]string{h.SourceRoot}, rel...)...)
}

// Dest returns a path under DestRoot.
func (h *Harness) Dest(rel ...string) string {
	return filepath.Join(append([]string{h.DestRoot}, rel...)...)
}
