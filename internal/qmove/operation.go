package qmove

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"
)

// State is the lifecycle state of a MoveOperation.
type State string

const (
	StatePending    State = "pending"
	StateValidating State = "validating"
	StateLocked     State = "locked"
	StateStaging    State = "staging"
	StateVerifying  State = "verifying"
	StateCommitting State = "committing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ActiveStates lists every non-terminal state in lifecycle order.
var ActiveStates = []State{
	StatePending,
	StateValidating,
	StateLocked,
	StateStaging,
	StateVerifying,
	StateCommitting,
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress holds byte and inode counters for an operation.
type Progress struct {
	BytesTotal  int64
	BytesDone   int64
	InodesTotal int64
	InodesDone  int64
}

// MoveOperation is the unit of work: one source tree moved under one
// destination parent that belongs to the destination boundary.
type MoveOperation struct {
	ID              string
	SourcePath      string
	DestParent      string
	DestBoundary    string
	State           State
	Progress        Progress
	ErrorKind       string
	ErrorDetail     string
	Warning         string
	CancelRequested bool
	// SourceID is the identity of the source root, recorded once the source
	// is locked. Source removal is refused when the path no longer matches it.
	SourceID  FileID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DestPath returns the final location of the moved entry.
func (op *MoveOperation) DestPath() string {
	return filepath.Join(op.DestParent, filepath.Base(op.SourcePath))
}

// ArtifactPrefix starts the name of every staging artifact.
const ArtifactPrefix = ".qmove-staging."

// StagingArtifact is a temporary shadow copy of a source tree, created next to
// the final destination so that finalization is a single local rename.
type StagingArtifact struct {
	Name   string
	Parent string
	TaskID string
	// ID is the identity of the staged root, recorded after staging. After
	// the final rename the destination carries the same identity.
	ID        FileID
	CreatedAt time.Time
}

// Path returns the artifact's absolute path.
func (a *StagingArtifact) Path() string {
	return filepath.Join(a.Parent, a.Name)
}

// ArtifactName builds an artifact name that embeds the owning task ID, so an
// artifact found on disk can be traced to its operation even if it was never
// recorded in the store.
func ArtifactName(taskID, unique string) string {
	return ArtifactPrefix + taskID + "." + unique
}

// ParseArtifactName extracts the owning task ID from an artifact name.
func ParseArtifactName(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, ArtifactPrefix)
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, ".")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

// Lock is a mutual-exclusion record on a source path.
type Lock struct {
	Path       string
	TaskID     string
	AcquiredAt time.Time
}

// Placement describes which boundary an entry belongs to and whether new
// children automatically inherit it.
type Placement struct {
	Boundary string
	Inherit  bool
}

// Layout is the physical placement (striping) configuration of a regular
// file. A nil *Layout means the filesystem default.
type Layout struct {
	StripeCount int
	StripeSize  int64
	Pool        string
}

func (l *Layout) String() string {
	if l == nil {
		return "default"
	}
	s := fmt.Sprintf("count=%d,size=%d", l.StripeCount, l.StripeSize)
	if l.Pool != "" {
		s += ",pool=" + l.Pool
	}
	return s
}

// Capacity is a boundary's usage and limits. A zero limit means unlimited.
type Capacity struct {
	BytesUsed   int64
	BytesLimit  int64
	InodesUsed  int64
	InodesLimit int64
}

// FreeBytes returns the remaining byte allowance.
func (c *Capacity) FreeBytes() int64 {
	return free(c.BytesUsed, c.BytesLimit)
}

// FreeInodes returns the remaining entry allowance.
func (c *Capacity) FreeInodes() int64 {
	return free(c.InodesUsed, c.InodesLimit)
}

func free(used, limit int64) int64 {
	if limit <= 0 {
		return math.MaxInt64
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// Usage is the storage a tree consumes: allocated bytes and entry count.
type Usage struct {
	Bytes  int64
	Inodes int64
}

// RequiredCapacity returns u grown by marginPercent, rounded up in both
// dimensions. Integer arithmetic keeps the admission boundary exact.
func RequiredCapacity(u Usage, marginPercent int) Usage {
	return Usage{
		Bytes:  withMargin(u.Bytes, marginPercent),
		Inodes: withMargin(u.Inodes, marginPercent),
	}
}

func withMargin(v int64, pct int) int64 {
	if pct <= 0 {
		return v
	}
	return v + (v*int64(pct)+99)/100
}
