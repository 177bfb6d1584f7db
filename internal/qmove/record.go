package qmove

import (
	"fmt"
	"io/fs"
	"time"
)

// BlockSize is the unit of FileRecord.Blocks, as reported by stat(2).
const BlockSize = 512

// FileType classifies a FileRecord.
type FileType int

const (
	TypeOther FileType = iota
	TypeFile
	TypeDir
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// FileTypeOf maps a file mode to a FileType.
func FileTypeOf(mode fs.FileMode) FileType {
	switch {
	case mode.IsRegular():
		return TypeFile
	case mode.IsDir():
		return TypeDir
	case mode&fs.ModeSymlink != 0:
		return TypeSymlink
	default:
		return TypeOther
	}
}

// FileRecord is a metadata snapshot of one entry in a tree.
// RelPath is "." for the root of the scanned tree.
type FileRecord struct {
	RelPath    string
	Type       FileType
	Mode       fs.FileMode
	Size       int64
	Blocks     int64
	ModTime    time.Time
	AccessTime time.Time
	UID        int
	GID        int
	Target     string // symlink target, unresolved
}

// FileID identifies a filesystem object independently of its path. A rename
// keeps it; deleting and recreating a path changes it.
type FileID struct {
	Dev uint64
	Ino uint64
}

// IsZero reports whether the identity was never recorded.
func (id FileID) IsZero() bool {
	return id == FileID{}
}

func (id FileID) String() string {
	return fmt.Sprintf("%d:%d", id.Dev, id.Ino)
}

// Manifest is the ordered set of FileRecords captured when staging starts.
// Records are ordered so that every directory precedes its children.
type Manifest struct {
	Records []*FileRecord
	byPath  map[string]*FileRecord
}

// NewManifest indexes records by relative path.
func NewManifest(records []*FileRecord) *Manifest {
	m := &Manifest{
		Records: records,
		byPath:  make(map[string]*FileRecord, len(records)),
	}
	for _, r := range records {
		m.byPath[r.RelPath] = r
	}
	return m
}

// Lookup returns the record at relPath, or nil.
func (m *Manifest) Lookup(relPath string) *FileRecord {
	return m.byPath[relPath]
}

// Usage returns allocated bytes and entry count of the whole tree.
func (m *Manifest) Usage() Usage {
	var u Usage
	for _, r := range m.Records {
		u.Bytes += r.Blocks * BlockSize
		u.Inodes++
	}
	return u
}

// LogicalBytes returns the sum of regular file sizes.
func (m *Manifest) LogicalBytes() int64 {
	var n int64
	for _, r := range m.Records {
		if r.Type == TypeFile {
			n += r.Size
		}
	}
	return n
}
