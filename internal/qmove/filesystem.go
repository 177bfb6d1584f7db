package qmove

import (
	"context"
	"io/fs"
)

// FilesystemManager abstracts the filesystem operations the orchestrator
// needs so that failures can be injected in tests.
type FilesystemManager interface {
	// Lstat returns file info without following a final symlink.
	Lstat(path string) (fs.FileInfo, error)

	// Identify returns the identity of path without following a final symlink.
	Identify(path string) (FileID, error)

	// Scan walks the tree at root without following symlinks and returns one
	// record per entry. The root comes first with RelPath "."; every directory
	// precedes its children. ctx is checked before every entry.
	Scan(ctx context.Context, root string) ([]*FileRecord, error)

	// FindByPrefix returns paths under root whose base name starts with
	// prefix. Matching directories are not descended into.
	FindByPrefix(ctx context.Context, root, prefix string) ([]string, error)

	// Rename renames oldPath to newPath and never replaces an existing entry.
	// It returns an error matching fs.ErrExist if newPath exists, and one
	// matching syscall.EXDEV if the rename would cross devices or domains.
	Rename(oldPath, newPath string) error

	// RemoveAll removes path and any children. A missing path is not an error.
	RemoveAll(path string) error

	// SyncDir flushes a directory's metadata to durable storage.
	SyncDir(path string) error
}
