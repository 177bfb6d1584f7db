package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"qmove/internal/qmove"
)

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
// It performs actual filesystem operations using the os package.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// Lstat returns file info without following a final symlink.
func (m *OSFilesystemManager) Lstat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

// Scan walks root in lexical order without following symlinks.
func (m *OSFilesystemManager) Scan(ctx context.Context, root string) ([]*qmove.FileRecord, error) {
	var records []*qmove.FileRecord

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", p, err)
		}
		record, err := newRecord(rel, p, info)
		if err != nil {
			return err
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	return records, nil
}

// FindByPrefix returns entries under root whose name starts with prefix.
// Directories it cannot read are skipped.
func (m *OSFilesystemManager) FindByPrefix(ctx context.Context, root, prefix string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != root && errors.Is(err, fs.ErrPermission) {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root || !strings.HasPrefix(d.Name(), prefix) {
			return nil
		}
		paths = append(paths, p)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", root, err)
	}

	return paths, nil
}

// RemoveAll removes path and its children. Directories without write
// permission are made writable first, so a tree copied with read-only
// directories can still be removed.
func (m *OSFilesystemManager) RemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return err
	}

	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if d == nil || !d.IsDir() {
				return err
			}
		}
		if !d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(p, info.Mode().Perm()|0o700)
	})
	if walkErr != nil {
		return fmt.Errorf("making %s writable: %w", path, walkErr)
	}
	return os.RemoveAll(path)
}

// SyncDir flushes a directory's entries to durable storage.
func (m *OSFilesystemManager) SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}

// Compile-time check that OSFilesystemManager implements qmove.FilesystemManager interface
var _ qmove.FilesystemManager = (*OSFilesystemManager)(nil)
