package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Rename renames oldPath to newPath without ever replacing newPath.
// It uses renameat2(RENAME_NOREPLACE); filesystems that reject the flag fall
// back to an existence check followed by rename(2).
func (m *OSFilesystemManager) Rename(oldPath, newPath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOSYS) {
		return &os.LinkError{Op: "renameat2", Old: oldPath, New: newPath, Err: err}
	}

	if _, err := os.Lstat(newPath); err == nil {
		return &os.LinkError{Op: "rename", Old: oldPath, New: newPath, Err: unix.EEXIST}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", newPath, err)
	}
	return os.Rename(oldPath, newPath)
}
