package fs

import (
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"qmove/internal/qmove"
)

// newRecord builds a FileRecord from lstat data. Allocation, ownership and
// access time come from the underlying *syscall.Stat_t.
func newRecord(rel, path string, info fs.FileInfo) (*qmove.FileRecord, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}

	record := &qmove.FileRecord{
		RelPath:    rel,
		Type:       qmove.FileTypeOf(info.Mode()),
		Mode:       info.Mode(),
		Size:       info.Size(),
		Blocks:     stat.Blocks,
		ModTime:    info.ModTime(),
		AccessTime: time.Unix(stat.Atim.Sec, stat.Atim.Nsec),
		UID:        int(stat.Uid),
		GID:        int(stat.Gid),
	}

	if record.Type == qmove.TypeSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("reading link %s: %w", path, err)
		}
		record.Target = target
	}

	return record, nil
}

// Identify returns the device and inode of path.
func (m *OSFilesystemManager) Identify(path string) (qmove.FileID, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return qmove.FileID{}, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return qmove.FileID{}, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}
	return qmove.FileID{Dev: uint64(stat.Dev), Ino: stat.Ino}, nil
}
