package fs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"qmove/internal/qmove"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScan(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), "bravo")
	writeFile(t, filepath.Join(root, "a", "nested.txt"), "nested")
	if err := os.Symlink("b.txt", filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	m := NewOSFilesystemManager()
	records, err := m.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := []struct {
		rel string
		typ qmove.FileType
	}{
		{".", qmove.TypeDir},
		{"a", qmove.TypeDir},
		{"a/nested.txt", qmove.TypeFile},
		{"b.txt", qmove.TypeFile},
		{"link", qmove.TypeSymlink},
	}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for i, w := range want {
		if records[i].RelPath != w.rel || records[i].Type != w.typ {
			t.Errorf("record %d: got %s (%s), want %s (%s)", i, records[i].RelPath, records[i].Type, w.rel, w.typ)
		}
	}
	if records[3].Size != 5 {
		t.Errorf("b.txt size: got %d, want 5", records[3].Size)
	}
	if records[4].Target != "b.txt" {
		t.Errorf("link target: got %q, want b.txt", records[4].Target)
	}
}

func TestScan_SingleFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "single")
	writeFile(t, path, "x")

	records, err := NewOSFilesystemManager().Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 || records[0].RelPath != "." || records[0].Type != qmove.TypeFile {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestScan_Cancelled(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f"), "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOSFilesystemManager().Scan(ctx, root)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestScan_SparseFileAllocatesLess(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sparse")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(8 << 20); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	records, err := NewOSFilesystemManager().Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if records[0].Size != 8<<20 {
		t.Errorf("size: got %d", records[0].Size)
	}
	if records[0].Blocks*qmove.BlockSize >= records[0].Size {
		t.Skip("filesystem does not support sparse files")
	}
}

func TestFindByPrefix(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".qmove-staging.t1.x", ".qmove-staging.inner"), "x")
	writeFile(t, filepath.Join(root, "deep", "dir", ".qmove-staging.t2.y"), "y")
	writeFile(t, filepath.Join(root, "other"), "z")

	paths, err := NewOSFilesystemManager().FindByPrefix(context.Background(), root, qmove.ArtifactPrefix)
	if err != nil {
		t.Fatalf("FindByPrefix: %v", err)
	}
	want := []string{
		filepath.Join(root, ".qmove-staging.t1.x"),
		filepath.Join(root, "deep", "dir", ".qmove-staging.t2.y"),
	}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("path %d: got %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestRename(t *testing.T) {
	t.Parallel()
	m := NewOSFilesystemManager()

	t.Run("moves into free name", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "src", "f"), "data")
		if err := m.Rename(filepath.Join(dir, "src"), filepath.Join(dir, "dst")); err != nil {
			t.Fatalf("Rename: %v", err)
		}
		got, err := os.ReadFile(filepath.Join(dir, "dst", "f"))
		if err != nil || string(got) != "data" {
			t.Fatalf("expected moved content, got %q (%v)", got, err)
		}
	})

	t.Run("never replaces existing entry", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "src"), "new")
		writeFile(t, filepath.Join(dir, "dst"), "old")
		err := m.Rename(filepath.Join(dir, "src"), filepath.Join(dir, "dst"))
		if !errors.Is(err, fs.ErrExist) {
			t.Fatalf("expected fs.ErrExist, got %v", err)
		}
		got, _ := os.ReadFile(filepath.Join(dir, "dst"))
		if string(got) != "old" {
			t.Errorf("destination was replaced: %q", got)
		}
	})
}

func TestRemoveAll_ReadOnlyDirectories(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "tree")
	writeFile(t, filepath.Join(root, "locked", "f"), "x")
	if err := os.Chmod(filepath.Join(root, "locked"), 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	m := NewOSFilesystemManager()
	if err := m.RemoveAll(root); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if _, err := os.Lstat(root); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected tree removed, got %v", err)
	}
	if err := m.RemoveAll(root); err != nil {
		t.Fatalf("RemoveAll on missing path: %v", err)
	}
}

func TestSyncDir(t *testing.T) {
	t.Parallel()
	m := NewOSFilesystemManager()
	if err := m.SyncDir(t.TempDir()); err != nil {
		t.Fatalf("SyncDir: %v", err)
	}
	if err := m.SyncDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
