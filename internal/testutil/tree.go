package testutil

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// WriteTree creates files under root. Keys are relative paths; a key ending
// in "/" creates a directory and a value starting with "->" creates a
// symlink to the rest of the value. Everything else is file content.
func WriteTree(t *testing.T, root string, entries map[string]string) {
	t.Helper()

	for rel, content := range entries {
		path := filepath.Join(root, rel)
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(path, 0o755); err != nil {
				t.Fatalf("failed to create directory %s: %v", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", path, err)
		}
		if target, ok := strings.CutPrefix(content, "->"); ok {
			if err := os.Symlink(target, path); err != nil {
				t.Fatalf("failed to create symlink %s: %v", path, err)
			}
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
}

// WriteSparseFile creates a file of the given size that has data only at the
// given offsets. Everything else is a hole.
func WriteSparseFile(t *testing.T, path string, size int64, data map[int64][]byte) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		t.Fatalf("failed to size %s: %v", path, err)
	}
	for off, b := range data {
		if _, err := f.WriteAt(b, off); err != nil {
			t.Fatalf("failed to write %s at %d: %v", path, off, err)
		}
	}
}

// RandomBytes returns n bytes of random data.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to generate random data: %v", err)
	}
	return b
}

// ReadFile returns the content of path as a string.
func ReadFile(t *testing.T, path string) string {
	t.Helper()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(b)
}

// Backdate sets the access and modification times of path to d in the past
// relative to now.
func Backdate(t *testing.T, path string, now time.Time, d time.Duration) {
	t.Helper()

	ts := now.Add(-d)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("failed to set times on %s: %v", path, err)
	}
}

// AssertNotExist fails the test if path exists.
func AssertNotExist(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Lstat(path); err == nil {
		t.Errorf("expected %s to not exist", path)
	} else if !os.IsNotExist(err) {
		t.Errorf("stat %s: %v", path, err)
	}
}

// AssertExist fails the test if path does not exist.
func AssertExist(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Lstat(path); err != nil {
		t.Errorf("expected %s to exist: %v", path, err)
	}
}
