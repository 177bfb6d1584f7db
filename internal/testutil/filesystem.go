package testutil

import (
	"sync"

	"qmove/internal/fs"
	"qmove/internal/qmove"
)

// FaultyFilesystemManager wraps the real filesystem manager and lets tests
// inject failures into the mutating operations. A hook that returns a
// non-nil error replaces the real call.
type FaultyFilesystemManager struct {
	*fs.OSFilesystemManager

	mu            sync.Mutex
	failRename    func(oldPath, newPath string) error
	failRemoveAll func(path string) error
	failSyncDir   func(path string) error
}

// NewFaultyFilesystemManager creates a manager with no faults.
func NewFaultyFilesystemManager() *FaultyFilesystemManager {
	return &FaultyFilesystemManager{OSFilesystemManager: fs.NewOSFilesystemManager()}
}

// FailRename installs a fault hook for Rename.
func (m *FaultyFilesystemManager) FailRename(hook func(oldPath, newPath string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRename = hook
}

// FailRemoveAll installs a fault hook for RemoveAll.
func (m *FaultyFilesystemManager) FailRemoveAll(hook func(path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRemoveAll = hook
}

// FailSyncDir installs a fault hook for SyncDir.
func (m *FaultyFilesystemManager) FailSyncDir(hook func(path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSyncDir = hook
}

// Heal removes every installed fault.
func (m *FaultyFilesystemManager) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRename = nil
	m.failRemoveAll = nil
	m.failSyncDir = nil
}

func (m *FaultyFilesystemManager) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	hook := m.failRename
	m.mu.Unlock()
	if hook != nil {
		if err := hook(oldPath, newPath); err != nil {
			return err
		}
	}
	return m.OSFilesystemManager.Rename(oldPath, newPath)
}

func (m *FaultyFilesystemManager) RemoveAll(path string) error {
	m.mu.Lock()
	hook := m.failRemoveAll
	m.mu.Unlock()
	if hook != nil {
		if err := hook(path); err != nil {
			return err
		}
	}
	return m.OSFilesystemManager.RemoveAll(path)
}

func (m *FaultyFilesystemManager) SyncDir(path string) error {
	m.mu.Lock()
	hook := m.failSyncDir
	m.mu.Unlock()
	if hook != nil {
		if err := hook(path); err != nil {
			return err
		}
	}
	return m.OSFilesystemManager.SyncDir(path)
}

// Compile-time check
var _ qmove.FilesystemManager = (*FaultyFilesystemManager)(nil)
