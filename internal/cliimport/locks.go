package cliimport

import (
	"errors"
	"sync"
)

// ErrImportInProgress is returned when a second import pass is attempted on
// a file path that already has an active importer.
var ErrImportInProgress = errors.New("cliimport: import already in progress for path")

// PathLocks is an advisory per-path lock registry: at most one active
// importer per file path, so two concurrent passes cannot race on the same
// watermark. It is plain injectable state, not a package global, so every
// test can own its own instance.
type PathLocks struct {
	mu     sync.Mutex
	active map[string]bool
}

func NewPathLocks() *PathLocks {
	return &PathLocks{active: make(map[string]bool)}
}

// TryLock claims the path, returning false if another importer holds it.
func (l *PathLocks) TryLock(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[path] {
		return false
	}
	l.active[path] = true
	return true
}

func (l *PathLocks) Unlock(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, path)
}
