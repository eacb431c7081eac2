package run

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/orevatech/opsportal/errors"
)

// ProcessLock enforces the single-slot run invariant across processes.
// Two layers back it: the run_lock database row (visible to the portal
// and the CLI) and an advisory lock on the global lock file (guards
// against a second orchestrator process on the same host).
type ProcessLock struct {
	path  string
	store *Store

	mu   sync.Mutex
	file *os.File
}

// NewProcessLock creates a lock over the given lock file path.
func NewProcessLock(path string, store *Store) *ProcessLock {
	return &ProcessLock{path: path, store: store}
}

// Acquire claims both lock layers, file first. Returns ErrLockBusy if
// either layer is held.
func (l *ProcessLock) Acquire(ctx context.Context, holder, ownerJobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return errors.Wrap(errors.ErrLockBusy, "lock already held by this process")
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create lock directory")
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open lock file")
	}

	if err := lockFile(file.Fd()); err != nil {
		file.Close()
		return errors.Wrap(errors.ErrLockBusy, "lock file held by another process")
	}

	if err := l.store.acquireLockRow(ctx, holder, ownerJobID); err != nil {
		unlockFile(file.Fd())
		file.Close()
		return err
	}

	l.file = file
	return nil
}

// Release frees both layers. With force, the database row is cleared
// even if this process never held it.
func (l *ProcessLock) Release(ctx context.Context, holder string, force bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if err := l.store.releaseLockRow(ctx, holder, force); err != nil {
		firstErr = err
	}
	if l.file != nil {
		if err := unlockFile(l.file.Fd()); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "failed to unlock lock file")
		}
		l.file.Close()
		l.file = nil
	}
	return firstErr
}

// Held reports whether this process currently holds the file layer.
func (l *ProcessLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}
