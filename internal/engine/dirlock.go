package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sha1n/osem/internal/errs"
)

// LockFilename is the lock file created inside an index directory.
const LockFilename = "osem.lock"

// DirLock guards an index directory against a second writer using flock(2).
// The lock is released by the kernel when the process exits.
type DirLock struct {
	path string
	file *os.File
}

// NewDirLock creates a lock for the index directory dir.
func NewDirLock(dir string) *DirLock {
	return &DirLock{path: filepath.Join(dir, LockFilename)}
}

// TryLock attempts to acquire the lock without blocking.
// Returns false when another process holds it.
func (l *DirLock) TryLock() (bool, error) {
	if err := l.open(); err != nil {
		return false, err
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return true, nil
	}
	l.release()
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return false, nil
	}
	return false, fmt.Errorf("flock failed: %w", err)
}

// Lock acquires the lock, polling until it is available, timeout expires or
// ctx is canceled. An expired timeout yields errs.ErrIndexLocked.
func (l *DirLock) Lock(ctx context.Context, timeout time.Duration) error {
	if err := l.open(); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	pollInterval := 10 * time.Millisecond
	maxPollInterval := 500 * time.Millisecond

	for {
		err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			l.release()
			return fmt.Errorf("flock failed: %w", err)
		}
		if !time.Now().Before(deadline) {
			l.release()
			return fmt.Errorf("%w: %s (waited %s)", errs.ErrIndexLocked, filepath.Dir(l.path), timeout)
		}

		select {
		case <-ctx.Done():
			l.release()
			return ctx.Err()
		case <-time.After(min(pollInterval, time.Until(deadline))):
			pollInterval = min(pollInterval*2, maxPollInterval)
		}
	}
}

// Unlock releases the lock. Unlocking an unlocked DirLock is a no-op.
func (l *DirLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return fmt.Errorf("flock unlock failed: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close failed: %w", closeErr)
	}
	return nil
}

// IsLocked returns true if the lock is held by this instance.
func (l *DirLock) IsLocked() bool {
	return l.file != nil
}

// Path returns the path of the lock file.
func (l *DirLock) Path() string {
	return l.path
}

func (l *DirLock) open() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	l.file = file
	return nil
}

func (l *DirLock) release() {
	_ = l.file.Close()
	l.file = nil
}
