//go:build !windows

package quiverdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Locker is an OS advisory lock on the DB's LOCK file: exclusive for
// the single writer, shared for any number of concurrent readers
// (spec §5: "A writer process holds an OS advisory exclusive lock on a
// LOCK file at the DB root; readers hold a shared lock").
type Locker interface {
	Lock() error
	Unlock() error
}

type fileLocker struct {
	file      *os.File
	exclusive bool
}

// newFileLocker opens (creating if needed) the LOCK file inside dir
// and returns a Locker that will take it exclusive or shared.
func newFileLocker(dir string, exclusive bool) (Locker, error) {
	lockPath := filepath.Join(dir, "LOCK")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("quiverdb: open lock file %s: %w", lockPath, err)
	}
	return &fileLocker{file: file, exclusive: exclusive}, nil
}

// Lock acquires the lock without blocking, returning ErrLockContention
// if another process already holds an incompatible lock.
func (l *fileLocker) Lock() error {
	how := syscall.LOCK_SH
	if l.exclusive {
		how = syscall.LOCK_EX
	}
	err := syscall.Flock(int(l.file.Fd()), how|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return ErrLockContention
	}
	if err != nil {
		return fmt.Errorf("quiverdb: flock: %w", err)
	}
	return nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *fileLocker) Unlock() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("quiverdb: flock unlock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("quiverdb: close lock file: %w", err)
	}
	return nil
}
