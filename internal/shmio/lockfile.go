package shmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateLock is the advisory whole-file lock used as a cross-process
// creation gate. It is distinct from the in-SHM read/write lock: this
// lock only serializes the brief window where a process discovers the
// main region is missing and must create + initialize it. The kernel
// releases it when the holder dies, so a crash mid-init cannot wedge
// later attaches.
type CreateLock struct {
	file *os.File
}

// OpenCreateLock opens (creating if necessary) the lock file at path.
func OpenCreateLock(path string) (*CreateLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmio: open lock file %s: %w", path, err)
	}
	return &CreateLock{file: file}, nil
}

// Lock takes an exclusive advisory lock, restarting on EINTR.
func (l *CreateLock) Lock() error {
	for {
		err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("shmio: flock: %w", err)
	}
}

// Unlock releases the advisory lock.
func (l *CreateLock) Unlock() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("shmio: funlock: %w", err)
	}
	return nil
}

// Close closes the underlying file descriptor.
func (l *CreateLock) Close() error {
	return l.file.Close()
}
