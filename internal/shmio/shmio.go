// Package shmio provides the typed shared-memory handles the rest of
// the engine builds on: a main-region handle and an extension-region
// (arena) handle, each backed by a named file mapped with mmap, plus
// an advisory whole-file lock used as a cross-process creation gate.
//
// The regions grow over their lifetime, so alongside the usual
// open/mmap/close lifecycle the handle supports remapping in place:
// truncate the backing file and replace the mapping, invalidating
// every pointer derived from the old one.
package shmio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrOutOfBounds is returned when an offset/length falls outside the
// current mapping.
var ErrOutOfBounds = errors.New("shmio: offset out of bounds")

// Region wraps one memory-mapped shared file.
type Region struct {
	path    string
	file    *os.File
	data    []byte
	size    uint32
	minSize uint32
}

// Options configures Open.
type Options struct {
	Path string
	// MinSize is the size to truncate a freshly created file to.
	// Ignored when the file already exists.
	MinSize uint32
	Perm    os.FileMode
}

// Open opens or creates the backing file at opts.Path and maps it.
// created reports whether this call created the file (size 0 before
// open), so the caller can perform one-time header initialization.
func Open(opts Options) (r *Region, created bool, err error) {
	if opts.Path == "" {
		return nil, false, errors.New("shmio: path required")
	}
	perm := opts.Perm
	if perm == 0 {
		perm = 0o600
	}

	file, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, false, fmt.Errorf("shmio: open %s: %w", opts.Path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("shmio: stat %s: %w", opts.Path, err)
	}

	created = info.Size() == 0
	size := uint32(info.Size())
	if created {
		size = opts.MinSize
		if size == 0 {
			file.Close()
			return nil, false, errors.New("shmio: MinSize required when creating")
		}
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, false, fmt.Errorf("shmio: truncate %s: %w", opts.Path, err)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("shmio: mmap %s: %w", opts.Path, err)
	}

	return &Region{
		path:    opts.Path,
		file:    file,
		data:    data,
		size:    size,
		minSize: opts.MinSize,
	}, created, nil
}

// Size returns the current mapping size.
func (r *Region) Size() uint32 { return r.size }

// Bytes returns the mapped buffer. Callers must not retain it across a
// Remap call; the backing array is replaced wholesale.
func (r *Region) Bytes() []byte { return r.data }

// Remap truncates the backing file to newSize (a no-op if it is not
// larger than the current size) and replaces the mapping. Every slice
// or pointer derived from the previous Bytes() call is invalid after
// this returns; callers must re-derive offsets from the new base.
func (r *Region) Remap(newSize uint32) error {
	if newSize <= r.size {
		return nil
	}
	if err := r.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("shmio: truncate %s to %d: %w", r.path, newSize, err)
	}
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("shmio: munmap %s: %w", r.path, err)
		}
		r.data = nil
	}
	data, err := unix.Mmap(int(r.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shmio: remap %s: %w", r.path, err)
	}
	r.data = data
	r.size = newSize
	return nil
}

// ForceRemap truncates the backing file to exactly newSize, growing or
// shrinking it, and replaces the mapping. Used by a full rebuild (the
// defragmentation pass), which is the one caller allowed to shrink the
// file; every other path only ever grows it via Remap.
func (r *Region) ForceRemap(newSize uint32) error {
	if err := r.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("shmio: truncate %s to %d: %w", r.path, newSize, err)
	}
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("shmio: munmap %s: %w", r.path, err)
		}
		r.data = nil
	}
	if newSize == 0 {
		r.size = 0
		return nil
	}
	data, err := unix.Mmap(int(r.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shmio: remap %s: %w", r.path, err)
	}
	r.data = data
	r.size = newSize
	return nil
}

// Clear releases the mapping and closes the descriptor.
func (r *Region) Clear() error {
	var err error
	if r.data != nil {
		if uerr := unix.Munmap(r.data); uerr != nil {
			err = uerr
		}
		r.data = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

// CheckBounds reports whether [offset, offset+length) lies within the
// current mapping.
func (r *Region) CheckBounds(offset, length uint32) error {
	if offset > r.size || length > r.size-offset {
		return ErrOutOfBounds
	}
	return nil
}
