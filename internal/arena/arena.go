// Package arena implements the variable-length data region of the
// extension mapping: an append-only byte region addressed by
// base-relative offsets, with a single wasted-bytes tally at offset 0.
// There is no free list; freed entries only grow the tally, and
// internal/defrag is the only reclaimer.
package arena

import (
	"encoding/binary"
	"fmt"

	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

// wastedBytesFieldSize is the width of the tally word at offset 0.
const wastedBytesFieldSize = 8

// Absent is the arena-offset sentinel meaning "no value".
const Absent uint32 = 0

// Arena owns one extension-region mapping and its append cursor.
// Mutations must be serialized by the caller (the write side of the
// cross-region lock in internal/reglock); Arena itself performs no
// internal locking.
type Arena struct {
	region *shmio.Region
}

// New wraps an already-open extension region. On first creation the
// caller must have sized the region to at least wastedBytesFieldSize
// bytes, zeroed to represent zero wasted bytes.
func New(region *shmio.Region) *Arena {
	return &Arena{region: region}
}

// WastedBytes returns the current wasted-bytes tally.
func (a *Arena) WastedBytes() uint64 {
	return binary.LittleEndian.Uint64(a.region.Bytes()[:wastedBytesFieldSize])
}

// SetWastedBytes overwrites the wasted-bytes tally.
func (a *Arena) SetWastedBytes(v uint64) {
	binary.LittleEndian.PutUint64(a.region.Bytes()[:wastedBytesFieldSize], v)
}

// AddWasted increments the wasted-bytes tally by delta, the bookkeeping
// every swap-delete/rebuild path performs when it frees an entry.
func (a *Arena) AddWasted(delta uint64) {
	a.SetWastedBytes(a.WastedBytes() + delta)
}

// Size returns the current arena size (the extension region's mapped
// size, which always equals
// wasted_bytes + sum(live_entry_sizes) + wastedBytesFieldSize).
func (a *Arena) Size() uint32 { return a.region.Size() }

// Bytes exposes the raw mapped buffer. Invalid across any call that
// remaps (Append, PutString, PutBytes, Rebuild).
func (a *Arena) Bytes() []byte { return a.region.Bytes() }

// Append copies data to the current tail, growing the mapping first if
// needed, and returns the resulting arena-base-relative offset.
func (a *Arena) Append(data []byte) (uint32, error) {
	offset := a.region.Size()
	newSize := offset + uint32(len(data))
	if newSize < offset {
		return 0, shmerr.New("arena.Append", shmerr.NoMem, fmt.Errorf("size overflow"))
	}
	if err := a.region.Remap(newSize); err != nil {
		return 0, shmerr.New("arena.Append", shmerr.NoMem, err)
	}
	copy(a.region.Bytes()[offset:newSize], data)
	return offset, nil
}

// PutString copies s and a trailing NUL, returning the resulting offset.
func (a *Arena) PutString(s string) (uint32, error) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return a.Append(buf)
}

// PutBytes copies a raw byte blob, returning the resulting offset.
func (a *Arena) PutBytes(b []byte) (uint32, error) {
	return a.Append(b)
}

// StrlenAt returns the length of the NUL-terminated string at offset,
// including the terminator. Callers must ensure offset lies within the
// mapping; the scan is bounded by the current arena size.
func (a *Arena) StrlenAt(offset uint32) (uint32, error) {
	data := a.region.Bytes()
	if offset >= uint32(len(data)) {
		return 0, shmerr.New("arena.StrlenAt", shmerr.Internal, shmio.ErrOutOfBounds)
	}
	for i := offset; i < uint32(len(data)); i++ {
		if data[i] == 0 {
			return i - offset + 1, nil
		}
	}
	return 0, shmerr.New("arena.StrlenAt", shmerr.Internal, fmt.Errorf("unterminated string at offset %d", offset))
}

// ReadString reads a NUL-terminated string at offset.
func (a *Arena) ReadString(offset uint32) (string, error) {
	if offset == Absent {
		return "", nil
	}
	n, err := a.StrlenAt(offset)
	if err != nil {
		return "", err
	}
	return string(a.region.Bytes()[offset : offset+n-1]), nil
}

// ReadBytes reads length bytes at offset.
func (a *Arena) ReadBytes(offset, length uint32) ([]byte, error) {
	if err := a.region.CheckBounds(offset, length); err != nil {
		return nil, shmerr.New("arena.ReadBytes", shmerr.Internal, err)
	}
	out := make([]byte, length)
	copy(out, a.region.Bytes()[offset:offset+length])
	return out, nil
}

// Rebuild atomically swaps in a freshly compacted buffer of exactly
// len(newBuf) bytes, wasted bytes reset to 0. Used only by
// internal/defrag under the write side of the remap guard.
func (a *Arena) Rebuild(newBuf []byte) error {
	if err := a.region.ForceRemap(uint32(len(newBuf))); err != nil {
		return shmerr.New("arena.Rebuild", shmerr.NoMem, err)
	}
	copy(a.region.Bytes(), newBuf)
	a.SetWastedBytes(0)
	return nil
}
