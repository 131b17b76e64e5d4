// Package reglock implements the two-level cross-region lock: a remap
// guard (readers exclude remapping; the write side is held only while
// a mapping is replaced) layered under the main registry lock
// (recursive read / exclusive write over a reader-count/writer-PID
// word pair, with PID-liveness reclaim on timeout).
package reglock

import (
	"context"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
	"golang.org/x/sys/unix"
)

// Mode selects the acquisition semantics for Lock.
type Mode int

const (
	// ModeRead takes the shared side of the main lock; recursive
	// acquisition by the same connection bumps its read depth.
	ModeRead Mode = iota
	// ModeWrite records the holder as the connection's held-lock
	// descriptor on success.
	ModeWrite
	// ModeWriteNoState behaves exactly like ModeWrite for acquisition
	// purposes (the two are mutually exclusive, not composable) but
	// skips the held-lock bookkeeping afterwards; it
	// exists for the very first acquisition, before the acquiring
	// connection's own state record has been created.
	ModeWriteNoState
)

// Options configures Lock.
type Options struct {
	// Timeout bounds how long Lock waits for the lock before
	// attempting a PID-liveness reclaim of the current holder.
	Timeout time.Duration
	// SelfPID is recorded as the holder in the writer-PID word so a
	// timed-out waiter can probe whether the holder is still alive.
	// Zero means the current process.
	SelfPID uint32
}

const defaultTimeout = 5 * time.Second

// RemapGuard is a reader-counted guard with an exclusive CAS write
// side. Arena readers hold the read side; the write side is taken only
// for defragmentation's full arena rebuild, so no reader dereferences a
// pointer into a mapping that is being replaced mid-read.
type RemapGuard struct {
	main *shmio.Region
}

// NewRemapGuard wraps an already-mapped main region.
func NewRemapGuard(main *shmio.Region) *RemapGuard { return &RemapGuard{main: main} }

func (g *RemapGuard) readersPtr() *uint32 {
	return (*uint32)(wordAt(g.main.Bytes(), layout.HeaderRemapGuardReaders))
}

func (g *RemapGuard) writerPtr() *uint32 {
	return (*uint32)(wordAt(g.main.Bytes(), layout.HeaderRemapGuardWriter))
}

// AcquireRead increments the remap-guard reader count, blocking while
// a remap is in flight.
func (g *RemapGuard) AcquireRead(ctx context.Context) error {
	writer := g.writerPtr()
	readers := g.readersPtr()
	for {
		if atomic.LoadUint32(writer) == 0 {
			atomic.AddUint32(readers, 1)
			if atomic.LoadUint32(writer) == 0 {
				return nil
			}
			atomic.AddUint32(readers, ^uint32(0))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// ReleaseRead decrements the remap-guard reader count.
func (g *RemapGuard) ReleaseRead() { atomic.AddUint32(g.readersPtr(), ^uint32(0)) }

// AcquireWrite CASes the remap-guard writer flag from 0 to 1 and waits
// for in-flight readers to drain before returning.
func (g *RemapGuard) AcquireWrite(ctx context.Context) error {
	writer := g.writerPtr()
	for !atomic.CompareAndSwapUint32(writer, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	for atomic.LoadUint32(g.readersPtr()) != 0 {
		if err := ctx.Err(); err != nil {
			atomic.StoreUint32(writer, 0)
			return err
		}
	}
	return nil
}

// ReleaseWrite clears the remap-guard writer flag.
func (g *RemapGuard) ReleaseWrite() { atomic.StoreUint32(g.writerPtr(), 0) }

// RegistryLock is the main recursive-read/exclusive-write lock over
// the module registry and connection table.
type RegistryLock struct {
	main *shmio.Region
}

// NewRegistryLock wraps an already-mapped main region.
func NewRegistryLock(main *shmio.Region) *RegistryLock { return &RegistryLock{main: main} }

func (l *RegistryLock) readersPtr() *uint32 {
	return (*uint32)(wordAt(l.main.Bytes(), layout.HeaderMainLockReaders))
}

func (l *RegistryLock) writerPID() *uint32 {
	return (*uint32)(wordAt(l.main.Bytes(), layout.HeaderMainLockWriterPID))
}

// AcquireRead increments the reader count, recursion-safe: any number
// of concurrent readers is allowed as long as no writer holds the
// lock.
func (l *RegistryLock) AcquireRead(ctx context.Context, opts Options) error {
	deadline := deadlineFor(opts)
	for {
		if atomic.LoadUint32(l.writerPID()) == 0 {
			atomic.AddUint32(l.readersPtr(), 1)
			if atomic.LoadUint32(l.writerPID()) == 0 {
				return nil
			}
			atomic.AddUint32(l.readersPtr(), ^uint32(0))
		}
		if err := l.checkTimeoutOrReclaim(ctx, deadline); err != nil {
			return err
		}
	}
}

// ReleaseRead decrements the reader count.
func (l *RegistryLock) ReleaseRead() { atomic.AddUint32(l.readersPtr(), ^uint32(0)) }

// Readers reports the current shared-reader count. The sum of every
// connection's recorded read depth must equal this value.
func (l *RegistryLock) Readers() uint32 { return atomic.LoadUint32(l.readersPtr()) }

// ReleaseReadN decrements the reader count by n in one step, the bulk
// form internal/recovery uses to reclaim a dead connection's recursive
// read depth in a single operation.
func (l *RegistryLock) ReleaseReadN(n uint32) {
	if n == 0 {
		return
	}
	atomic.AddUint32(l.readersPtr(), ^uint32(n-1))
}

// AcquireWrite takes the exclusive write lock, recording selfPID as
// the holder, and waits for readers to drain after winning the CAS.
// The write lock is not recursive: a second acquisition while the
// lock is held waits like any other contender, even from the holder's
// own PID, and times out against a live holder. Goroutines inside one
// process share a PID, so a same-PID shortcut would let two of them
// both "win" the lock.
func (l *RegistryLock) AcquireWrite(ctx context.Context, mode Mode, opts Options) error {
	deadline := deadlineFor(opts)
	self := opts.SelfPID
	if self == 0 {
		self = uint32(os.Getpid())
	}
	for {
		if atomic.CompareAndSwapUint32(l.writerPID(), 0, self) {
			for atomic.LoadUint32(l.readersPtr()) != 0 {
				if err := l.checkTimeoutOrReclaim(ctx, deadline); err != nil {
					atomic.StoreUint32(l.writerPID(), 0)
					return err
				}
			}
			return nil
		}
		if err := l.checkTimeoutOrReclaim(ctx, deadline); err != nil {
			return err
		}
	}
}

// ReleaseWrite clears the writer PID.
func (l *RegistryLock) ReleaseWrite() {
	atomic.StoreUint32(l.writerPID(), 0)
}

// CurrentWriterPID reports the PID currently holding the write lock,
// or 0 if free. internal/recovery uses this to check whether a dead
// connection's PID is still recorded as the writer before it
// force-releases the lock.
func (l *RegistryLock) CurrentWriterPID() uint32 { return atomic.LoadUint32(l.writerPID()) }

// ForceRelease clears the write lock unconditionally. internal/recovery
// and the timeout path of AcquireRead/AcquireWrite call this, each
// after confirming via PID-liveness probing that the recorded holder
// is dead.
func (l *RegistryLock) ForceRelease() {
	atomic.StoreUint32(l.writerPID(), 0)
}

func (l *RegistryLock) checkTimeoutOrReclaim(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if time.Now().Before(deadline) {
		return nil
	}
	holder := l.CurrentWriterPID()
	if holder == 0 {
		return nil
	}
	if IsAlive(holder) {
		return shmerr.New("reglock.Acquire", shmerr.Timeout, nil)
	}
	l.ForceRelease()
	return nil
}

// IsAlive probes whether pid still exists, the standard Unix idiom of
// signaling 0 to check for ESRCH without actually delivering a signal.
func IsAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

func deadlineFor(opts Options) time.Time {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return time.Now().Add(timeout)
}

// wordAt returns a pointer to the uint32 at byte offset off within
// buf, for atomic access to header words inside the mapping.
func wordAt(buf []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[off]))
}
