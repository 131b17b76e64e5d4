package reglock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dineshreddyk/sysrepo-go/internal/conntab"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

// Request selects which locks one Lock call acquires.
type Request struct {
	Mode Mode
	// Remap takes the remap guard's write side instead of its read
	// side. Only defragmentation sets this.
	Remap bool
	// Schema additionally takes the schema-models mutex.
	Schema bool
}

// Locker implements the public locking sequences over the two-level
// lock: remap guard first, then the main registry lock in the
// requested mode, then optionally the schema-models mutex, unwinding
// already-acquired locks in reverse order on any failure. On success
// the caller's per-connection held-lock descriptor is updated, except
// under ModeWriteNoState.
type Locker struct {
	Guard *RemapGuard
	Main  *RegistryLock
	Conns *conntab.Table

	// SelfPID identifies this process in the writer-PID word and the
	// connection table.
	SelfPID uint32
	// Timeout bounds every main-lock acquisition.
	Timeout time.Duration

	main *shmio.Region
}

// NewLocker wraps the main region's lock words and the connection
// table holding the per-connection descriptors.
func NewLocker(main *shmio.Region, conns *conntab.Table, selfPID uint32, timeout time.Duration) *Locker {
	return &Locker{
		Guard:   NewRemapGuard(main),
		Main:    NewRegistryLock(main),
		Conns:   conns,
		SelfPID: selfPID,
		Timeout: timeout,
		main:    main,
	}
}

func (l *Locker) schemaPtr() *uint32 {
	return (*uint32)(wordAt(l.main.Bytes(), layout.HeaderSchemaMutex))
}

func (l *Locker) acquireSchema(ctx context.Context) error {
	deadline := time.Now().Add(l.timeout())
	word := l.schemaPtr()
	for !atomic.CompareAndSwapUint32(word, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return shmerr.New("reglock.Locker", shmerr.Timeout, nil)
		}
	}
	return nil
}

func (l *Locker) releaseSchema() { atomic.StoreUint32(l.schemaPtr(), 0) }

func (l *Locker) timeout() time.Duration {
	if l.Timeout <= 0 {
		return defaultTimeout
	}
	return l.Timeout
}

// Lock acquires the locks req selects on behalf of connHandle. Read
// locks are recursive: a connection already holding a read lock has
// its depth bumped. A connection already holding the write lock may
// not lock again in any mode.
func (l *Locker) Lock(ctx context.Context, connHandle uint64, req Request) error {
	if req.Remap {
		if err := l.Guard.AcquireWrite(ctx); err != nil {
			return err
		}
	} else {
		if err := l.Guard.AcquireRead(ctx); err != nil {
			return err
		}
	}

	opts := Options{Timeout: l.timeout(), SelfPID: l.SelfPID}
	var err error
	switch req.Mode {
	case ModeRead:
		err = l.lockRead(ctx, connHandle, opts)
	case ModeWrite:
		err = l.lockWrite(ctx, connHandle, opts)
	case ModeWriteNoState:
		err = l.Main.AcquireWrite(ctx, ModeWriteNoState, opts)
	}
	if err != nil {
		l.releaseGuard(req.Remap)
		return err
	}

	if req.Schema {
		if err := l.acquireSchema(ctx); err != nil {
			_ = l.unlockMain(connHandle, req.Mode)
			l.releaseGuard(req.Remap)
			return err
		}
	}
	return nil
}

func (l *Locker) lockRead(ctx context.Context, connHandle uint64, opts Options) error {
	idx, ok, err := l.Conns.Find(connHandle, l.SelfPID)
	if err != nil {
		return err
	}
	if !ok {
		return shmerr.NotFoundf("reglock.Locker.Lock", "connection %d not registered", connHandle)
	}
	conns, err := l.Conns.List()
	if err != nil {
		return err
	}
	held := conns[idx]
	if held.LockKind == layout.LockWrite {
		return shmerr.Internalf("reglock.Locker.Lock", "connection %d already holds the write lock", connHandle)
	}

	if err := l.Main.AcquireRead(ctx, opts); err != nil {
		return err
	}
	if err := l.Conns.SetLock(connHandle, l.SelfPID, layout.LockRead, held.ReadDepth+1); err != nil {
		l.Main.ReleaseRead()
		return err
	}
	return nil
}

func (l *Locker) lockWrite(ctx context.Context, connHandle uint64, opts Options) error {
	idx, ok, err := l.Conns.Find(connHandle, l.SelfPID)
	if err != nil {
		return err
	}
	if !ok {
		return shmerr.NotFoundf("reglock.Locker.Lock", "connection %d not registered", connHandle)
	}
	conns, err := l.Conns.List()
	if err != nil {
		return err
	}
	if conns[idx].LockKind != layout.LockNone {
		return shmerr.Internalf("reglock.Locker.Lock", "connection %d already holds a lock", connHandle)
	}

	if err := l.Main.AcquireWrite(ctx, ModeWrite, opts); err != nil {
		return err
	}
	if err := l.Conns.SetLock(connHandle, l.SelfPID, layout.LockWrite, 0); err != nil {
		l.Main.ReleaseWrite()
		return err
	}
	return nil
}

// Unlock releases the locks req selects, in the reverse of Lock's
// acquisition order. Read unlocks decrement the recursion depth and
// clear the held-lock descriptor at zero.
func (l *Locker) Unlock(connHandle uint64, req Request) error {
	if req.Schema {
		l.releaseSchema()
	}
	err := l.unlockMain(connHandle, req.Mode)
	l.releaseGuard(req.Remap)
	return err
}

func (l *Locker) unlockMain(connHandle uint64, mode Mode) error {
	switch mode {
	case ModeRead:
		idx, ok, err := l.Conns.Find(connHandle, l.SelfPID)
		if err != nil {
			return err
		}
		if !ok {
			return shmerr.NotFoundf("reglock.Locker.Unlock", "connection %d not registered", connHandle)
		}
		conns, err := l.Conns.List()
		if err != nil {
			return err
		}
		held := conns[idx]
		if held.LockKind != layout.LockRead || held.ReadDepth == 0 {
			return shmerr.Internalf("reglock.Locker.Unlock", "connection %d does not hold a read lock", connHandle)
		}
		kind, depth := layout.LockRead, held.ReadDepth-1
		if depth == 0 {
			kind = layout.LockNone
		}
		if err := l.Conns.SetLock(connHandle, l.SelfPID, kind, depth); err != nil {
			return err
		}
		l.Main.ReleaseRead()
		return nil
	case ModeWrite:
		if err := l.Conns.SetLock(connHandle, l.SelfPID, layout.LockNone, 0); err != nil {
			return err
		}
		l.Main.ReleaseWrite()
		return nil
	case ModeWriteNoState:
		l.Main.ReleaseWrite()
		return nil
	}
	return nil
}

func (l *Locker) releaseGuard(remap bool) {
	if remap {
		l.Guard.ReleaseWrite()
	} else {
		l.Guard.ReleaseRead()
	}
}
