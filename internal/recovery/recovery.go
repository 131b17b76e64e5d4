// Package recovery implements the crash/liveness sweep: walk the
// connection table, find connections whose owning process is no
// longer alive, and cascade-remove everything that connection held.
// Read-lock depth goes back to the main lock's reader counter, then
// change/operational/notification subscriptions across every module
// and any RPC subscriptions are dropped, then the connection record
// itself. One dead connection's cleanup failure must not stop the
// sweep from reclaiming the others, so sub-errors accumulate into a
// single compound report.
package recovery

import (
	"github.com/dineshreddyk/sysrepo-go/internal/conntab"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/reglock"
	"github.com/dineshreddyk/sysrepo-go/internal/registry"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
)

// OperDataStore is the storage-collaborator hook that removes the
// operational data a dead connection had pushed; the datastore format
// itself is outside this package.
type OperDataStore interface {
	RemoveConnData(connHandle uint64, pid uint32) error
}

// Sweeper bundles the collaborators a liveness sweep needs.
type Sweeper struct {
	Conns    *conntab.Table
	Subs     *conntab.Subs
	Registry *registry.Registry
	Lock     *reglock.RegistryLock
	// OperData, when non-nil, is invoked for each reclaimed connection
	// before its record is removed.
	OperData OperDataStore
}

// New builds a Sweeper from its collaborators.
func New(conns *conntab.Table, subs *conntab.Subs, reg *registry.Registry, lock *reglock.RegistryLock) *Sweeper {
	return &Sweeper{Conns: conns, Subs: subs, Registry: reg, Lock: lock}
}

// Report is the outcome of one sweep: how many connections were
// reclaimed and the accumulated per-step errors, if any.
type Report struct {
	Reclaimed int
	Err       error
}

// Sweep walks every live connection, reclaiming any whose PID is no
// longer alive. Callers must hold the main registry write lock before
// calling Sweep, the same way any other structural mutation does.
func (s *Sweeper) Sweep() Report {
	var col shmerr.Collector
	conns, err := s.Conns.List()
	if err != nil {
		col.Add(err)
		return Report{Err: col.Err()}
	}

	reclaimed := 0
	for _, c := range conns {
		if reglock.IsAlive(c.PID) {
			continue
		}
		// Sub-step failures are accumulated, not fatal: the record is
		// still removed and the sweep moves on to the next connection.
		if err := s.reclaim(c); err != nil {
			col.Add(err)
		}
		reclaimed++
	}
	return Report{Reclaimed: reclaimed, Err: col.Err()}
}

func (s *Sweeper) reclaim(c conntab.Conn) error {
	var col shmerr.Collector

	switch c.LockKind {
	case layout.LockRead:
		if c.ReadDepth > 0 {
			s.Lock.ReleaseReadN(c.ReadDepth)
		}
	case layout.LockWrite:
		// A write lock recorded for a dead PID means the release path
		// never ran; the registry may hold a half-applied mutation.
		// Reclaim the lock so the repository stays usable, but report
		// the violation.
		col.Add(shmerr.Internalf("recovery.reclaim", "dead pid %d still holds the write lock", c.PID))
		if s.Lock.CurrentWriterPID() == c.PID {
			s.Lock.ForceRelease()
		}
	}

	count := s.Registry.ModuleCount()
	for modIdx := uint32(0); modIdx < count; modIdx++ {
		for _, evPipeID := range c.EvPipes {
			col.Add(s.Subs.RemoveChangeSubsByEvPipe(modIdx, evPipeID))
			col.Add(s.Subs.RemoveOperSubsByEvPipe(modIdx, evPipeID))
			col.Add(s.Subs.RemoveNotifSubsByEvPipe(modIdx, evPipeID))
		}
	}

	rpcs, err := s.Registry.ListRPCs()
	if err != nil {
		col.Add(err)
	} else {
		for _, rpc := range rpcs {
			for _, evPipeID := range c.EvPipes {
				col.Add(s.Registry.RemoveRPC(rpc.OpPath, evPipeID))
			}
		}
	}

	if s.OperData != nil {
		col.Add(s.OperData.RemoveConnData(c.Handle, c.PID))
	}

	col.Add(s.Conns.Remove(c.Handle, c.PID))
	return col.Err()
}
