// Package defrag implements the compaction pass: rebuild the entire
// extension arena from scratch in canonical order (module names, then
// each module's variable tables, then the connection table, then the
// RPC table), discarding every byte the live data doesn't reference,
// and swap it in as one atomic rebuild with the wasted-bytes tally
// reset to zero.
package defrag

import (
	"encoding/binary"
	"fmt"

	"github.com/dineshreddyk/sysrepo-go/internal/conntab"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/registry"
)

// builder accumulates the fresh arena buffer. Offset 0 is reserved
// for the wasted-bytes tally.
type builder struct {
	buf []byte
}

func newBuilder() *builder {
	return &builder{buf: make([]byte, 8)}
}

func (b *builder) putBytes(data []byte) uint32 {
	off := uint32(len(b.buf))
	b.buf = append(b.buf, data...)
	return off
}

func (b *builder) putString(s string) uint32 {
	return b.putBytes(append([]byte(s), 0))
}

func (b *builder) putStringList(items []string) (offset, count uint32) {
	if len(items) == 0 {
		return 0, 0
	}
	table := make([]byte, len(items)*4)
	for i, s := range items {
		binary.LittleEndian.PutUint32(table[i*4:], b.putString(s))
	}
	return b.putBytes(table), uint32(len(items))
}

// putDataDeps repoints each referenced-module field at the module's
// freshly written name (nameOffs, from the name pass); a reference to
// an unregistered module keeps its own copy of the name string.
func (b *builder) putDataDeps(deps []registry.DataDep, nameOffs map[string]uint32) (offset, count uint32) {
	if len(deps) == 0 {
		return 0, 0
	}
	table := make([]byte, len(deps)*layout.DataDepRecordSize)
	for i, d := range deps {
		modOff, registered := nameOffs[d.Module]
		if !registered {
			modOff = b.putString(d.Module)
		}
		xpathOff := b.putString(d.Xpath)
		rec := table[i*layout.DataDepRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], d.Type)
		binary.LittleEndian.PutUint32(rec[4:], modOff)
		binary.LittleEndian.PutUint32(rec[8:], xpathOff)
	}
	return b.putBytes(table), uint32(len(deps))
}

func (b *builder) putOpDeps(deps []registry.OpDep) (offset, count uint32) {
	if len(deps) == 0 {
		return 0, 0
	}
	table := make([]byte, len(deps)*layout.OpDepRecordSize)
	for i, d := range deps {
		xpathOff := b.putString(d.Xpath)
		inOff, inCount := b.putStringList(d.In)
		outOff, outCount := b.putStringList(d.Out)
		rec := table[i*layout.OpDepRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], xpathOff)
		binary.LittleEndian.PutUint32(rec[4:], inOff)
		binary.LittleEndian.PutUint32(rec[8:], inCount)
		binary.LittleEndian.PutUint32(rec[12:], outOff)
		binary.LittleEndian.PutUint32(rec[16:], outCount)
	}
	return b.putBytes(table), uint32(len(deps))
}

func (b *builder) putChangeSubs(subs []conntab.ChangeSub) (offset, count uint32) {
	if len(subs) == 0 {
		return 0, 0
	}
	table := make([]byte, len(subs)*layout.ChangeSubRecordSize)
	for i, s := range subs {
		xpathOff := b.putString(s.Xpath)
		rec := table[i*layout.ChangeSubRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], xpathOff)
		binary.LittleEndian.PutUint32(rec[4:], s.Priority)
		binary.LittleEndian.PutUint32(rec[8:], s.Options)
		binary.LittleEndian.PutUint64(rec[16:], s.EvPipeID)
	}
	return b.putBytes(table), uint32(len(subs))
}

func (b *builder) putOperSubs(subs []conntab.OperSub) (offset, count uint32) {
	if len(subs) == 0 {
		return 0, 0
	}
	table := make([]byte, len(subs)*layout.OperSubRecordSize)
	for i, s := range subs {
		xpathOff := b.putString(s.Xpath)
		rec := table[i*layout.OperSubRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], xpathOff)
		binary.LittleEndian.PutUint64(rec[8:], s.EvPipeID)
	}
	return b.putBytes(table), uint32(len(subs))
}

func (b *builder) putNotifSubs(subs []conntab.NotifSub) (offset, count uint32) {
	if len(subs) == 0 {
		return 0, 0
	}
	table := make([]byte, len(subs)*layout.NotifSubRecordSize)
	for i, s := range subs {
		binary.LittleEndian.PutUint64(table[i*8:], s.EvPipeID)
	}
	return b.putBytes(table), uint32(len(subs))
}

func (b *builder) putEvPipes(ids []uint64) (offset, count uint32) {
	if len(ids) == 0 {
		return 0, 0
	}
	table := make([]byte, len(ids)*8)
	for i, id := range ids {
		binary.LittleEndian.PutUint64(table[i*8:], id)
	}
	return b.putBytes(table), uint32(len(ids))
}

// Runner bundles the collaborators a defragmentation pass rewrites.
type Runner struct {
	Registry *registry.Registry
	Subs     *conntab.Subs
	Conns    *conntab.Table
}

// New builds a Runner from its collaborators.
func New(reg *registry.Registry, subs *conntab.Subs, conns *conntab.Table) *Runner {
	return &Runner{Registry: reg, Subs: subs, Conns: conns}
}

// Run rewrites the entire extension arena in canonical order and
// swaps it in atomically. Callers must hold the main registry write
// lock and the remap guard's write side before calling, since every
// arena-relative offset stored in the main region changes.
func (r *Runner) Run() error {
	b := newBuilder()
	count := r.Registry.ModuleCount()

	type moduleOffsets struct {
		nameOff                    uint32
		featOff, featCount         uint32
		ddOff, ddCount             uint32
		invOff, invCount           uint32
		opOff, opCount             uint32
		changeOff, changeCount     [layout.DatastoreCount]uint32
		operOff, operCount         uint32
		notifOff, notifCount       uint32
	}
	offsets := make([]moduleOffsets, count)

	// Pass 1: module names, in canonical (index) order. The offsets
	// double as the lookup table for repointing module references.
	mods := make([]registry.Module, count)
	nameOffs := make(map[string]uint32, count)
	for i := uint32(0); i < count; i++ {
		m, err := r.Registry.ModuleAt(i)
		if err != nil {
			return err
		}
		mods[i] = m
		offsets[i].nameOff = b.putString(m.Name)
		nameOffs[m.Name] = offsets[i].nameOff
	}

	// Pass 2: each module's variable tables.
	for i := uint32(0); i < count; i++ {
		m := mods[i]
		offsets[i].featOff, offsets[i].featCount = b.putStringList(m.Features)
		offsets[i].ddOff, offsets[i].ddCount = b.putDataDeps(m.DataDeps, nameOffs)
		offsets[i].invOff, offsets[i].invCount = b.putStringList(m.InverseDeps)
		offsets[i].opOff, offsets[i].opCount = b.putOpDeps(m.OpDeps)

		for ds := layout.Datastore(0); ds < layout.DatastoreCount; ds++ {
			subs, err := r.Subs.ChangeSubs(i, ds)
			if err != nil {
				return err
			}
			offsets[i].changeOff[ds], offsets[i].changeCount[ds] = b.putChangeSubs(subs)
		}
		operSubs, err := r.Subs.OperSubs(i)
		if err != nil {
			return err
		}
		offsets[i].operOff, offsets[i].operCount = b.putOperSubs(operSubs)

		notifSubs, err := r.Subs.NotifSubs(i)
		if err != nil {
			return err
		}
		offsets[i].notifOff, offsets[i].notifCount = b.putNotifSubs(notifSubs)
	}

	// Pass 3: connection table.
	conns, err := r.Conns.List()
	if err != nil {
		return err
	}
	connTable := make([]byte, len(conns)*layout.ConnRecordSize)
	for i, c := range conns {
		evOff, evCount := b.putEvPipes(c.EvPipes)
		rec := connTable[i*layout.ConnRecordSize:]
		binary.LittleEndian.PutUint64(rec[layout.ConnHandle:], c.Handle)
		binary.LittleEndian.PutUint32(rec[layout.ConnPID:], c.PID)
		binary.LittleEndian.PutUint32(rec[layout.ConnLockKind:], uint32(c.LockKind))
		binary.LittleEndian.PutUint32(rec[layout.ConnReadDepth:], c.ReadDepth)
		binary.LittleEndian.PutUint32(rec[layout.ConnEvOffset:], evOff)
		binary.LittleEndian.PutUint32(rec[layout.ConnEvCount:], evCount)
	}
	var connTableOff uint32
	if len(conns) > 0 {
		connTableOff = b.putBytes(connTable)
	}

	// Pass 4: RPC table.
	rpcs, err := r.Registry.ListRPCs()
	if err != nil {
		return err
	}
	rpcTable := make([]byte, len(rpcs)*layout.RPCRecordSize)
	for i, rpc := range rpcs {
		pathOff := b.putString(rpc.OpPath)
		subBuf := make([]byte, len(rpc.Subs)*layout.RPCSubRecordSize)
		for j, id := range rpc.Subs {
			binary.LittleEndian.PutUint64(subBuf[j*8:], id)
		}
		var subOff uint32
		if len(rpc.Subs) > 0 {
			subOff = b.putBytes(subBuf)
		}
		rec := rpcTable[i*layout.RPCRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], pathOff)
		binary.LittleEndian.PutUint32(rec[4:], subOff)
		binary.LittleEndian.PutUint32(rec[8:], uint32(len(rpc.Subs)))
	}
	var rpcTableOff uint32
	if len(rpcs) > 0 {
		rpcTableOff = b.putBytes(rpcTable)
	}

	expected := len(b.buf)

	// Swap the rebuilt buffer into the live mapping before fixing up
	// the main-region records, so every offset below refers to
	// memory that is actually mapped.
	if err := r.Registry.Arena().Rebuild(b.buf); err != nil {
		return err
	}
	r.Registry.Arena().SetWastedBytes(0)

	if uint32(expected) != r.Registry.Arena().Size() {
		return fmt.Errorf("defrag: rebuilt arena size mismatch: wrote %d, mapped %d", expected, r.Registry.Arena().Size())
	}

	r.Conns.Rehome(connTableOff, uint32(len(conns)))
	r.Registry.RehomeRPCTable(rpcTableOff, uint32(len(rpcs)))

	for i := uint32(0); i < count; i++ {
		rec, err := r.Registry.RecordAt(i)
		if err != nil {
			return err
		}
		o := offsets[i]
		binary.LittleEndian.PutUint32(rec[layout.ModNameOffset:], o.nameOff)
		binary.LittleEndian.PutUint32(rec[layout.ModFeatOffset:], o.featOff)
		binary.LittleEndian.PutUint32(rec[layout.ModFeatCount:], o.featCount)
		binary.LittleEndian.PutUint32(rec[layout.ModDataDepOffset:], o.ddOff)
		binary.LittleEndian.PutUint32(rec[layout.ModDataDepCount:], o.ddCount)
		binary.LittleEndian.PutUint32(rec[layout.ModInvDepOffset:], o.invOff)
		binary.LittleEndian.PutUint32(rec[layout.ModInvDepCount:], o.invCount)
		binary.LittleEndian.PutUint32(rec[layout.ModOpDepOffset:], o.opOff)
		binary.LittleEndian.PutUint32(rec[layout.ModOpDepCount:], o.opCount)
		for ds := layout.Datastore(0); ds < layout.DatastoreCount; ds++ {
			binary.LittleEndian.PutUint32(rec[layout.ChangeSubOffsetField(ds):], o.changeOff[ds])
			binary.LittleEndian.PutUint32(rec[layout.ChangeSubCountField(ds):], o.changeCount[ds])
		}
		binary.LittleEndian.PutUint32(rec[layout.ModOperSubOffset:], o.operOff)
		binary.LittleEndian.PutUint32(rec[layout.ModOperSubCount:], o.operCount)
		binary.LittleEndian.PutUint32(rec[layout.ModNotifSubOffset:], o.notifOff)
		binary.LittleEndian.PutUint32(rec[layout.ModNotifSubCount:], o.notifCount)
	}

	return nil
}
