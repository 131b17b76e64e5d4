// Package conntab implements the connection table, per-connection
// event-pipe arrays, and per-module subscription tables: the
// bookkeeping that tracks which processes are attached, which event
// pipes they own, and which xpaths they watch. Tables follow one
// shape throughout: append a fresh copy to the arena tail, swap the
// referencing pointer, and credit the abandoned bytes to the
// wasted tally.
package conntab

import (
	"encoding/binary"

	"github.com/dineshreddyk/sysrepo-go/internal/arena"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/registry"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

// Conn is the decoded form of one connection-state record.
type Conn struct {
	Handle    uint64
	PID       uint32
	LockKind  layout.LockKind
	ReadDepth uint32
	EvPipes   []uint64
	// EvPipesOffset is the arena offset of the EvPipes array backing
	// this record, exposed for internal/debugdump's span enumeration.
	EvPipesOffset uint32
}

// Table owns the connection array living at the main header's
// conn-table pointer, plus the arena it is built from.
type Table struct {
	main  *shmio.Region
	arena *arena.Arena
}

// New wraps an already-mapped main region and its arena.
func New(main *shmio.Region, a *arena.Arena) *Table {
	return &Table{main: main, arena: a}
}

func (t *Table) header() (offset, count uint32) {
	return binary.LittleEndian.Uint32(t.main.Bytes()[layout.HeaderConnTableOffset:]),
		binary.LittleEndian.Uint32(t.main.Bytes()[layout.HeaderConnTableCount:])
}

// Header returns the connection array's arena offset and length, used
// by internal/debugdump to report the table itself as a live span.
func (t *Table) Header() (offset, count uint32) { return t.header() }

// Rehome overwrites the connection-table header pointer directly.
// Only internal/defrag calls this, after rewriting the connection
// array into a freshly compacted arena buffer.
func (t *Table) Rehome(offset, count uint32) {
	t.setHeader(offset, count)
}

func (t *Table) setHeader(offset, count uint32) {
	binary.LittleEndian.PutUint32(t.main.Bytes()[layout.HeaderConnTableOffset:], offset)
	binary.LittleEndian.PutUint32(t.main.Bytes()[layout.HeaderConnTableCount:], count)
}

func (t *Table) readEvPipes(offset, count uint32) ([]uint64, error) {
	if offset == arena.Absent || count == 0 {
		return nil, nil
	}
	raw, err := t.arena.ReadBytes(offset, count*8)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, count)
	for i := uint32(0); i < count; i++ {
		out[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return out, nil
}

func (t *Table) writeEvPipes(ids []uint64) (offset, count uint32, err error) {
	if len(ids) == 0 {
		return arena.Absent, 0, nil
	}
	buf := make([]byte, len(ids)*8)
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[i*8:], id)
	}
	base, err := t.arena.PutBytes(buf)
	if err != nil {
		return 0, 0, err
	}
	return base, uint32(len(ids)), nil
}

func (t *Table) decodeAt(idx uint32) (Conn, error) {
	_, count := t.header()
	if idx >= count {
		return Conn{}, shmerr.NotFoundf("conntab.decodeAt", "index %d out of range", idx)
	}
	offset, _ := t.header()
	rec, err := t.arena.ReadBytes(offset+idx*layout.ConnRecordSize, layout.ConnRecordSize)
	if err != nil {
		return Conn{}, err
	}
	evOff := binary.LittleEndian.Uint32(rec[layout.ConnEvOffset:])
	evCount := binary.LittleEndian.Uint32(rec[layout.ConnEvCount:])
	evPipes, err := t.readEvPipes(evOff, evCount)
	if err != nil {
		return Conn{}, err
	}
	return Conn{
		Handle:        binary.LittleEndian.Uint64(rec[layout.ConnHandle:]),
		PID:           binary.LittleEndian.Uint32(rec[layout.ConnPID:]),
		LockKind:      layout.LockKind(binary.LittleEndian.Uint32(rec[layout.ConnLockKind:])),
		ReadDepth:     binary.LittleEndian.Uint32(rec[layout.ConnReadDepth:]),
		EvPipes:       evPipes,
		EvPipesOffset: evOff,
	}, nil
}

// List returns every live connection record.
func (t *Table) List() ([]Conn, error) {
	_, count := t.header()
	out := make([]Conn, count)
	for i := uint32(0); i < count; i++ {
		c, err := t.decodeAt(i)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// Find returns the index of the connection matching the (handle, pid)
// pair. Handles are only unique within their owning process, so the
// pid is part of the key.
func (t *Table) Find(handle uint64, pid uint32) (idx uint32, ok bool, err error) {
	_, count := t.header()
	for i := uint32(0); i < count; i++ {
		c, err := t.decodeAt(i)
		if err != nil {
			return 0, false, err
		}
		if c.Handle == handle && c.PID == pid {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// oldTableWasted totals the bytes the current table occupies: the
// record array plus every per-connection event-pipe array. All of it
// is abandoned when the table is rewritten to the tail.
func (t *Table) oldTableWasted() (uint64, error) {
	offset, count := t.header()
	if offset == arena.Absent || count == 0 {
		return 0, nil
	}
	wasted := uint64(count) * uint64(layout.ConnRecordSize)
	for i := uint32(0); i < count; i++ {
		rec, err := t.arena.ReadBytes(offset+i*layout.ConnRecordSize, layout.ConnRecordSize)
		if err != nil {
			return 0, err
		}
		evCount := binary.LittleEndian.Uint32(rec[layout.ConnEvCount:])
		wasted += uint64(evCount) * 8
	}
	return wasted, nil
}

func (t *Table) rewrite(conns []Conn) error {
	oldWasted, err := t.oldTableWasted()
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		t.setHeader(arena.Absent, 0)
		t.arena.AddWasted(oldWasted)
		return nil
	}
	buf := make([]byte, len(conns)*layout.ConnRecordSize)
	for i, c := range conns {
		evOff, evCount, err := t.writeEvPipes(c.EvPipes)
		if err != nil {
			return err
		}
		rec := buf[i*layout.ConnRecordSize:]
		binary.LittleEndian.PutUint64(rec[layout.ConnHandle:], c.Handle)
		binary.LittleEndian.PutUint32(rec[layout.ConnPID:], c.PID)
		binary.LittleEndian.PutUint32(rec[layout.ConnLockKind:], uint32(c.LockKind))
		binary.LittleEndian.PutUint32(rec[layout.ConnReadDepth:], c.ReadDepth)
		binary.LittleEndian.PutUint32(rec[layout.ConnEvOffset:], evOff)
		binary.LittleEndian.PutUint32(rec[layout.ConnEvCount:], evCount)
	}
	base, err := t.arena.PutBytes(buf)
	if err != nil {
		return err
	}
	t.arena.AddWasted(oldWasted)
	t.setHeader(base, uint32(len(conns)))
	return nil
}

// Add registers a new connection for handle/pid and returns its index.
func (t *Table) Add(handle uint64, pid uint32) (uint32, error) {
	conns, err := t.List()
	if err != nil {
		return 0, err
	}
	conns = append(conns, Conn{Handle: handle, PID: pid})
	if err := t.rewrite(conns); err != nil {
		return 0, err
	}
	return uint32(len(conns) - 1), nil
}

// Remove drops the connection record matching the (handle, pid) pair.
func (t *Table) Remove(handle uint64, pid uint32) error {
	conns, err := t.List()
	if err != nil {
		return err
	}
	out := conns[:0]
	for _, c := range conns {
		if c.Handle != handle || c.PID != pid {
			out = append(out, c)
		}
	}
	return t.rewrite(out)
}

// SetLock records the held-lock descriptor (kind + recursive read
// depth) for the connection matching (handle, pid). The two fields are
// written in place: lock bookkeeping happens while holding the main
// lock in read mode, where relocating the table is not allowed.
func (t *Table) SetLock(handle uint64, pid uint32, kind layout.LockKind, depth uint32) error {
	idx, ok, err := t.Find(handle, pid)
	if err != nil {
		return err
	}
	if !ok {
		return shmerr.NotFoundf("conntab.SetLock", "connection %d not found", handle)
	}
	offset, _ := t.header()
	rec := t.arena.Bytes()[offset+idx*layout.ConnRecordSize:]
	binary.LittleEndian.PutUint32(rec[layout.ConnLockKind:], uint32(kind))
	binary.LittleEndian.PutUint32(rec[layout.ConnReadDepth:], depth)
	return nil
}

// AddEvPipe appends evPipeID to the connection's owned event-pipe set.
func (t *Table) AddEvPipe(handle uint64, evPipeID uint64) error {
	conns, err := t.List()
	if err != nil {
		return err
	}
	for i := range conns {
		if conns[i].Handle == handle {
			conns[i].EvPipes = append(conns[i].EvPipes, evPipeID)
			return t.rewrite(conns)
		}
	}
	return shmerr.NotFoundf("conntab.AddEvPipe", "connection %d not found", handle)
}

// RemoveEvPipe drops evPipeID from the connection's owned set.
func (t *Table) RemoveEvPipe(handle uint64, evPipeID uint64) error {
	conns, err := t.List()
	if err != nil {
		return err
	}
	for i := range conns {
		if conns[i].Handle != handle {
			continue
		}
		kept := conns[i].EvPipes[:0]
		for _, id := range conns[i].EvPipes {
			if id != evPipeID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(conns[i].EvPipes) {
			return shmerr.NotFoundf("conntab.RemoveEvPipe", "event pipe %d not held by connection %d", evPipeID, handle)
		}
		conns[i].EvPipes = kept
		return t.rewrite(conns)
	}
	return shmerr.NotFoundf("conntab.RemoveEvPipe", "connection %d not found", handle)
}

// ---------------------------------------------------------------------------
// Per-module subscription tables (change / operational / notification).
// ---------------------------------------------------------------------------

// ChangeSub mirrors a ChangeSubRecord.
type ChangeSub struct {
	Xpath    string
	Priority uint32
	Options  uint32
	EvPipeID uint64
}

// OperSub mirrors an OperSubRecord.
type OperSub struct {
	Xpath    string
	EvPipeID uint64
}

// NotifSub mirrors a NotifSubRecord.
type NotifSub struct {
	EvPipeID uint64
}

// Subs bundles a registry and arena handle so subscription helpers can
// read/write directly into a module record's fields.
type Subs struct {
	reg   *registry.Registry
	arena *arena.Arena
}

// NewSubs wraps the registry whose module records own the
// per-datastore subscription fields.
func NewSubs(reg *registry.Registry) *Subs {
	return &Subs{reg: reg, arena: reg.Arena()}
}

func (s *Subs) record(modIdx uint32) ([]byte, error) { return s.reg.RecordAt(modIdx) }

func (s *Subs) readChangeSubs(offset, count uint32) ([]ChangeSub, error) {
	if offset == arena.Absent || count == 0 {
		return nil, nil
	}
	raw, err := s.arena.ReadBytes(offset, count*layout.ChangeSubRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]ChangeSub, count)
	for i := uint32(0); i < count; i++ {
		rec := raw[i*layout.ChangeSubRecordSize:]
		xpathOff := binary.LittleEndian.Uint32(rec[0:])
		priority := binary.LittleEndian.Uint32(rec[4:])
		options := binary.LittleEndian.Uint32(rec[8:])
		evPipeID := binary.LittleEndian.Uint64(rec[16:])
		xpath, err := s.arena.ReadString(xpathOff)
		if err != nil {
			return nil, err
		}
		out[i] = ChangeSub{Xpath: xpath, Priority: priority, Options: options, EvPipeID: evPipeID}
	}
	return out, nil
}

func (s *Subs) writeChangeSubs(subs []ChangeSub) (offset, count uint32, err error) {
	if len(subs) == 0 {
		return arena.Absent, 0, nil
	}
	buf := make([]byte, len(subs)*layout.ChangeSubRecordSize)
	for i, sub := range subs {
		xpathOff, err := s.arena.PutString(sub.Xpath)
		if err != nil {
			return 0, 0, err
		}
		rec := buf[i*layout.ChangeSubRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], xpathOff)
		binary.LittleEndian.PutUint32(rec[4:], sub.Priority)
		binary.LittleEndian.PutUint32(rec[8:], sub.Options)
		binary.LittleEndian.PutUint64(rec[16:], sub.EvPipeID)
	}
	base, err := s.arena.PutBytes(buf)
	if err != nil {
		return 0, 0, err
	}
	return base, uint32(len(subs)), nil
}

// ChangeSubs returns the change-subscription list for module modIdx /
// datastore ds.
func (s *Subs) ChangeSubs(modIdx uint32, ds layout.Datastore) ([]ChangeSub, error) {
	rec, err := s.record(modIdx)
	if err != nil {
		return nil, err
	}
	offset := binary.LittleEndian.Uint32(rec[layout.ChangeSubOffsetField(ds):])
	count := binary.LittleEndian.Uint32(rec[layout.ChangeSubCountField(ds):])
	return s.readChangeSubs(offset, count)
}

func (s *Subs) setChangeSubs(modIdx uint32, ds layout.Datastore, subs []ChangeSub) error {
	rec, err := s.record(modIdx)
	if err != nil {
		return err
	}
	oldOffset := binary.LittleEndian.Uint32(rec[layout.ChangeSubOffsetField(ds):])
	oldCount := binary.LittleEndian.Uint32(rec[layout.ChangeSubCountField(ds):])
	old, err := s.readChangeSubs(oldOffset, oldCount)
	if err != nil {
		return err
	}
	offset, count, err := s.writeChangeSubs(subs)
	if err != nil {
		return err
	}
	if oldCount > 0 {
		wasted := uint64(oldCount) * uint64(layout.ChangeSubRecordSize)
		for _, sub := range old {
			wasted += uint64(len(sub.Xpath)) + 1
		}
		s.arena.AddWasted(wasted)
	}
	binary.LittleEndian.PutUint32(rec[layout.ChangeSubOffsetField(ds):], offset)
	binary.LittleEndian.PutUint32(rec[layout.ChangeSubCountField(ds):], count)
	return nil
}

// AddChangeSub appends a new change subscription.
func (s *Subs) AddChangeSub(modIdx uint32, ds layout.Datastore, sub ChangeSub) error {
	subs, err := s.ChangeSubs(modIdx, ds)
	if err != nil {
		return err
	}
	subs = append(subs, sub)
	return s.setChangeSubs(modIdx, ds, subs)
}

// RemoveChangeSub removes the subscription keyed by (xpath, priority).
func (s *Subs) RemoveChangeSub(modIdx uint32, ds layout.Datastore, xpath string, priority uint32) error {
	subs, err := s.ChangeSubs(modIdx, ds)
	if err != nil {
		return err
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.Xpath == xpath && sub.Priority == priority {
			continue
		}
		out = append(out, sub)
	}
	return s.setChangeSubs(modIdx, ds, out)
}

// RemoveChangeSubsByEvPipe drops every change subscription owned by
// evPipeID across all datastores of modIdx, the cascade recovery
// performs when a connection dies.
func (s *Subs) RemoveChangeSubsByEvPipe(modIdx uint32, evPipeID uint64) error {
	for ds := layout.Datastore(0); ds < layout.DatastoreCount; ds++ {
		subs, err := s.ChangeSubs(modIdx, ds)
		if err != nil {
			return err
		}
		out := subs[:0]
		for _, sub := range subs {
			if sub.EvPipeID != evPipeID {
				out = append(out, sub)
			}
		}
		if len(out) != len(subs) {
			if err := s.setChangeSubs(modIdx, ds, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Subs) readOperSubs(offset, count uint32) ([]OperSub, error) {
	if offset == arena.Absent || count == 0 {
		return nil, nil
	}
	raw, err := s.arena.ReadBytes(offset, count*layout.OperSubRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]OperSub, count)
	for i := uint32(0); i < count; i++ {
		rec := raw[i*layout.OperSubRecordSize:]
		xpathOff := binary.LittleEndian.Uint32(rec[0:])
		evPipeID := binary.LittleEndian.Uint64(rec[8:])
		xpath, err := s.arena.ReadString(xpathOff)
		if err != nil {
			return nil, err
		}
		out[i] = OperSub{Xpath: xpath, EvPipeID: evPipeID}
	}
	return out, nil
}

func (s *Subs) writeOperSubs(subs []OperSub) (offset, count uint32, err error) {
	if len(subs) == 0 {
		return arena.Absent, 0, nil
	}
	buf := make([]byte, len(subs)*layout.OperSubRecordSize)
	for i, sub := range subs {
		xpathOff, err := s.arena.PutString(sub.Xpath)
		if err != nil {
			return 0, 0, err
		}
		rec := buf[i*layout.OperSubRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], xpathOff)
		binary.LittleEndian.PutUint64(rec[8:], sub.EvPipeID)
	}
	base, err := s.arena.PutBytes(buf)
	if err != nil {
		return 0, 0, err
	}
	return base, uint32(len(subs)), nil
}

// OperSubs returns the operational-data subscription list for modIdx.
func (s *Subs) OperSubs(modIdx uint32) ([]OperSub, error) {
	rec, err := s.record(modIdx)
	if err != nil {
		return nil, err
	}
	offset := binary.LittleEndian.Uint32(rec[layout.ModOperSubOffset:])
	count := binary.LittleEndian.Uint32(rec[layout.ModOperSubCount:])
	return s.readOperSubs(offset, count)
}

func (s *Subs) setOperSubs(modIdx uint32, subs []OperSub) error {
	rec, err := s.record(modIdx)
	if err != nil {
		return err
	}
	oldOffset := binary.LittleEndian.Uint32(rec[layout.ModOperSubOffset:])
	oldCount := binary.LittleEndian.Uint32(rec[layout.ModOperSubCount:])
	old, err := s.readOperSubs(oldOffset, oldCount)
	if err != nil {
		return err
	}
	offset, count, err := s.writeOperSubs(subs)
	if err != nil {
		return err
	}
	if oldCount > 0 {
		wasted := uint64(oldCount) * uint64(layout.OperSubRecordSize)
		for _, sub := range old {
			wasted += uint64(len(sub.Xpath)) + 1
		}
		s.arena.AddWasted(wasted)
	}
	binary.LittleEndian.PutUint32(rec[layout.ModOperSubOffset:], offset)
	binary.LittleEndian.PutUint32(rec[layout.ModOperSubCount:], count)
	return nil
}

// AddOperSub appends a new operational-data subscription.
func (s *Subs) AddOperSub(modIdx uint32, sub OperSub) error {
	subs, err := s.OperSubs(modIdx)
	if err != nil {
		return err
	}
	subs = append(subs, sub)
	return s.setOperSubs(modIdx, subs)
}

// RemoveOperSubsByEvPipe drops every operational subscription owned by
// evPipeID, used by the same crash-recovery cascade as change subs.
func (s *Subs) RemoveOperSubsByEvPipe(modIdx uint32, evPipeID uint64) error {
	subs, err := s.OperSubs(modIdx)
	if err != nil {
		return err
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.EvPipeID != evPipeID {
			out = append(out, sub)
		}
	}
	if len(out) == len(subs) {
		return nil
	}
	return s.setOperSubs(modIdx, out)
}

func (s *Subs) readNotifSubs(offset, count uint32) ([]NotifSub, error) {
	if offset == arena.Absent || count == 0 {
		return nil, nil
	}
	raw, err := s.arena.ReadBytes(offset, count*layout.NotifSubRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]NotifSub, count)
	for i := uint32(0); i < count; i++ {
		out[i] = NotifSub{EvPipeID: binary.LittleEndian.Uint64(raw[i*8:])}
	}
	return out, nil
}

func (s *Subs) writeNotifSubs(subs []NotifSub) (offset, count uint32, err error) {
	if len(subs) == 0 {
		return arena.Absent, 0, nil
	}
	buf := make([]byte, len(subs)*layout.NotifSubRecordSize)
	for i, sub := range subs {
		binary.LittleEndian.PutUint64(buf[i*8:], sub.EvPipeID)
	}
	base, err := s.arena.PutBytes(buf)
	if err != nil {
		return 0, 0, err
	}
	return base, uint32(len(subs)), nil
}

// NotifSubs returns the notification subscription list for modIdx.
func (s *Subs) NotifSubs(modIdx uint32) ([]NotifSub, error) {
	rec, err := s.record(modIdx)
	if err != nil {
		return nil, err
	}
	offset := binary.LittleEndian.Uint32(rec[layout.ModNotifSubOffset:])
	count := binary.LittleEndian.Uint32(rec[layout.ModNotifSubCount:])
	return s.readNotifSubs(offset, count)
}

func (s *Subs) setNotifSubs(modIdx uint32, subs []NotifSub) error {
	rec, err := s.record(modIdx)
	if err != nil {
		return err
	}
	oldCount := binary.LittleEndian.Uint32(rec[layout.ModNotifSubCount:])
	offset, count, err := s.writeNotifSubs(subs)
	if err != nil {
		return err
	}
	if oldCount > 0 {
		s.arena.AddWasted(uint64(oldCount) * uint64(layout.NotifSubRecordSize))
	}
	binary.LittleEndian.PutUint32(rec[layout.ModNotifSubOffset:], offset)
	binary.LittleEndian.PutUint32(rec[layout.ModNotifSubCount:], count)
	return nil
}

// AddNotifSub appends a new notification subscription.
func (s *Subs) AddNotifSub(modIdx uint32, sub NotifSub) error {
	subs, err := s.NotifSubs(modIdx)
	if err != nil {
		return err
	}
	subs = append(subs, sub)
	return s.setNotifSubs(modIdx, subs)
}

// RemoveNotifSubsByEvPipe drops every notification subscription owned
// by evPipeID.
func (s *Subs) RemoveNotifSubsByEvPipe(modIdx uint32, evPipeID uint64) error {
	subs, err := s.NotifSubs(modIdx)
	if err != nil {
		return err
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.EvPipeID != evPipeID {
			out = append(out, sub)
		}
	}
	if len(out) == len(subs) {
		return nil
	}
	return s.setNotifSubs(modIdx, out)
}

// DataLock returns the CAS-style data-lock word for modIdx/ds.
func (s *Subs) DataLock(modIdx uint32, ds layout.Datastore) (uint32, error) {
	rec, err := s.record(modIdx)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(rec[layout.DataLockField(ds):]), nil
}

// SetDataLock overwrites the data-lock word for modIdx/ds. Callers
// perform their own CAS semantics (internal/reglock) before calling
// this; it is a plain store, not atomic, since it is only ever invoked
// under the main region's write lock.
func (s *Subs) SetDataLock(modIdx uint32, ds layout.Datastore, value uint32) error {
	rec, err := s.record(modIdx)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(rec[layout.DataLockField(ds):], value)
	return nil
}
