// Package registry implements the module registry: a dense array of
// fixed-width module records in the main region, each pointing at
// variable-length feature/dependency tables in the extension arena,
// plus the global RPC table referenced from the main header.
package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/dineshreddyk/sysrepo-go/internal/arena"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

// DataDep mirrors a DataDepRecord.
type DataDep struct {
	Type   uint32
	Module string
	Xpath  string
}

// OpDep mirrors an OpDepRecord: an RPC/action xpath plus its input and
// output data dependencies (as module names).
type OpDep struct {
	Xpath string
	In    []string
	Out   []string
}

// Module is the decoded, in-memory form of one module record plus its
// arena-resident variable tables.
type Module struct {
	Name          string
	Revision      string
	ReplaySupport bool
	Version       uint32
	Features      []string
	DataDeps      []DataDep
	InverseDeps   []string
	OpDeps        []OpDep
}

// Registry owns the main-region header/array and the arena backing
// its variable-length tables.
type Registry struct {
	main  *shmio.Region
	arena *arena.Arena
}

// New wraps an already-mapped main region and its arena.
func New(main *shmio.Region, a *arena.Arena) *Registry {
	return &Registry{main: main, arena: a}
}

func (r *Registry) moduleCount() uint32 {
	return binary.LittleEndian.Uint32(r.main.Bytes()[layout.HeaderModuleCount:])
}

func (r *Registry) setModuleCount(n uint32) {
	binary.LittleEndian.PutUint32(r.main.Bytes()[layout.HeaderModuleCount:], n)
}

func recordOffset(idx uint32) uint32 {
	return layout.HeaderSize + idx*layout.ModuleRecordSize
}

// ensureCapacity grows the main region so that count records fit,
// computing the final size once and remapping a single time rather
// than growing record by record.
func (r *Registry) ensureCapacity(count uint32) error {
	needed := recordOffset(count)
	if needed <= r.main.Size() {
		return nil
	}
	if err := r.main.Remap(needed); err != nil {
		return shmerr.New("registry.ensureCapacity", shmerr.NoMem, err)
	}
	return nil
}

// FindModule returns the index of the module named name, or ok=false
// if no such module is registered.
func (r *Registry) FindModule(name string) (idx uint32, ok bool, err error) {
	count := r.moduleCount()
	for i := uint32(0); i < count; i++ {
		rec := r.main.Bytes()[recordOffset(i):]
		nameOff := binary.LittleEndian.Uint32(rec[layout.ModNameOffset:])
		got, rerr := r.arena.ReadString(nameOff)
		if rerr != nil {
			return 0, false, rerr
		}
		if got == name {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// FindModuleByOffset returns the index of the module whose name field
// holds exactly nameOffset. Dependency records reference a registered
// module by its record's own name offset (see writeDataDeps), so a
// caller holding such a reference resolves it with one offset
// comparison per record instead of a string comparison.
func (r *Registry) FindModuleByOffset(nameOffset uint32) (idx uint32, ok bool) {
	count := r.moduleCount()
	for i := uint32(0); i < count; i++ {
		rec := r.main.Bytes()[recordOffset(i):]
		if binary.LittleEndian.Uint32(rec[layout.ModNameOffset:]) == nameOffset {
			return i, true
		}
	}
	return 0, false
}

// ModuleCount reports the number of live module records.
func (r *Registry) ModuleCount() uint32 { return r.moduleCount() }

// nameOffsetOf returns the arena offset of a registered module's name
// string, the canonical offset dependency records store for module
// references.
func (r *Registry) nameOffsetOf(name string) (uint32, bool, error) {
	idx, ok, err := r.FindModule(name)
	if err != nil || !ok {
		return 0, false, err
	}
	rec := r.main.Bytes()[recordOffset(idx):]
	return binary.LittleEndian.Uint32(rec[layout.ModNameOffset:]), true, nil
}

func (r *Registry) writeStringList(items []string) (offset, count uint32, err error) {
	if len(items) == 0 {
		return arena.Absent, 0, nil
	}
	buf := make([]byte, len(items)*layout.FeatureRecordSize)
	for i, s := range items {
		off, err := r.arena.PutString(s)
		if err != nil {
			return 0, 0, err
		}
		binary.LittleEndian.PutUint32(buf[i*4:], off)
	}
	base, err := r.arena.PutBytes(buf)
	if err != nil {
		return 0, 0, err
	}
	return base, uint32(len(items)), nil
}

func (r *Registry) readStringList(offset, count uint32) ([]string, error) {
	if offset == arena.Absent || count == 0 {
		return nil, nil
	}
	raw, err := r.arena.ReadBytes(offset, count*layout.FeatureRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]string, count)
	for i := uint32(0); i < count; i++ {
		off := binary.LittleEndian.Uint32(raw[i*4:])
		s, err := r.arena.ReadString(off)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// writeDataDeps emits one record per dependency. The referenced-module
// field reuses the registered module's own name offset; only a
// reference to a module that is not (yet) registered allocates an
// independent name string.
func (r *Registry) writeDataDeps(deps []DataDep) (offset, count uint32, err error) {
	if len(deps) == 0 {
		return arena.Absent, 0, nil
	}
	buf := make([]byte, len(deps)*layout.DataDepRecordSize)
	for i, d := range deps {
		modOff, registered, err := r.nameOffsetOf(d.Module)
		if err != nil {
			return 0, 0, err
		}
		if !registered {
			modOff, err = r.arena.PutString(d.Module)
			if err != nil {
				return 0, 0, err
			}
		}
		xpathOff, err := r.arena.PutString(d.Xpath)
		if err != nil {
			return 0, 0, err
		}
		rec := buf[i*layout.DataDepRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], d.Type)
		binary.LittleEndian.PutUint32(rec[4:], modOff)
		binary.LittleEndian.PutUint32(rec[8:], xpathOff)
	}
	base, err := r.arena.PutBytes(buf)
	if err != nil {
		return 0, 0, err
	}
	return base, uint32(len(deps)), nil
}

func (r *Registry) readDataDeps(offset, count uint32) ([]DataDep, error) {
	if offset == arena.Absent || count == 0 {
		return nil, nil
	}
	raw, err := r.arena.ReadBytes(offset, count*layout.DataDepRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]DataDep, count)
	for i := uint32(0); i < count; i++ {
		rec := raw[i*layout.DataDepRecordSize:]
		typ := binary.LittleEndian.Uint32(rec[0:])
		modOff := binary.LittleEndian.Uint32(rec[4:])
		xpathOff := binary.LittleEndian.Uint32(rec[8:])
		mod, err := r.arena.ReadString(modOff)
		if err != nil {
			return nil, err
		}
		xpath, err := r.arena.ReadString(xpathOff)
		if err != nil {
			return nil, err
		}
		out[i] = DataDep{Type: typ, Module: mod, Xpath: xpath}
	}
	return out, nil
}

func (r *Registry) writeOpDeps(deps []OpDep) (offset, count uint32, err error) {
	if len(deps) == 0 {
		return arena.Absent, 0, nil
	}
	buf := make([]byte, len(deps)*layout.OpDepRecordSize)
	for i, d := range deps {
		xpathOff, err := r.arena.PutString(d.Xpath)
		if err != nil {
			return 0, 0, err
		}
		inOff, inCount, err := r.writeStringList(d.In)
		if err != nil {
			return 0, 0, err
		}
		outOff, outCount, err := r.writeStringList(d.Out)
		if err != nil {
			return 0, 0, err
		}
		rec := buf[i*layout.OpDepRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], xpathOff)
		binary.LittleEndian.PutUint32(rec[4:], inOff)
		binary.LittleEndian.PutUint32(rec[8:], inCount)
		binary.LittleEndian.PutUint32(rec[12:], outOff)
		binary.LittleEndian.PutUint32(rec[16:], outCount)
	}
	base, err := r.arena.PutBytes(buf)
	if err != nil {
		return 0, 0, err
	}
	return base, uint32(len(deps)), nil
}

func (r *Registry) readOpDeps(offset, count uint32) ([]OpDep, error) {
	if offset == arena.Absent || count == 0 {
		return nil, nil
	}
	raw, err := r.arena.ReadBytes(offset, count*layout.OpDepRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]OpDep, count)
	for i := uint32(0); i < count; i++ {
		rec := raw[i*layout.OpDepRecordSize:]
		xpathOff := binary.LittleEndian.Uint32(rec[0:])
		inOff := binary.LittleEndian.Uint32(rec[4:])
		inCount := binary.LittleEndian.Uint32(rec[8:])
		outOff := binary.LittleEndian.Uint32(rec[12:])
		outCount := binary.LittleEndian.Uint32(rec[16:])
		xpath, err := r.arena.ReadString(xpathOff)
		if err != nil {
			return nil, err
		}
		in, err := r.readStringList(inOff, inCount)
		if err != nil {
			return nil, err
		}
		out2, err := r.readStringList(outOff, outCount)
		if err != nil {
			return nil, err
		}
		out[i] = OpDep{Xpath: xpath, In: in, Out: out2}
	}
	return out, nil
}

// encodeCore writes m's fixed fields, name, and feature list into the
// module record at rec, leaving every dependency field zeroed; the
// dependency tables for all modules, old and new, are emitted together
// afterwards by AddModules' rebuild pass. The per-datastore
// subscription and lock fields are also left zeroed; internal/conntab
// owns them from here on.
func (r *Registry) encodeCore(rec []byte, m Module) error {
	nameOff, err := r.arena.PutString(m.Name)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(rec[layout.ModNameOffset:], nameOff)

	revBuf := make([]byte, layout.ModRevisionSize)
	copy(revBuf, m.Revision)
	copy(rec[layout.ModRevision:layout.ModRevision+layout.ModRevisionSize], revBuf)

	var flags byte
	if m.ReplaySupport {
		flags |= 1
	}
	rec[layout.ModFlags] = flags

	binary.LittleEndian.PutUint32(rec[layout.ModVersion:], m.Version)

	featOff, featCount, err := r.writeStringList(m.Features)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(rec[layout.ModFeatOffset:], featOff)
	binary.LittleEndian.PutUint32(rec[layout.ModFeatCount:], featCount)

	return nil
}

func (r *Registry) decodeAt(idx uint32) (Module, error) {
	rec := r.main.Bytes()[recordOffset(idx):]

	nameOff := binary.LittleEndian.Uint32(rec[layout.ModNameOffset:])
	name, err := r.arena.ReadString(nameOff)
	if err != nil {
		return Module{}, err
	}

	revRaw := rec[layout.ModRevision : layout.ModRevision+layout.ModRevisionSize]
	revLen := 0
	for revLen < len(revRaw) && revRaw[revLen] != 0 {
		revLen++
	}
	revision := string(revRaw[:revLen])

	replay := rec[layout.ModFlags]&1 != 0
	version := binary.LittleEndian.Uint32(rec[layout.ModVersion:])

	featOff := binary.LittleEndian.Uint32(rec[layout.ModFeatOffset:])
	featCount := binary.LittleEndian.Uint32(rec[layout.ModFeatCount:])
	features, err := r.readStringList(featOff, featCount)
	if err != nil {
		return Module{}, err
	}

	ddOff := binary.LittleEndian.Uint32(rec[layout.ModDataDepOffset:])
	ddCount := binary.LittleEndian.Uint32(rec[layout.ModDataDepCount:])
	dataDeps, err := r.readDataDeps(ddOff, ddCount)
	if err != nil {
		return Module{}, err
	}

	invOff := binary.LittleEndian.Uint32(rec[layout.ModInvDepOffset:])
	invCount := binary.LittleEndian.Uint32(rec[layout.ModInvDepCount:])
	invDeps, err := r.readStringList(invOff, invCount)
	if err != nil {
		return Module{}, err
	}

	opOff := binary.LittleEndian.Uint32(rec[layout.ModOpDepOffset:])
	opCount := binary.LittleEndian.Uint32(rec[layout.ModOpDepCount:])
	opDeps, err := r.readOpDeps(opOff, opCount)
	if err != nil {
		return Module{}, err
	}

	return Module{
		Name:          name,
		Revision:      revision,
		ReplaySupport: replay,
		Version:       version,
		Features:      features,
		DataDeps:      dataDeps,
		InverseDeps:   invDeps,
		OpDeps:        opDeps,
	}, nil
}

// RecordAt returns the raw, writable module record bytes for idx.
// internal/conntab uses this to manage the per-datastore subscription
// and data-lock fields that live inside the record but are outside
// registry's own concern.
func (r *Registry) RecordAt(idx uint32) ([]byte, error) {
	if idx >= r.moduleCount() {
		return nil, shmerr.NotFoundf("registry.RecordAt", "index %d out of range", idx)
	}
	return r.main.Bytes()[recordOffset(idx) : recordOffset(idx)+layout.ModuleRecordSize], nil
}

// Arena exposes the shared arena so internal/conntab can append its
// own variable-length subscription tables into the same region.
func (r *Registry) Arena() *arena.Arena { return r.arena }

// ModuleAt returns the decoded module record at idx.
func (r *Registry) ModuleAt(idx uint32) (Module, error) {
	if idx >= r.moduleCount() {
		return Module{}, shmerr.NotFoundf("registry.ModuleAt", "index %d out of range", idx)
	}
	return r.decodeAt(idx)
}

// stringListBytes is the exact number of arena bytes writeStringList
// emits for items: the offset table plus each string and terminator.
func stringListBytes(items []string) uint64 {
	if len(items) == 0 {
		return 0
	}
	n := uint64(len(items)) * layout.FeatureRecordSize
	for _, s := range items {
		n += uint64(len(s)) + 1
	}
	return n
}

// dataDepBytes mirrors writeDataDeps: a reference to a module in
// registered shares that module's name string and costs no extra
// bytes; anything else gets its own copy.
func dataDepBytes(deps []DataDep, registered map[string]bool) uint64 {
	if len(deps) == 0 {
		return 0
	}
	n := uint64(len(deps)) * layout.DataDepRecordSize
	for _, d := range deps {
		if !registered[d.Module] {
			n += uint64(len(d.Module)) + 1
		}
		n += uint64(len(d.Xpath)) + 1
	}
	return n
}

func opDepBytes(deps []OpDep) uint64 {
	if len(deps) == 0 {
		return 0
	}
	n := uint64(len(deps)) * layout.OpDepRecordSize
	for _, d := range deps {
		n += uint64(len(d.Xpath)) + 1
		n += stringListBytes(d.In)
		n += stringListBytes(d.Out)
	}
	return n
}

// depBytes totals the arena bytes a module's dependency tables occupy,
// the amount credited to the wasted tally when they are dropped for a
// full rebuild. registered must describe the module set the tables
// were written against, so shared name strings are not miscounted.
func depBytes(m Module, registered map[string]bool) uint64 {
	return dataDepBytes(m.DataDeps, registered) + stringListBytes(m.InverseDeps) + opDepBytes(m.OpDeps)
}

// writeDeps emits m's data-dependency and operation-dependency tables
// plus the supplied inverse-dependency list, and points the record at
// idx to them.
func (r *Registry) writeDeps(idx uint32, m Module, inverse []string) error {
	ddOff, ddCount, err := r.writeDataDeps(m.DataDeps)
	if err != nil {
		return err
	}
	invOff, invCount, err := r.writeStringList(inverse)
	if err != nil {
		return err
	}
	opOff, opCount, err := r.writeOpDeps(m.OpDeps)
	if err != nil {
		return err
	}
	rec := r.main.Bytes()[recordOffset(idx) : recordOffset(idx)+layout.ModuleRecordSize]
	binary.LittleEndian.PutUint32(rec[layout.ModDataDepOffset:], ddOff)
	binary.LittleEndian.PutUint32(rec[layout.ModDataDepCount:], ddCount)
	binary.LittleEndian.PutUint32(rec[layout.ModInvDepOffset:], invOff)
	binary.LittleEndian.PutUint32(rec[layout.ModInvDepCount:], invCount)
	binary.LittleEndian.PutUint32(rec[layout.ModOpDepOffset:], opOff)
	binary.LittleEndian.PutUint32(rec[layout.ModOpDepCount:], opCount)
	return nil
}

// AddModules installs new module records. The main region is grown
// once to fit every new record, names and feature lists are emitted
// first so dependency records can reference modules by offset, then
// every existing module's dependency tables are dropped (their bytes
// credited to the wasted tally) and the dependency set is re-emitted
// for all modules, old plus new. Adding a module can introduce inverse
// dependencies into previously existing modules, so rebuilding the
// whole set is cheaper than diffing it.
//
// A sizing pass computes the exact number of arena bytes the rebuild
// will append before anything is written; a tail mismatch after
// population aborts with an internal error.
func (r *Registry) AddModules(mods []Module) error {
	if len(mods) == 0 {
		return nil
	}
	for _, m := range mods {
		if _, ok, err := r.FindModule(m.Name); err != nil {
			return err
		} else if ok {
			return shmerr.New("registry.AddModules", shmerr.Internal, fmt.Errorf("module %q already registered", m.Name))
		}
	}

	oldCount := r.moduleCount()
	all := make([]Module, 0, int(oldCount)+len(mods))
	for i := uint32(0); i < oldCount; i++ {
		m, err := r.decodeAt(i)
		if err != nil {
			return err
		}
		all = append(all, m)
	}
	existing := all
	all = append(all, mods...)

	oldNames := make(map[string]bool, len(existing))
	for _, m := range existing {
		oldNames[m.Name] = true
	}
	allNames := make(map[string]bool, len(all))
	inverse := make(map[string][]string, len(all))
	for _, m := range all {
		allNames[m.Name] = true
		for _, dep := range m.DataDeps {
			inverse[dep.Module] = append(inverse[dep.Module], m.Name)
		}
	}

	var need uint64
	for _, m := range mods {
		need += uint64(len(m.Name)) + 1
		need += stringListBytes(m.Features)
	}
	for _, m := range all {
		need += dataDepBytes(m.DataDeps, allNames)
		need += stringListBytes(inverse[m.Name])
		need += opDepBytes(m.OpDeps)
	}
	predicted := uint64(r.arena.Size()) + need

	if err := r.ensureCapacity(oldCount + uint32(len(mods))); err != nil {
		return err
	}

	// The dropped tables were written against the pre-add module set;
	// module references that resolved then shared the referenced
	// module's name string, which stays live, so only unshared copies
	// count as waste.
	for i, m := range existing {
		r.arena.AddWasted(depBytes(m, oldNames))
		rec := r.main.Bytes()[recordOffset(uint32(i)) : recordOffset(uint32(i))+layout.ModuleRecordSize]
		for _, field := range []int{
			layout.ModDataDepOffset, layout.ModDataDepCount,
			layout.ModInvDepOffset, layout.ModInvDepCount,
			layout.ModOpDepOffset, layout.ModOpDepCount,
		} {
			binary.LittleEndian.PutUint32(rec[field:], 0)
		}
	}

	for i, m := range mods {
		idx := oldCount + uint32(i)
		rec := r.main.Bytes()[recordOffset(idx) : recordOffset(idx)+layout.ModuleRecordSize]
		for j := range rec {
			rec[j] = 0
		}
		if err := r.encodeCore(rec, m); err != nil {
			return err
		}
	}
	r.setModuleCount(oldCount + uint32(len(mods)))

	for i, m := range all {
		if err := r.writeDeps(uint32(i), m, inverse[m.Name]); err != nil {
			return err
		}
	}

	if got := uint64(r.arena.Size()); got != predicted {
		return shmerr.Internalf("registry.AddModules", "arena tail %d does not match sized %d", got, predicted)
	}
	return nil
}

// UpdateReplaySupport flips the replay-support bit for module name
// and bumps its version; a metadata-only update that does not touch
// dependency tables.
func (r *Registry) UpdateReplaySupport(name string, enabled bool) error {
	idx, ok, err := r.FindModule(name)
	if err != nil {
		return err
	}
	if !ok {
		return shmerr.NotFoundf("registry.UpdateReplaySupport", "module %q not registered", name)
	}
	rec := r.main.Bytes()[recordOffset(idx) : recordOffset(idx)+layout.ModuleRecordSize]
	if enabled {
		rec[layout.ModFlags] |= 1
	} else {
		rec[layout.ModFlags] &^= 1
	}
	version := binary.LittleEndian.Uint32(rec[layout.ModVersion:])
	binary.LittleEndian.PutUint32(rec[layout.ModVersion:], version+1)
	return nil
}

// ---------------------------------------------------------------------------
// Global RPC table (header-referenced).
// ---------------------------------------------------------------------------

// RPC is the decoded form of one RPCRecord.
type RPC struct {
	OpPath string
	Subs   []uint64 // event-pipe ids
	// OpPathOffset and SubsOffset are the arena offsets of the path
	// string and the Subs array backing this record, exposed for
	// internal/debugdump's span enumeration.
	OpPathOffset uint32
	SubsOffset   uint32
}

func (r *Registry) rpcTable() (offset, count uint32) {
	return binary.LittleEndian.Uint32(r.main.Bytes()[layout.HeaderRPCTableOffset:]),
		binary.LittleEndian.Uint32(r.main.Bytes()[layout.HeaderRPCTableCount:])
}

// RPCTableHeader returns the RPC table's arena offset and length, used
// by internal/debugdump to report the table itself as a live span.
func (r *Registry) RPCTableHeader() (offset, count uint32) { return r.rpcTable() }

// RehomeRPCTable overwrites the RPC-table header pointer directly.
// Only internal/defrag calls this, after rewriting the RPC table into
// a freshly compacted arena buffer.
func (r *Registry) RehomeRPCTable(offset, count uint32) {
	r.setRPCTable(offset, count)
}

func (r *Registry) setRPCTable(offset, count uint32) {
	binary.LittleEndian.PutUint32(r.main.Bytes()[layout.HeaderRPCTableOffset:], offset)
	binary.LittleEndian.PutUint32(r.main.Bytes()[layout.HeaderRPCTableCount:], count)
}

// ListRPCs returns every registered RPC operation path.
func (r *Registry) ListRPCs() ([]RPC, error) {
	offset, count := r.rpcTable()
	if offset == arena.Absent || count == 0 {
		return nil, nil
	}
	raw, err := r.arena.ReadBytes(offset, count*layout.RPCRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]RPC, count)
	for i := uint32(0); i < count; i++ {
		rec := raw[i*layout.RPCRecordSize:]
		pathOff := binary.LittleEndian.Uint32(rec[0:])
		subOff := binary.LittleEndian.Uint32(rec[4:])
		subCount := binary.LittleEndian.Uint32(rec[8:])
		path, err := r.arena.ReadString(pathOff)
		if err != nil {
			return nil, err
		}
		subs := make([]uint64, subCount)
		if subOff != arena.Absent {
			subRaw, err := r.arena.ReadBytes(subOff, subCount*layout.RPCSubRecordSize)
			if err != nil {
				return nil, err
			}
			for j := uint32(0); j < subCount; j++ {
				subs[j] = binary.LittleEndian.Uint64(subRaw[j*8:])
			}
		}
		out[i] = RPC{OpPath: path, Subs: subs, OpPathOffset: pathOff, SubsOffset: subOff}
	}
	return out, nil
}

// AddRPC registers evPipeID as a subscriber of opPath, creating the
// RPC's table entry the first time it is subscribed.
func (r *Registry) AddRPC(opPath string, evPipeID uint64) error {
	rpcs, err := r.ListRPCs()
	if err != nil {
		return err
	}
	for i := range rpcs {
		if rpcs[i].OpPath == opPath {
			rpcs[i].Subs = append(rpcs[i].Subs, evPipeID)
			return r.rewriteRPCTable(rpcs)
		}
	}
	rpcs = append(rpcs, RPC{OpPath: opPath, Subs: []uint64{evPipeID}})
	return r.rewriteRPCTable(rpcs)
}

// RemoveRPC drops evPipeID from opPath's subscriber list, removing the
// RPC entry entirely once it has no subscribers left.
func (r *Registry) RemoveRPC(opPath string, evPipeID uint64) error {
	rpcs, err := r.ListRPCs()
	if err != nil {
		return err
	}
	out := rpcs[:0]
	for _, rpc := range rpcs {
		if rpc.OpPath == opPath {
			subs := rpc.Subs[:0]
			for _, id := range rpc.Subs {
				if id != evPipeID {
					subs = append(subs, id)
				}
			}
			if len(subs) == 0 {
				continue
			}
			rpc.Subs = subs
		}
		out = append(out, rpc)
	}
	return r.rewriteRPCTable(out)
}

// RemoveRPCByOffset is the offset-keyed mode of RemoveRPC, for callers
// holding the op-path as an arena offset rather than a string.
func (r *Registry) RemoveRPCByOffset(opPathOffset uint32, evPipeID uint64) error {
	path, err := r.arena.ReadString(opPathOffset)
	if err != nil {
		return err
	}
	return r.RemoveRPC(path, evPipeID)
}

// rpcTableWasted totals the bytes the current RPC table occupies: the
// record array, each op-path string, and each subscriber array. All of
// it is abandoned when the table is rewritten to the tail.
func (r *Registry) rpcTableWasted() (uint64, error) {
	offset, count := r.rpcTable()
	if offset == arena.Absent || count == 0 {
		return 0, nil
	}
	rpcs, err := r.ListRPCs()
	if err != nil {
		return 0, err
	}
	wasted := uint64(count) * uint64(layout.RPCRecordSize)
	for _, rpc := range rpcs {
		wasted += uint64(len(rpc.OpPath)) + 1
		wasted += uint64(len(rpc.Subs)) * layout.RPCSubRecordSize
	}
	return wasted, nil
}

// rewriteRPCTable appends a fresh copy of the RPC table to the arena
// and swaps the header pointer, crediting every byte of the previous
// table to the wasted tally.
func (r *Registry) rewriteRPCTable(rpcs []RPC) error {
	oldWasted, err := r.rpcTableWasted()
	if err != nil {
		return err
	}
	if len(rpcs) == 0 {
		r.setRPCTable(arena.Absent, 0)
		r.arena.AddWasted(oldWasted)
		return nil
	}
	buf := make([]byte, len(rpcs)*layout.RPCRecordSize)
	for i, rpc := range rpcs {
		pathOff, err := r.arena.PutString(rpc.OpPath)
		if err != nil {
			return err
		}
		subBuf := make([]byte, len(rpc.Subs)*layout.RPCSubRecordSize)
		for j, id := range rpc.Subs {
			binary.LittleEndian.PutUint64(subBuf[j*8:], id)
		}
		var subOff uint32 = arena.Absent
		if len(rpc.Subs) > 0 {
			var err error
			subOff, err = r.arena.PutBytes(subBuf)
			if err != nil {
				return err
			}
		}
		rec := buf[i*layout.RPCRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:], pathOff)
		binary.LittleEndian.PutUint32(rec[4:], subOff)
		binary.LittleEndian.PutUint32(rec[8:], uint32(len(rpc.Subs)))
	}
	base, err := r.arena.PutBytes(buf)
	if err != nil {
		return err
	}
	r.arena.AddWasted(oldWasted)
	r.setRPCTable(base, uint32(len(rpcs)))
	return nil
}
