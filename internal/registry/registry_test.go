package registry_test

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/arena"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/registry"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

func openRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	mainRegion, _, err := shmio.Open(shmio.Options{Path: filepath.Join(dir, "main"), MinSize: layout.HeaderSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mainRegion.Clear() })

	arenaRegion, _, err := shmio.Open(shmio.Options{Path: filepath.Join(dir, "arena"), MinSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = arenaRegion.Clear() })

	return registry.New(mainRegion, arena.New(arenaRegion))
}

func TestRegistry_AddAndFindModule(t *testing.T) {
	reg := openRegistry(t)

	err := reg.AddModules([]registry.Module{{
		Name:     "ietf-interfaces",
		Revision: "2018-02-20",
		Features: []string{"if-mib"},
	}})
	require.NoError(t, err)

	idx, ok, err := reg.FindModule("ietf-interfaces")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), idx)

	m, err := reg.ModuleAt(idx)
	require.NoError(t, err)
	assert.Equal(t, "ietf-interfaces", m.Name)
	assert.Equal(t, "2018-02-20", m.Revision)
	assert.Equal(t, []string{"if-mib"}, m.Features)
}

func TestRegistry_DataDepsShareTheReferencedModulesNameOffset(t *testing.T) {
	reg := openRegistry(t)
	require.NoError(t, reg.AddModules([]registry.Module{{Name: "ietf-interfaces"}}))
	require.NoError(t, reg.AddModules([]registry.Module{{
		Name: "ietf-ip",
		DataDeps: []registry.DataDep{
			{Type: layout.DataDepTypeREF, Module: "ietf-interfaces", Xpath: "/x"},
		},
	}}))

	ipIdx, ok, err := reg.FindModule("ietf-ip")
	require.NoError(t, err)
	require.True(t, ok)
	ifIdx, ok, err := reg.FindModule("ietf-interfaces")
	require.NoError(t, err)
	require.True(t, ok)

	// The dependency record's referenced-module field must hold the
	// referenced module's own name offset, so the offset-mode lookup
	// resolves it without a string comparison.
	ipRec, err := reg.RecordAt(ipIdx)
	require.NoError(t, err)
	ddOff := binary.LittleEndian.Uint32(ipRec[layout.ModDataDepOffset:])
	ddRec, err := reg.Arena().ReadBytes(ddOff, layout.DataDepRecordSize)
	require.NoError(t, err)
	modOff := binary.LittleEndian.Uint32(ddRec[4:])

	ifRec, err := reg.RecordAt(ifIdx)
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian.Uint32(ifRec[layout.ModNameOffset:]), modOff)

	idx, ok := reg.FindModuleByOffset(modOff)
	require.True(t, ok)
	assert.Equal(t, ifIdx, idx)

	_, ok = reg.FindModuleByOffset(modOff + 1)
	assert.False(t, ok)
}

func TestRegistry_SingleModuleAddLeavesNoWaste(t *testing.T) {
	reg := openRegistry(t)

	require.NoError(t, reg.AddModules([]registry.Module{{
		Name:     "m1",
		Features: []string{"f1"},
		DataDeps: []registry.DataDep{{Type: layout.DataDepTypeREF, Module: "m1"}},
	}}))

	idx, ok, err := reg.FindModule("m1")
	require.NoError(t, err)
	require.True(t, ok)

	m, err := reg.ModuleAt(idx)
	require.NoError(t, err)
	assert.Len(t, m.Features, 1)
	assert.Len(t, m.DataDeps, 1)
	assert.Equal(t, uint64(0), reg.Arena().WastedBytes())
}

func TestRegistry_AddModulesRejectsDuplicateName(t *testing.T) {
	reg := openRegistry(t)
	require.NoError(t, reg.AddModules([]registry.Module{{Name: "a"}}))

	err := reg.AddModules([]registry.Module{{Name: "a"}})
	assert.Error(t, err)
}

func TestRegistry_InverseDependenciesRebuildOnAdd(t *testing.T) {
	reg := openRegistry(t)

	require.NoError(t, reg.AddModules([]registry.Module{{Name: "ietf-interfaces"}}))
	require.NoError(t, reg.AddModules([]registry.Module{{
		Name: "ietf-ip",
		DataDeps: []registry.DataDep{
			{Type: layout.DataDepTypeREF, Module: "ietf-interfaces", Xpath: "/ietf-interfaces:interfaces/interface"},
		},
	}}))

	idx, ok, err := reg.FindModule("ietf-interfaces")
	require.NoError(t, err)
	require.True(t, ok)

	m, err := reg.ModuleAt(idx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ietf-ip"}, m.InverseDeps)
}

func TestRegistry_UpdateReplaySupportBumpsVersion(t *testing.T) {
	reg := openRegistry(t)
	require.NoError(t, reg.AddModules([]registry.Module{{Name: "a", Version: 1}}))

	require.NoError(t, reg.UpdateReplaySupport("a", true))

	idx, _, err := reg.FindModule("a")
	require.NoError(t, err)
	m, err := reg.ModuleAt(idx)
	require.NoError(t, err)
	assert.True(t, m.ReplaySupport)
	assert.Equal(t, uint32(2), m.Version)
}

func TestRegistry_RPCSubscribeAndUnsubscribe(t *testing.T) {
	reg := openRegistry(t)

	require.NoError(t, reg.AddRPC("/ietf-system:system-restart", 42))
	rpcs, err := reg.ListRPCs()
	require.NoError(t, err)
	require.Len(t, rpcs, 1)
	assert.Equal(t, []uint64{42}, rpcs[0].Subs)

	require.NoError(t, reg.RemoveRPC("/ietf-system:system-restart", 42))
	rpcs, err = reg.ListRPCs()
	require.NoError(t, err)
	assert.Empty(t, rpcs)
}
