package conntab_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/arena"
	"github.com/dineshreddyk/sysrepo-go/internal/conntab"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/registry"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

type fixture struct {
	conns *conntab.Table
	subs  *conntab.Subs
	reg   *registry.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	mainRegion, _, err := shmio.Open(shmio.Options{Path: filepath.Join(dir, "main"), MinSize: layout.HeaderSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mainRegion.Clear() })

	arenaRegion, _, err := shmio.Open(shmio.Options{Path: filepath.Join(dir, "arena"), MinSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = arenaRegion.Clear() })

	a := arena.New(arenaRegion)
	reg := registry.New(mainRegion, a)
	return fixture{
		conns: conntab.New(mainRegion, a),
		subs:  conntab.NewSubs(reg),
		reg:   reg,
	}
}

func TestConnTable_AddFindRemove(t *testing.T) {
	f := newFixture(t)

	idx, err := f.conns.Add(1001, 4242)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)

	found, ok, err := f.conns.Find(1001, 4242)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idx, found)

	_, ok, err = f.conns.Find(1001, 4243)
	require.NoError(t, err)
	assert.False(t, ok, "find must match on the (handle, pid) pair")

	require.NoError(t, f.conns.Remove(1001, 4242))
	_, ok, err = f.conns.Find(1001, 4242)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnTable_EvPipeLifecycle(t *testing.T) {
	f := newFixture(t)
	_, err := f.conns.Add(1, 100)
	require.NoError(t, err)

	require.NoError(t, f.conns.AddEvPipe(1, 7))
	require.NoError(t, f.conns.AddEvPipe(1, 8))

	conns, err := f.conns.List()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.ElementsMatch(t, []uint64{7, 8}, conns[0].EvPipes)

	require.NoError(t, f.conns.RemoveEvPipe(1, 7))
	conns, err = f.conns.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{8}, conns[0].EvPipes)

	err = f.conns.RemoveEvPipe(1, 7)
	assert.Error(t, err, "removing an absent event pipe must fail")
}

func TestConnTable_SetLockTracksReadDepth(t *testing.T) {
	f := newFixture(t)
	_, err := f.conns.Add(1, 100)
	require.NoError(t, err)

	require.NoError(t, f.conns.SetLock(1, 100, layout.LockRead, 3))

	conns, err := f.conns.List()
	require.NoError(t, err)
	assert.Equal(t, layout.LockRead, conns[0].LockKind)
	assert.Equal(t, uint32(3), conns[0].ReadDepth)
}

func TestSubs_ChangeSubAddRemoveByKey(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.AddModules([]registry.Module{{Name: "ietf-interfaces"}}))

	require.NoError(t, f.subs.AddChangeSub(0, layout.DatastoreRunning, conntab.ChangeSub{
		Xpath: "/ietf-interfaces:interfaces", Priority: 5, EvPipeID: 9,
	}))
	subs, err := f.subs.ChangeSubs(0, layout.DatastoreRunning)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.NoError(t, f.subs.RemoveChangeSub(0, layout.DatastoreRunning, "/ietf-interfaces:interfaces", 5))
	subs, err = f.subs.ChangeSubs(0, layout.DatastoreRunning)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubs_RemoveByEvPipeCascadesAcrossDatastores(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.AddModules([]registry.Module{{Name: "m"}}))

	require.NoError(t, f.subs.AddChangeSub(0, layout.DatastoreRunning, conntab.ChangeSub{Xpath: "/x", EvPipeID: 1}))
	require.NoError(t, f.subs.AddChangeSub(0, layout.DatastoreCandidate, conntab.ChangeSub{Xpath: "/y", EvPipeID: 1}))
	require.NoError(t, f.subs.AddOperSub(0, conntab.OperSub{Xpath: "/z", EvPipeID: 1}))

	require.NoError(t, f.subs.RemoveChangeSubsByEvPipe(0, 1))
	require.NoError(t, f.subs.RemoveOperSubsByEvPipe(0, 1))

	running, err := f.subs.ChangeSubs(0, layout.DatastoreRunning)
	require.NoError(t, err)
	assert.Empty(t, running)

	candidate, err := f.subs.ChangeSubs(0, layout.DatastoreCandidate)
	require.NoError(t, err)
	assert.Empty(t, candidate)

	oper, err := f.subs.OperSubs(0)
	require.NoError(t, err)
	assert.Empty(t, oper)
}
