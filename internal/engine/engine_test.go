package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/conntab"
	"github.com/dineshreddyk/sysrepo-go/internal/dispatch"
	"github.com/dineshreddyk/sysrepo-go/internal/engine"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/registry"
	"github.com/dineshreddyk/sysrepo-go/internal/reqpool"
)

func chdirTemp(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "repo")

	cfgYAML := "repo:\n" +
		"  path: " + repoPath + "\n" +
		"  main_min_size: 4096\n" +
		"  arena_min_size: 4096\n" +
		"  lock_timeout: 2s\n" +
		"  startup_dir: " + filepath.Join(dir, "startup") + "\n" +
		"  notif_dir: " + filepath.Join(dir, "notifications") + "\n" +
		"  yang_dir: " + filepath.Join(dir, "yang") + "\n" +
		"pool:\n" +
		"  workers: 2\n" +
		"  queue_depth: 16\n" +
		"metrics:\n" +
		"  enabled: false\n" +
		"logging:\n" +
		"  level: error\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sysrepo-shmd.yaml"), []byte(cfgYAML), 0o600))

	chdirTemp(t, dir)

	eng, err := engine.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestEngine_NewWiresUpAllCollaborators(t *testing.T) {
	eng := newTestEngine(t)

	assert.Equal(t, 2, eng.Config.Pool.Workers)
	assert.NotEmpty(t, eng.InstanceID)
	assert.NotNil(t, eng.Registry)
	assert.NotNil(t, eng.Conns)
	assert.NotNil(t, eng.Sessions)
	assert.NotNil(t, eng.Sweeper)
	assert.NotNil(t, eng.Defrag)
	assert.NotNil(t, eng.Pool)
}

func TestEngine_StartDispatchesSubmittedRequests(t *testing.T) {
	eng := newTestEngine(t)

	eng.Dispatch.Register(dispatch.OpListSchemas, func(ctx context.Context, sessionID uint64, payload any) (any, error) {
		return []string{"ietf-interfaces"}, nil
	})
	eng.Start()

	reply := make(chan reqpool.Response, 1)
	require.NoError(t, eng.Pool.Submit(&reqpool.Message{Op: string(dispatch.OpListSchemas), SessionID: 1, Reply: reply}))
	var resp reqpool.Response
	select {
	case resp = <-reply:
	case <-time.After(5 * time.Second):
		t.Fatal("submitted request was not dispatched")
	}
	require.NoError(t, resp.Err)
	assert.Equal(t, []string{"ietf-interfaces"}, resp.Data)
}

func TestEngine_RunLivenessSweepReclaimsDeadConnections(t *testing.T) {
	eng := newTestEngine(t)
	eng.Start()

	_, err := eng.Conns.Add(1, 0x7ffffffd) // a pid that is not alive
	require.NoError(t, err)

	report, err := eng.RunLivenessSweep(context.Background(), uint32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)
}

func TestEngine_RunDefragCompactsArena(t *testing.T) {
	eng := newTestEngine(t)
	eng.Start()

	require.NoError(t, eng.Registry.AddModules([]registry.Module{{Name: "ietf-interfaces"}}))
	require.NoError(t, eng.Subs.AddChangeSub(0, layout.DatastoreRunning, conntab.ChangeSub{Xpath: "/x", EvPipeID: 1}))
	require.NoError(t, eng.Subs.RemoveChangeSub(0, layout.DatastoreRunning, "/x", 0))

	wastedBefore := eng.Arena.WastedBytes()
	require.Greater(t, wastedBefore, uint64(0))

	require.NoError(t, eng.RunDefrag(context.Background(), uint32(os.Getpid())))
	assert.Equal(t, uint64(0), eng.Arena.WastedBytes())
}

func TestEngine_CreatesDataDirectoriesOnInit(t *testing.T) {
	eng := newTestEngine(t)

	for _, dir := range []string{eng.Config.Repo.StartupDir, eng.Config.Repo.NotifDir, eng.Config.Repo.YangDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

// nopStorage satisfies dispatch.Storage for wiring tests; every
// datastore call succeeds with empty results.
type nopStorage struct{}

func (nopStorage) GetItem(ctx context.Context, xpath string) (dispatch.Item, error) {
	return dispatch.Item{Xpath: xpath}, nil
}
func (nopStorage) GetItems(ctx context.Context, req dispatch.GetItemsRequest) ([]dispatch.Item, error) {
	return nil, nil
}
func (nopStorage) SetItem(ctx context.Context, req dispatch.SetItemRequest) error       { return nil }
func (nopStorage) DeleteItem(ctx context.Context, req dispatch.DeleteItemRequest) error { return nil }
func (nopStorage) MoveItem(ctx context.Context, req dispatch.MoveItemRequest) error     { return nil }
func (nopStorage) Validate(ctx context.Context) ([]dispatch.ErrorDescriptor, error)     { return nil, nil }
func (nopStorage) Commit(ctx context.Context) ([]dispatch.ErrorDescriptor, error)       { return nil, nil }
func (nopStorage) DiscardChanges(ctx context.Context) error                             { return nil }

func TestEngine_SetStorageServesListSchemasFromRegistry(t *testing.T) {
	eng := newTestEngine(t)

	require.NoError(t, eng.Registry.AddModules([]registry.Module{
		{Name: "ietf-interfaces", Revision: "2018-02-20", Features: []string{"if-mib"}},
	}))
	eng.SetStorage(nopStorage{})

	got, err := eng.Dispatch.Dispatch(context.Background(), dispatch.OpListSchemas, 1, dispatch.ListSchemasRequest{})
	require.NoError(t, err)
	resp := got.(*dispatch.ListSchemasResponse)
	require.Len(t, resp.Schemas, 1)
	assert.Equal(t, "ietf-interfaces", resp.Schemas[0].Module)
	assert.Equal(t, "2018-02-20", resp.Schemas[0].Revision)
	assert.Equal(t, []string{"if-mib"}, resp.Schemas[0].Features)
}

func TestEngine_SeedsRunningDatastoresOnFirstAttach(t *testing.T) {
	dir := t.TempDir()
	repoPath := filepath.Join(dir, "repo")
	startupDir := filepath.Join(dir, "startup")
	require.NoError(t, os.MkdirAll(startupDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(startupDir, "ietf-interfaces"), []byte("startup-data"), 0o600))

	cfgYAML := "repo:\n" +
		"  path: " + repoPath + "\n" +
		"  startup_dir: " + startupDir + "\n" +
		"  notif_dir: " + filepath.Join(dir, "notifications") + "\n" +
		"  yang_dir: " + filepath.Join(dir, "yang") + "\n" +
		"metrics:\n" +
		"  enabled: false\n" +
		"logging:\n" +
		"  level: error\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sysrepo-shmd.yaml"), []byte(cfgYAML), 0o600))
	chdirTemp(t, dir)

	eng, err := engine.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	data, err := os.ReadFile(repoPath + ".run.ietf-interfaces")
	require.NoError(t, err)
	assert.Equal(t, []byte("startup-data"), data)
}
