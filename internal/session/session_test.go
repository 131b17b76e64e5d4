package session_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/session"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

func openManager(t *testing.T) *session.Manager {
	t.Helper()
	region, _, err := shmio.Open(shmio.Options{Path: filepath.Join(t.TempDir(), "main"), MinSize: layout.HeaderSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Clear() })
	return session.New(region)
}

func TestManager_SessionIDsAreUniqueAndMonotonic(t *testing.T) {
	m := openManager(t)

	s1 := m.CreateSession(1, layout.DatastoreRunning, "alice", "alice")
	s2 := m.CreateSession(1, layout.DatastoreCandidate, "alice", "alice")

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Greater(t, s2.ID, s1.ID)
}

func TestManager_EvPipeIDsAreUniqueAndMonotonic(t *testing.T) {
	m := openManager(t)

	a := m.NextEvPipeID()
	b := m.NextEvPipeID()
	assert.Greater(t, b, a)
}

func TestManager_DropSessionRemovesItFromBothIndexes(t *testing.T) {
	m := openManager(t)
	s := m.CreateSession(1, layout.DatastoreRunning, "alice", "alice")

	dropped, err := m.DropSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, dropped.ID)

	assert.Empty(t, m.SessionsForConn(1))

	_, err = m.DropSession(s.ID)
	assert.Error(t, err)
}

func TestManager_FindSessionByID(t *testing.T) {
	m := openManager(t)
	s := m.CreateSession(1, layout.DatastoreRunning, "alice", "alice")

	got, err := m.FindSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = m.FindSession(s.ID + 100)
	assert.Error(t, err)
}

func TestManager_ConnectionLifecycleAndFDIndex(t *testing.T) {
	m := openManager(t)

	c := m.StartConnection(session.ConnClient, 17)
	require.NotNil(t, c)
	assert.Equal(t, session.ConnClient, c.Kind)
	assert.Equal(t, 17, c.FD)

	found, err := m.FindConnByFD(17)
	require.NoError(t, err)
	assert.Same(t, c, found)

	s := m.CreateSession(c.Handle, layout.DatastoreRunning, "alice", "alice")
	dropped := m.StopConnection(c.Handle)
	require.Len(t, dropped, 1)
	assert.Equal(t, s.ID, dropped[0].ID)

	_, err = m.FindConnByFD(17)
	assert.Error(t, err)
	_, err = m.FindConn(c.Handle)
	assert.Error(t, err)
}

func TestBuffer_WriteGrowsAndResetKeepsStorage(t *testing.T) {
	var b session.Buffer

	b.Write([]byte("hello"))
	b.Write([]byte(" world"))
	assert.Equal(t, []byte("hello world"), b.Bytes())
	assert.Equal(t, 11, b.Len())

	b.Reset()
	assert.Zero(t, b.Len())
	b.Write([]byte("x"))
	assert.Equal(t, []byte("x"), b.Bytes())
}

func TestManager_StopConnectionCascadesAllItsSessions(t *testing.T) {
	m := openManager(t)
	s1 := m.CreateSession(1, layout.DatastoreRunning, "alice", "alice")
	s2 := m.CreateSession(1, layout.DatastoreCandidate, "alice", "alice")
	other := m.CreateSession(2, layout.DatastoreRunning, "bob", "bob")

	dropped := m.StopConnection(1)
	assert.ElementsMatch(t, []uint64{s1.ID, s2.ID}, []uint64{dropped[0].ID, dropped[1].ID})

	assert.Empty(t, m.SessionsForConn(1))
	assert.Len(t, m.SessionsForConn(2), 1)
	assert.Equal(t, other.ID, m.SessionsForConn(2)[0].ID)
}
