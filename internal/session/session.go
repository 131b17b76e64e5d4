// Package session implements the session manager: unique session ids
// and event-pipe ids issued from a pair of monotonic counters in the
// main-region header, with process-local indexes by session id, by
// owning connection, and by transport descriptor, so a connection
// teardown can cascade-drop every session it opened.
package session

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/shmerr"
	"github.com/dineshreddyk/sysrepo-go/internal/shmio"
)

// Session is one open client session.
type Session struct {
	ID            uint64
	ConnHandle    uint64
	Datastore     layout.Datastore
	RealUser      string
	EffectiveUser string
}

// ConnKind distinguishes the two transport roles a connection can have.
type ConnKind int

const (
	ConnClient ConnKind = iota
	ConnServer
)

// Buffer is a growable byte buffer with an explicit write cursor, the
// per-connection in/out staging area message encoding writes into.
type Buffer struct {
	data   []byte
	cursor int
}

// Write appends p at the cursor, growing the buffer as needed.
func (b *Buffer) Write(p []byte) {
	need := b.cursor + len(p)
	if need > len(b.data) {
		grown := make([]byte, max(need, 2*len(b.data)))
		copy(grown, b.data[:b.cursor])
		b.data = grown
	}
	copy(b.data[b.cursor:], p)
	b.cursor = need
}

// Bytes returns the written prefix of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.cursor] }

// Len reports the write cursor.
func (b *Buffer) Len() int { return b.cursor }

// Reset rewinds the cursor without releasing the backing storage.
func (b *Buffer) Reset() { b.cursor = 0 }

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Conn is the process-local connection context: transport kind, file
// descriptor, and the two staging buffers.
type Conn struct {
	Handle uint64
	Kind   ConnKind
	FD     int
	In     Buffer
	Out    Buffer
}

// Manager issues session/event-pipe ids and tracks open sessions and
// connections. Sessions themselves are process-local bookkeeping;
// only the id counters are shared cross-process, in the main header.
type Manager struct {
	main *shmio.Region

	mu         sync.Mutex
	byID       map[uint64]*Session
	byConn     map[uint64][]uint64
	conns      map[uint64]*Conn
	byFD       map[int]uint64
	nextHandle uint64
}

// New wraps an already-mapped main region.
func New(main *shmio.Region) *Manager {
	return &Manager{
		main:   main,
		byID:   make(map[uint64]*Session),
		byConn: make(map[uint64][]uint64),
		conns:  make(map[uint64]*Conn),
		byFD:   make(map[int]uint64),
	}
}

func qwordAt(buf []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[off]))
}

func (m *Manager) nextSessionID() uint64 {
	return atomic.AddUint64(qwordAt(m.main.Bytes(), layout.HeaderNextSessionID), 1)
}

// NextEvPipeID issues a fresh, globally unique event-pipe id.
func (m *Manager) NextEvPipeID() uint64 {
	return atomic.AddUint64(qwordAt(m.main.Bytes(), layout.HeaderNextEvPipeID), 1)
}

// CreateSession issues a new session bound to connHandle/ds,
// recording the caller's real and effective user identifiers.
func (m *Manager) CreateSession(connHandle uint64, ds layout.Datastore, realUser, effectiveUser string) *Session {
	s := &Session{
		ID:            m.nextSessionID(),
		ConnHandle:    connHandle,
		Datastore:     ds,
		RealUser:      realUser,
		EffectiveUser: effectiveUser,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = s
	m.byConn[connHandle] = append(m.byConn[connHandle], s.ID)
	return s
}

// DropSession removes a single session by id.
func (m *Manager) DropSession(id uint64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, shmerr.NotFoundf("session.DropSession", "session %d not found", id)
	}
	delete(m.byID, id)
	ids := m.byConn[s.ConnHandle]
	for i, sid := range ids {
		if sid == id {
			m.byConn[s.ConnHandle] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return s, nil
}

// SessionsForConn returns every open session owned by connHandle.
func (m *Manager) SessionsForConn(connHandle uint64) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byConn[connHandle]
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// FindSession returns the open session with the given id.
func (m *Manager) FindSession(id uint64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, shmerr.NotFoundf("session.FindSession", "session %d not found", id)
	}
	return s, nil
}

// StartConnection creates the process-local connection context for a
// freshly accepted transport descriptor and indexes it by fd.
func (m *Manager) StartConnection(kind ConnKind, fd int) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	c := &Conn{Handle: m.nextHandle, Kind: kind, FD: fd}
	m.conns[c.Handle] = c
	m.byFD[fd] = c.Handle
	return c
}

// FindConnByFD returns the connection owning the given descriptor.
func (m *Manager) FindConnByFD(fd int) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.byFD[fd]
	if !ok {
		return nil, shmerr.NotFoundf("session.FindConnByFD", "no connection for fd %d", fd)
	}
	return m.conns[handle], nil
}

// FindConn returns the connection context for handle.
func (m *Manager) FindConn(handle uint64) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[handle]
	if !ok {
		return nil, shmerr.NotFoundf("session.FindConn", "connection %d not found", handle)
	}
	return c, nil
}

// StopConnection drops the connection context and every session it
// owns, returning the dropped sessions so the caller can finish any
// deferred per-session cleanup.
func (m *Manager) StopConnection(connHandle uint64) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byConn[connHandle]
	dropped := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.byID[id]; ok {
			dropped = append(dropped, s)
			delete(m.byID, id)
		}
	}
	delete(m.byConn, connHandle)
	if c, ok := m.conns[connHandle]; ok {
		delete(m.byFD, c.FD)
		delete(m.conns, connHandle)
	}
	return dropped
}
