package main

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Ar7hurz1nh0/reverse-proxy/internal/obs"
	"github.com/Ar7hurz1nh0/reverse-proxy/internal/proto"
)

// session is one relayed byte stream: a public client socket bound to a
// session id. The matching backend socket lives on the starter.
type session struct {
	id      string
	port    uint16
	conn    net.Conn
	created time.Time

	// lastActive is guarded by the store mutex.
	lastActive time.Time

	// reasm is touched only by the control dispatch goroutine.
	reasm proto.Reassembler
}

// SessionStore abstracts the redirector-side session table so the optional
// Redis mirror can hook table mutations.
type SessionStore interface {
	add(s *session) error
	get(id string) *session
	remove(id string) *session
	touch(id string)
	expireIdle(maxAge time.Duration) []*session
	removeAll() []*session
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	getStats() (active int, total int64)
}

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	closing  bool
	ready    bool
	total    int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]*session)}
}

func (m *memoryStore) add(s *session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.id]; exists {
		return fmt.Errorf("session id already in table: %s", s.id)
	}
	m.sessions[s.id] = s
	m.total++
	obs.ActiveSessions.Set(float64(len(m.sessions)))
	return nil
}

func (m *memoryStore) get(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *memoryStore) remove(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	delete(m.sessions, id)
	obs.ActiveSessions.Set(float64(len(m.sessions)))
	return s
}

func (m *memoryStore) touch(id string) {
	m.mu.Lock()
	if s := m.sessions[id]; s != nil {
		s.lastActive = time.Now()
	}
	m.mu.Unlock()
}

// expireIdle removes and returns sessions idle longer than maxAge. The
// caller owns closing their sockets and notifying the peer.
func (m *memoryStore) expireIdle(maxAge time.Duration) []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var expired []*session
	for id, s := range m.sessions {
		if s.lastActive.Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	obs.ActiveSessions.Set(float64(len(m.sessions)))
	return expired
}

func (m *memoryStore) removeAll() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	obs.ActiveSessions.Set(0)
	return all
}

func (m *memoryStore) setClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStore) setReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *memoryStore) isClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *memoryStore) isReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *memoryStore) getStats() (int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), m.total
}
