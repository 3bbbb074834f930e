package sidecar

import (
	"net"
	"sync"
)

// processSession is a live process-stream attached to one guest-agent
// connection, keyed by processID in the server's session map (spec §4.7,
// §5 "Process-session map in the sidecar: guarded by a lock").
type processSession struct {
	processID string
	agentConn net.Conn
	writeMu   sync.Mutex
}

func (s *processSession) writeLocked(fn func(net.Conn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn(s.agentConn)
}

type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*processSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*processSession)}
}

func (t *sessionTable) put(s *processSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.processID] = s
}

func (t *sessionTable) get(id string) (*processSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}
