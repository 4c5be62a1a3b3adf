package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var ErrMaxConnectionsReached = errors.New("maximum connections reached")

// ProbeSession is one identified probe stream
type ProbeSession struct {
	ConnectionID string
	ProbeID      int64
	ConnectedAt  time.Time
	Conn         net.Conn

	mu            sync.RWMutex
	lastHeardFrom time.Time
	writeMu       sync.Mutex
}

// Touch records activity on the session
func (s *ProbeSession) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeardFrom = at
}

func (s *ProbeSession) LastHeardFrom() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeardFrom
}

// Write sends one newline-terminated frame. Workers reply concurrently, so
// writes to the same connection are serialized here.
func (s *ProbeSession) Write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.Conn.Write(append(frame, '\n'))
	return err
}

// Manager tracks the active probe sessions
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*ProbeSession // key: connection id
	byProbe  map[int64][]string
	maxConns int
	now      func() time.Time
}

func NewManager(maxConnections int) *Manager {
	return &Manager{
		sessions: make(map[string]*ProbeSession),
		byProbe:  make(map[int64][]string),
		maxConns: maxConnections,
		now:      time.Now,
	}
}

// Register adds an identified session
func (m *Manager) Register(connectionID string, probeID int64, conn net.Conn) (*ProbeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxConns {
		return nil, ErrMaxConnectionsReached
	}
	if _, exists := m.sessions[connectionID]; exists {
		return nil, fmt.Errorf("connection ID %s already registered", connectionID)
	}

	now := m.now()
	session := &ProbeSession{
		ConnectionID:  connectionID,
		ProbeID:       probeID,
		ConnectedAt:   now,
		Conn:          conn,
		lastHeardFrom: now,
	}
	m.sessions[connectionID] = session
	m.byProbe[probeID] = append(m.byProbe[probeID], connectionID)
	return session, nil
}

func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[connectionID]
	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	ids := m.byProbe[session.ProbeID]
	for i, id := range ids {
		if id == connectionID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.byProbe, session.ProbeID)
	} else {
		m.byProbe[session.ProbeID] = ids
	}

	delete(m.sessions, connectionID)
	return nil
}

func (m *Manager) Get(connectionID string) (*ProbeSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[connectionID]
	return s, ok
}

// ByProbe returns a copy of the connection ids open for a probe
func (m *Manager) ByProbe(probeID int64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.byProbe[probeID]...)
}

func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	session, exists := m.sessions[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}
	session.Touch(m.now())
	return nil
}

// Inactive returns the sessions not heard from within timeout
func (m *Manager) Inactive(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var inactive []string
	for id, s := range m.sessions {
		if now.Sub(s.LastHeardFrom()) > timeout {
			inactive = append(inactive, id)
		}
	}
	return inactive
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

type ManagerStats struct {
	TotalConnections int
	UniqueProbes     int
	MaxConnections   int
}

func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ManagerStats{
		TotalConnections: len(m.sessions),
		UniqueProbes:     len(m.byProbe),
		MaxConnections:   m.maxConns,
	}
}

// Sessions returns a snapshot of every active session
func (m *Manager) Sessions() []*ProbeSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ProbeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
