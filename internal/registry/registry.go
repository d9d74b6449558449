// Package registry tracks the live protocol session of each instance.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/botfleet/orchestrator/internal/connector"
)

// Session is the in-memory handle of one running instance. It is never
// persisted.
type Session struct {
	InstanceID string
	OwnerID    string
	RunnerID   string
	StartedAt  time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    connector.Connection
	settled chan struct{}
	online  bool
	once    sync.Once
}

func NewSession(instanceID, ownerID, runnerID string, cancel context.CancelFunc) *Session {
	return &Session{
		InstanceID: instanceID,
		OwnerID:    ownerID,
		RunnerID:   runnerID,
		StartedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
		settled:    make(chan struct{}),
	}
}

// SetConn records the current connection; reconnects replace it.
func (s *Session) SetConn(conn connector.Connection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) Conn() connector.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Settle marks the first connect attempt as finished. Only the first call
// counts.
func (s *Session) Settle(online bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.online = online
		s.mu.Unlock()
		close(s.settled)
	})
}

// Settled is closed once the first connect attempt finished.
func (s *Session) Settled() <-chan struct{} {
	return s.settled
}

// Online reports the settled outcome of the first connect attempt.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Cancel asks the session goroutine to stop.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// MarkDone is called by the session goroutine when it exits.
func (s *Session) MarkDone() {
	close(s.done)
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Registry maps instance IDs to sessions, at most one per ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Put registers s unless a session already exists for id.
func (r *Registry) Put(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return false
	}
	r.sessions[id] = s
	return true
}

func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// RemoveIf removes the entry for id only while it still points at s.
func (r *Registry) RemoveIf(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] != s {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Owns reports whether s is the registered session for id.
func (r *Registry) Owns(id string, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id] == s
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the registered instance IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Drain removes and returns every session.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, id)
	}
	return out
}
