// Package session keeps the sequences opened through the preview server,
// each identified by a random UUID.
package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Imagefi/openfx-io/reader"
)

// Session is one opened sequence.
type Session struct {
	ID       string
	Name     string
	Reader   *reader.Reader
	OpenedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the session is removed.
func (s *Session) Context() context.Context { return s.ctx }

// Manager tracks open sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty manager. If log is nil, slog.Default() is
// used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Open registers r under a new ID.
func (m *Manager) Open(name string, r *reader.Reader) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Reader:   r,
		OpenedAt: time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("session opened", "id", s.ID, "name", name)
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove closes the session with id, reporting whether it existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		s.cancel()
		m.log.Info("session removed", "id", id)
	}
	return ok
}

// List returns all sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int { return a.OpenedAt.Compare(b.OpenedAt) })
	return out
}

// Close removes every session.
func (m *Manager) Close() {
	for _, s := range m.List() {
		m.Remove(s.ID)
	}
}
