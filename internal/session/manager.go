// Package session implements the durable session manager (C8, sessions
// half): an in-memory cache of active sessions backed by the durable store,
// restored on startup, with an explicit create/touch/end lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/idgen"
	"github.com/vegasmandawg/sonia-core/internal/store"
)

var (
	// ErrNotFound indicates a session id is unknown to the manager.
	ErrNotFound = errors.New("session not found")
	// ErrEnded indicates the session exists but is terminal.
	ErrEnded = errors.New("session ended")
)

// Manager owns session lifecycle and write-through persistence. Reads are
// served from an in-memory cache; every mutation is persisted to the
// durable store before the cache is updated, so a crash between the two
// always loses the in-memory side, never the durable one.
type Manager struct {
	db *store.DB

	mu    sync.RWMutex
	cache map[string]store.Session
}

// New constructs a Manager backed by db.
func New(db *store.DB) *Manager {
	return &Manager{db: db, cache: make(map[string]store.Session)}
}

// Restore loads all active sessions from the durable store into the cache.
// Call this once at startup before serving traffic.
func (m *Manager) Restore(ctx context.Context) error {
	sessions, err := m.db.LoadActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		m.cache[s.SessionID] = s
	}
	return nil
}

// Create opens a new session for userID/conversationID/profile and persists
// it durably before returning.
func (m *Manager) Create(ctx context.Context, userID, conversationID, profile string) (store.Session, error) {
	now := time.Now().UTC()
	s := store.Session{
		SessionID:      idgen.New(idgen.PrefixSession),
		UserID:         userID,
		ConversationID: conversationID,
		Profile:        profile,
		Status:         store.SessionActive,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := m.db.PersistSession(ctx, s); err != nil {
		return store.Session{}, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.cache[s.SessionID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns a cached session by id.
func (m *Manager) Get(sessionID string) (store.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cache[sessionID]
	if !ok {
		return store.Session{}, ErrNotFound
	}
	return s, nil
}

// Touch records turn activity: bumps last_activity and turn count, durably
// then in the cache.
func (m *Manager) Touch(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	s, ok := m.cache[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.Status != store.SessionActive {
		m.mu.Unlock()
		return ErrEnded
	}
	newCount := s.TurnCount + 1
	m.mu.Unlock()

	if err := m.db.UpdateSession(ctx, sessionID, store.UpdateSessionFields{
		LastActivity: &at,
		TurnCount:    &newCount,
	}); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s = m.cache[sessionID]
	s.LastActivity = at
	s.TurnCount = newCount
	m.cache[sessionID] = s
	return nil
}

// End closes a session. Idempotent: ending an already-ended session is a
// no-op returning nil.
func (m *Manager) End(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.RLock()
	s, ok := m.cache[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if s.Status != store.SessionActive {
		return nil
	}

	status := store.SessionClosed
	if err := m.db.UpdateSession(ctx, sessionID, store.UpdateSessionFields{Status: &status}); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s = m.cache[sessionID]
	s.Status = store.SessionClosed
	m.cache[sessionID] = s
	return nil
}

// Active returns a snapshot of every cached session currently active.
func (m *Manager) Active() []store.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Session, 0, len(m.cache))
	for _, s := range m.cache {
		if s.Status == store.SessionActive {
			out = append(out, s)
		}
	}
	return out
}
