// Package confirmation implements the single-use approval token manager
// (C8, confirmations half): mint a token for a tool call that policy marked
// CONFIRM, let the human approve or deny it exactly once, and expire it if
// the TTL lapses first.
package confirmation

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
	// ErrNotFound indicates the confirmation id is unknown.
	ErrNotFound = errors.New("confirmation not found")
	// ErrAlreadyDecided indicates the token was already approved, denied, or
	// expired and cannot be redeemed again.
	ErrAlreadyDecided = errors.New("confirmation already decided")
	// ErrExpired indicates the token's TTL has elapsed.
	ErrExpired = errors.New("confirmation expired")
)

const defaultTTL = 120 * time.Second

// Manager mints and redeems confirmation tokens, write-through to the
// durable store via compare-and-swap status transitions, the same CAS
// idiom the memory ledger uses for its version chain.
type Manager struct {
	db *store.DB

	mu    sync.Mutex
	cache map[string]store.Confirmation
}

// New constructs a Manager backed by db.
func New(db *store.DB) *Manager {
	return &Manager{db: db, cache: make(map[string]store.Confirmation)}
}

// Restore loads all pending confirmations into the cache. Call once at
// startup before serving traffic.
func (m *Manager) Restore(ctx context.Context) error {
	pending, err := m.db.LoadPendingConfirmations(ctx)
	if err != nil {
		return fmt.Errorf("restore confirmations: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range pending {
		m.cache[c.ConfirmationID] = c
	}
	return nil
}

// Mint creates a pending confirmation and persists it durably. ttl <= 0
// falls back to a 2 minute default. Implements executor.ApprovalMinter: the
// confirmation id itself is the bearer token, since it is single-use and
// opaque.
func (m *Manager) Mint(ctx context.Context, sessionID, turnID, toolName string, args map[string]any, summary string, ttl time.Duration) (actionID, token string, err error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := store.Confirmation{
		ConfirmationID: idgen.New(idgen.PrefixConfirmation),
		SessionID:      sessionID,
		TurnID:         turnID,
		ToolName:       toolName,
		Args:           args,
		Summary:        summary,
		Status:         store.ConfirmationPending,
		CreatedAt:      time.Now().UTC(),
		TTLSeconds:     int(ttl.Seconds()),
	}
	if err := m.db.PersistConfirmation(ctx, c); err != nil {
		return "", "", fmt.Errorf("persist confirmation: %w", err)
	}

	m.mu.Lock()
	m.cache[c.ConfirmationID] = c
	m.mu.Unlock()
	return c.ConfirmationID, c.ConfirmationID, nil
}

// Get returns a cached confirmation by id.
func (m *Manager) Get(confirmationID string) (store.Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cache[confirmationID]
	if !ok {
		return store.Confirmation{}, ErrNotFound
	}
	return c, nil
}

// Approve redeems a pending confirmation as approved.
func (m *Manager) Approve(ctx context.Context, confirmationID string) error {
	return m.decide(ctx, confirmationID, store.ConfirmationApproved)
}

// Deny redeems a pending confirmation as denied.
func (m *Manager) Deny(ctx context.Context, confirmationID string) error {
	return m.decide(ctx, confirmationID, store.ConfirmationDenied)
}

func (m *Manager) decide(ctx context.Context, confirmationID string, to store.ConfirmationStatus) error {
	m.mu.Lock()
	c, ok := m.cache[confirmationID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if c.Status != store.ConfirmationPending {
		return ErrAlreadyDecided
	}
	if c.TTLSeconds > 0 && time.Since(c.CreatedAt) > time.Duration(c.TTLSeconds)*time.Second {
		_ = m.expireLocked(ctx, c)
		return ErrExpired
	}

	decidedAt := time.Now().UTC()
	if err := m.db.UpdateConfirmation(ctx, confirmationID, store.ConfirmationPending, to, decidedAt); err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return ErrAlreadyDecided
		}
		return fmt.Errorf("update confirmation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c = m.cache[confirmationID]
	c.Status = to
	c.DecidedAt = &decidedAt
	m.cache[confirmationID] = c
	return nil
}

// ExpirePending scans the cache for pending confirmations whose TTL has
// elapsed and transitions them to expired. Intended to run on a periodic
// tick.
func (m *Manager) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	var due []store.Confirmation
	for _, c := range m.cache {
		if c.Status == store.ConfirmationPending && c.TTLSeconds > 0 &&
			now.Sub(c.CreatedAt) > time.Duration(c.TTLSeconds)*time.Second {
			due = append(due, c)
		}
	}
	m.mu.Unlock()

	expired := 0
	for _, c := range due {
		if err := m.expireLocked(ctx, c); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) expireLocked(ctx context.Context, c store.Confirmation) error {
	decidedAt := time.Now().UTC()
	err := m.db.UpdateConfirmation(ctx, c.ConfirmationID, store.ConfirmationPending, store.ConfirmationExpired, decidedAt)
	if err != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
		return fmt.Errorf("expire confirmation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.cache[c.ConfirmationID]
	if cur.Status == store.ConfirmationPending {
		cur.Status = store.ConfirmationExpired
		cur.DecidedAt = &decidedAt
		m.cache[c.ConfirmationID] = cur
	}
	return nil
}
