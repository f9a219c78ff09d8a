package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vegasmandawg/sonia-core/internal/store"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(context.Background(), filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestCreateAndGet(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user1", "conv1", "default")
	require.NoError(t, err)
	require.Equal(t, store.SessionActive, s.Status)

	got, err := m.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, s.SessionID, got.SessionID)
}

func TestTouchBumpsActivityAndTurnCount(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user1", "conv1", "default")
	require.NoError(t, err)

	at := time.Now().Add(time.Minute)
	require.NoError(t, m.Touch(ctx, s.SessionID, at))

	got, err := m.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, got.TurnCount)
}

func TestEndIsIdempotent(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user1", "conv1", "default")
	require.NoError(t, err)

	require.NoError(t, m.End(ctx, s.SessionID, time.Now()))
	require.NoError(t, m.End(ctx, s.SessionID, time.Now()))

	got, err := m.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionClosed, got.Status)
}

func TestTouchOnEndedSessionFails(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user1", "conv1", "default")
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, s.SessionID, time.Now()))

	err = m.Touch(ctx, s.SessionID, time.Now())
	require.ErrorIs(t, err, ErrEnded)
}

func TestRestoreReloadsActiveSessions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db1, err := store.Open(ctx, filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	m1 := New(db1)
	s, err := m1.Create(ctx, "user1", "conv1", "default")
	require.NoError(t, err)
	db1.Close()

	db2, err := store.Open(ctx, filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })
	m2 := New(db2)
	require.NoError(t, m2.Restore(ctx))

	got, err := m2.Get(s.SessionID)
	require.NoError(t, err)
	require.Equal(t, s.SessionID, got.SessionID)
}

func TestGetUnknownSession(t *testing.T) {
	m := openTestManager(t)
	_, err := m.Get("nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}
