package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(context.Background(), filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	s := Session{
		SessionID: "ses_1", UserID: "u1", ConversationID: "c1", Profile: "default",
		Status: SessionActive, CreatedAt: now, LastActivity: now, TurnCount: 0,
		Metadata: map[string]any{"k": "v"},
	}
	require.NoError(t, db.PersistSession(ctx, s))

	loaded, err := db.LoadActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "ses_1", loaded[0].SessionID)
	require.Equal(t, "v", loaded[0].Metadata["k"])

	newCount := 3
	require.NoError(t, db.UpdateSession(ctx, "ses_1", UpdateSessionFields{TurnCount: &newCount}))
	loaded, err = db.LoadActiveSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, loaded[0].TurnCount)
}

func TestConfirmationCompareAndSwap(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	c := Confirmation{
		ConfirmationID: "conf_1", SessionID: "ses_1", TurnID: "turn_1", ToolName: "shell.exec",
		Args: map[string]any{"cmd": "ls"}, Summary: "list files", Status: ConfirmationPending,
		CreatedAt: now, TTLSeconds: 120,
	}
	require.NoError(t, db.PersistConfirmation(ctx, c))

	pending, err := db.LoadPendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, db.UpdateConfirmation(ctx, "conf_1", ConfirmationPending, ConfirmationApproved, time.Now()))

	// Second decision on the same id must fail — pending->approved already consumed.
	err = db.UpdateConfirmation(ctx, "conf_1", ConfirmationPending, ConfirmationDenied, time.Now())
	require.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestIdempotencyKeyTTL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PersistIdempotencyKey(ctx, "key-1", "act_1", map[string]any{"ok": true}, 50*time.Millisecond))

	got, err := db.GetIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "act_1", got.ActionID)

	time.Sleep(100 * time.Millisecond)
	got, err = db.GetIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOutboxFIFO(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnqueueOutbox(ctx, "obx_1", "turn_memory_write", map[string]any{"n": 1}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, db.EnqueueOutbox(ctx, "obx_2", "turn_memory_write", map[string]any{"n": 2}))

	pending, err := db.GetPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "obx_1", pending[0].OutboxID)

	require.NoError(t, db.MarkDelivered(ctx, "obx_1"))
	pending, err = db.GetPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "obx_2", pending[0].OutboxID)
}
