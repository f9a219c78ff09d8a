package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vegasmandawg/sonia-core/internal/store"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(context.Background(), filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := New(db.Conn, nil)
	require.NoError(t, err)
	return l
}

func TestFactConflictTemporalOverlap(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t4 := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	res1, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Alice", "predicate": "lives_in", "object": "NYC", "confidence": 0.9,
	}, nil, &t1, &t2)
	require.NoError(t, err)
	require.True(t, res1.Valid)
	require.Empty(t, res1.Conflicts)

	res2, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Alice", "predicate": "lives_in", "object": "LA", "confidence": 0.9,
	}, nil, &t3, &t4)
	require.NoError(t, err)
	require.True(t, res2.Valid)
	require.Len(t, res2.Conflicts, 1)
	require.Equal(t, ConflictFactContradiction, res2.Conflicts[0].ConflictType)
	require.Equal(t, SeverityHigh, res2.Conflicts[0].Severity)

	conflicts, err := l.GetConflicts(ctx, ConflictFilters{})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}

func TestFactNoConflictWithoutOverlap(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t4 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	_, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Alice", "predicate": "lives_in", "object": "NYC", "confidence": 0.9,
	}, nil, &t1, &t2)
	require.NoError(t, err)

	res, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Alice", "predicate": "lives_in", "object": "LA", "confidence": 0.9,
	}, nil, &t3, &t4)
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
}

func TestVersionChainAndSupersede(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	res, err := l.Store(ctx, SubtypeProject, map[string]any{
		"project_id": "p1", "context_type": "note", "summary": "first summary", "tags": []any{"a"},
	}, nil, nil, nil)
	require.NoError(t, err)
	a := res.MemoryID

	b, err := l.CreateVersion(ctx, a, map[string]any{
		"project_id": "p1", "context_type": "note", "summary": "second summary", "tags": []any{"a", "b"},
	}, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	history, err := l.GetVersionHistory(ctx, a)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, a, history[0].ID)
	require.NotNil(t, history[0].SupersededBy)
	require.Equal(t, b, *history[0].SupersededBy)
	require.Equal(t, a, history[0].VersionChainHead)
	require.Equal(t, b, history[1].ID)
	require.Nil(t, history[1].SupersededBy)
	require.Equal(t, a, history[1].VersionChainHead)

	current, err := l.GetCurrentVersion(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, b, current.ID)
}

func TestCreateVersionConcurrencyConflict(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	res, err := l.Store(ctx, SubtypeProject, map[string]any{
		"project_id": "p1", "context_type": "note", "summary": "v1", "tags": []any{},
	}, nil, nil, nil)
	require.NoError(t, err)
	a := res.MemoryID

	_, err = l.CreateVersion(ctx, a, map[string]any{
		"project_id": "p1", "context_type": "note", "summary": "v2", "tags": []any{},
	}, nil, nil)
	require.NoError(t, err)

	_, err = l.CreateVersion(ctx, a, map[string]any{
		"project_id": "p1", "context_type": "note", "summary": "v2-conflicting", "tags": []any{},
	}, nil, nil)
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	history, err := l.GetVersionHistory(ctx, a)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestQueryFirstRowBypass(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	bigSummary := ""
	for i := 0; i < 5000; i++ {
		bigSummary += "x"
	}
	_, err := l.Store(ctx, SubtypeProject, map[string]any{
		"project_id": "p1", "context_type": "note", "summary": bigSummary, "tags": []any{},
	}, nil, nil, nil)
	require.NoError(t, err)

	result, err := l.Query(ctx, "", QueryFilters{Limit: 50, MaxChars: 100})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	require.True(t, result.Truncated)
}

func TestRedactIsIdempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	res, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Bob", "predicate": "age", "object": "30", "confidence": 0.9,
	}, nil, nil, nil)
	require.NoError(t, err)

	ok, err := l.Redact(ctx, res.MemoryID, "user request", "operator")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Redact(ctx, res.MemoryID, "user request again", "operator")
	require.NoError(t, err)
	require.False(t, ok)

	audit, err := l.GetRedactionAudit(ctx, res.MemoryID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, ActionRedact, audit[0].Action)
}

func TestUnredactRestoresVisibility(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	res, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Carol", "predicate": "age", "object": "40", "confidence": 0.9,
	}, nil, nil, nil)
	require.NoError(t, err)

	ok, err := l.Redact(ctx, res.MemoryID, "temp", "operator")
	require.NoError(t, err)
	require.True(t, ok)

	result, err := l.Query(ctx, "", QueryFilters{Limit: 50})
	require.NoError(t, err)
	require.Empty(t, result.Results)

	ok, err = l.Unredact(ctx, res.MemoryID, "operator")
	require.NoError(t, err)
	require.True(t, ok)

	result, err = l.Query(ctx, "", QueryFilters{Limit: 50})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)

	audit, err := l.GetRedactionAudit(ctx, res.MemoryID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Equal(t, ActionUnredact, audit[1].Action)
}

func TestResolveConflict(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res1, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Dave", "predicate": "lives_in", "object": "NYC", "confidence": 0.9,
	}, nil, &t1, nil)
	require.NoError(t, err)
	_ = res1

	res2, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Dave", "predicate": "lives_in", "object": "LA", "confidence": 0.9,
	}, nil, &t1, nil)
	require.NoError(t, err)
	require.Len(t, res2.Conflicts, 1)

	conflictID := res2.Conflicts[0].ID
	require.NoError(t, l.ResolveConflict(ctx, conflictID, "user confirmed moved to LA"))

	unresolved, err := l.GetConflicts(ctx, ConflictFilters{UnresolvedOnly: true})
	require.NoError(t, err)
	require.Empty(t, unresolved)
}
