package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialDecay(t *testing.T) {
	d := NewDecayer(DecayExponential, 30.0, 0.1)
	now := time.Now().UTC()

	require.Greater(t, d.ComputeScore(now, 0, 1.0, now), 0.9)

	old := now.Add(-30 * 24 * time.Hour)
	score := d.ComputeScore(old, 0, 1.0, now)
	require.Greater(t, score, 0.4)
	require.Less(t, score, 0.6)
}

func TestLinearDecay(t *testing.T) {
	d := NewDecayer(DecayLinear, 30.0, 0.1)
	now := time.Now().UTC()

	require.Greater(t, d.ComputeScore(now, 0, 1.0, now), 0.95)

	old := now.Add(-15 * 24 * time.Hour)
	score := d.ComputeScore(old, 0, 1.0, now)
	require.Greater(t, score, 0.45)
	require.Less(t, score, 0.55)
}

func TestThresholdDecay(t *testing.T) {
	d := NewDecayer(DecayThreshold, 30.0, 0.1)
	now := time.Now().UTC()

	require.Equal(t, 1.0, d.ComputeScore(now, 0, 1.0, now))

	old := now.Add(-40 * 24 * time.Hour)
	require.Equal(t, 0.0, d.ComputeScore(old, 0, 1.0, now))
}

func TestAccessBoostSlowsDecay(t *testing.T) {
	d := NewDecayer(DecayExponential, 30.0, 0.1)
	now := time.Now().UTC()
	created := now.Add(-20 * 24 * time.Hour)

	unaccessed := d.ComputeScore(created, 0, 1.0, now)
	accessed := d.ComputeScore(created, 5, 1.0, now)
	require.Greater(t, accessed, unaccessed)
}

func TestShouldForget(t *testing.T) {
	d := NewDecayer(DecayLinear, 30.0, 0.3)
	now := time.Now().UTC()

	require.False(t, d.ShouldForget(now, 0, 1.0, now))

	old := now.Add(-100 * 24 * time.Hour)
	require.True(t, d.ShouldForget(old, 0, 1.0, now))
}

func TestRunDecayPassArchivesForgottenRecords(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	fresh, err := l.Store(ctx, SubtypeProject, map[string]any{
		"project_id": "p1", "context_type": "note", "summary": "fresh", "tags": []any{},
	}, nil, nil, nil)
	require.NoError(t, err)

	stale, err := l.Store(ctx, SubtypeProject, map[string]any{
		"project_id": "p2", "context_type": "note", "summary": "stale", "tags": []any{},
	}, nil, nil, nil)
	require.NoError(t, err)

	backdateRecord(t, l, stale.MemoryID, time.Now().Add(-100*24*time.Hour))

	d := NewDecayer(DecayLinear, 30.0, 0.3)
	result, err := l.RunDecayPass(ctx, d, time.Now())
	require.NoError(t, err)
	require.Len(t, result.Forgotten, 1)
	require.Equal(t, stale.MemoryID, result.Forgotten[0].ID)
	require.Len(t, result.Retained, 1)
	require.Equal(t, fresh.MemoryID, result.Retained[0].Record.ID)

	active, err := l.AllActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, fresh.MemoryID, active[0].ID)
}

func TestGetByIDIncrementsAccessCount(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	res, err := l.Store(ctx, SubtypeFact, map[string]any{
		"subject": "Erin", "predicate": "age", "object": "25", "confidence": 0.9,
	}, nil, nil, nil)
	require.NoError(t, err)

	_, err = l.GetByID(ctx, res.MemoryID)
	require.NoError(t, err)
	_, err = l.GetByID(ctx, res.MemoryID)
	require.NoError(t, err)

	rec, err := l.GetByID(ctx, res.MemoryID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rec.AccessCount, 2)
}

func TestConsolidateSimilarGroupsBySubtype(t *testing.T) {
	records := []Record{
		{ID: "1", Subtype: SubtypeSessionContext},
		{ID: "2", Subtype: SubtypeSessionContext},
		{ID: "3", Subtype: SubtypeFact},
	}

	groups := ConsolidateSimilar(records)
	require.Less(t, len(groups), len(records))

	var sawConsolidated bool
	for _, g := range groups {
		if g.Subtype == SubtypeSessionContext {
			sawConsolidated = true
			require.True(t, g.Consolidated)
			require.Equal(t, 2, g.Count)
		}
	}
	require.True(t, sawConsolidated)
}

func TestCompressOldEventsSeparatesByAge(t *testing.T) {
	now := time.Now().UTC()
	records := []Record{
		{ID: "recent", CreatedAt: now},
		{ID: "old", CreatedAt: now.Add(-50 * 24 * time.Hour)},
	}

	recent, archived := CompressOldEvents(records, now, 30)
	require.Len(t, recent, 1)
	require.Len(t, archived, 1)
	require.Equal(t, "recent", recent[0].ID)
	require.Equal(t, "old", archived[0].ID)
}

// backdateRecord rewrites created_at directly, since Store always stamps
// time.Now() and the decay tests need control over a record's age.
func backdateRecord(t *testing.T, l *Ledger, id string, createdAt time.Time) {
	t.Helper()
	_, err := l.db.Exec(`UPDATE ledger SET created_at = ? WHERE id = ?`, formatMemTime(createdAt), id)
	require.NoError(t, err)
}
