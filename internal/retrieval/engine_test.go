package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vegasmandawg/sonia-core/internal/memory"
	"github.com/vegasmandawg/sonia-core/internal/store"
)

// hashEmbeddings is a deterministic stand-in for a real embeddings provider:
// it maps each rune of the text onto one of three buckets, so texts sharing
// vocabulary land near each other in cosine space without any network call.
type hashEmbeddings struct{}

func (hashEmbeddings) Embed(_ context.Context, text string) ([]float64, error) {
	v := make([]float64, 3)
	for i, r := range text {
		v[i%3] += float64(r%7) + 1
	}
	return v, nil
}

func (h hashEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func openTestEngine(t *testing.T) (*Engine, *memory.Ledger) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(context.Background(), filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger, err := memory.New(db.Conn, nil)
	require.NoError(t, err)

	engine := New(ledger, nil, filepath.Join(dir, "vector.ndjson"), hashEmbeddings{})
	ledger.AddIndexer(engine)
	return engine, ledger
}

func TestEngineSearchBM25AndFallback(t *testing.T) {
	engine, ledger := openTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.Initialize(ctx))

	_, err := ledger.Store(ctx, memory.SubtypeFact, map[string]any{
		"subject": "Alice", "predicate": "likes", "object": "coffee", "confidence": 0.9,
	}, nil, nil, nil)
	require.NoError(t, err)

	results, err := engine.Search(ctx, "coffee", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestEngineAsyncSearchFusesScores(t *testing.T) {
	engine, ledger := openTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.Initialize(ctx))
	engine.InitializeVector(ctx)

	_, err := ledger.Store(ctx, memory.SubtypeFact, map[string]any{
		"subject": "Bob", "predicate": "likes", "object": "tea", "confidence": 0.9,
	}, nil, nil, nil)
	require.NoError(t, err)

	results, err := engine.AsyncSearch(ctx, "tea", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestEngineStatsReportsBM25Count(t *testing.T) {
	engine, ledger := openTestEngine(t)
	ctx := context.Background()
	require.NoError(t, engine.Initialize(ctx))

	_, err := ledger.Store(ctx, memory.SubtypeFact, map[string]any{
		"subject": "Carol", "predicate": "likes", "object": "tea", "confidence": 0.9,
	}, nil, nil, nil)
	require.NoError(t, err)

	stats := engine.Stats()
	require.Equal(t, 1, stats.BM25Indexed)
}
