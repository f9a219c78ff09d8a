// Package retrieval implements the hybrid retrieval layer (C3): a
// synchronously-preloaded BM25 lexical index, an asynchronously-initialized
// vector index, and substring fallback, fused by weighted score.
package retrieval

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/memory"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

const (
	bm25Weight   = 0.4
	vectorWeight = 0.6
)

// Result is a single fused search hit.
type Result struct {
	ID        string
	Subtype   memory.Subtype
	Content   map[string]any
	Metadata  map[string]any
	CreatedAt time.Time
	Score     float64
	Source    string // "bm25" | "vector" | "hybrid" | "like_fallback"
}

// Engine implements the two-stage init / store-hook / search contract:
// synchronous BM25 preload, asynchronous vector init with backfill, and
// weighted fusion across both on search.
type Engine struct {
	ledger     *memory.Ledger
	logger     telemetry.Logger
	embeddings EmbeddingsClient
	vectorPath string

	bm25 *BM25Index

	mu               sync.RWMutex
	vector           *VectorIndex
	vectorReady      bool
	indexedCount     int
}

// New constructs an Engine. Call Initialize synchronously at startup, then
// InitializeVector in a background goroutine.
func New(ledger *memory.Ledger, logger telemetry.Logger, vectorPath string, embeddings EmbeddingsClient) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		ledger:     ledger,
		logger:     logger,
		embeddings: embeddings,
		vectorPath: vectorPath,
		bm25:       NewBM25Index(),
	}
}

func contentText(content map[string]any) string {
	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Initialize performs the synchronous BM25 pre-load of all active ledger
// rows.
func (e *Engine) Initialize(ctx context.Context) error {
	records, err := e.ledger.AllActive(ctx)
	if err != nil {
		e.logger.Error(ctx, "hybrid search bm25 preload failed", "error", err)
		return err
	}
	for _, rec := range records {
		e.bm25.IndexDocument(rec.ID, contentText(rec.Content))
	}
	e.mu.Lock()
	e.indexedCount = e.bm25.Count()
	e.mu.Unlock()
	e.logger.Info(ctx, "hybrid search initialized", "bm25_documents", e.bm25.Count())
	return nil
}

// InitializeVector connects the embeddings client, opens/creates the vector
// index, and backfills from BM25 if the index is empty but BM25 is
// populated. Intended to run asynchronously; failures
// leave BM25+substring fallback fully functional.
func (e *Engine) InitializeVector(ctx context.Context) {
	if e.embeddings == nil {
		e.logger.Warn(ctx, "vector search disabled: no embeddings client configured")
		return
	}

	vec := NewVectorIndex(e.vectorPath)
	if err := vec.Load(); err != nil {
		e.logger.Error(ctx, "vector index load failed", "error", err)
		return
	}

	e.mu.Lock()
	e.vector = vec
	e.mu.Unlock()

	count := vec.Count()
	e.logger.Info(ctx, "vector subsystem loaded", "vector_count", count)

	if count == 0 && e.bm25.Count() > 0 {
		e.backfillVectors(ctx, vec)
	}

	e.mu.Lock()
	e.vectorReady = true
	e.mu.Unlock()
	e.logger.Info(ctx, "vector search initialized successfully")
}

func (e *Engine) backfillVectors(ctx context.Context, vec *VectorIndex) {
	records, err := e.ledger.AllActive(ctx)
	if err != nil {
		e.logger.Error(ctx, "vector backfill: load active records failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	start := time.Now()
	const batchSize = 32
	total := 0
	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]

		ids := make([]string, 0, len(batch))
		texts := make([]string, 0, len(batch))
		for _, rec := range batch {
			text := contentText(rec.Content)
			if text == "" {
				continue
			}
			ids = append(ids, rec.ID)
			texts = append(texts, text)
		}
		if len(texts) == 0 {
			continue
		}

		embeddings, err := e.embeddings.EmbedBatch(ctx, texts)
		if err != nil {
			e.logger.Error(ctx, "vector backfill batch failed", "error", err)
			continue
		}
		for j, id := range ids {
			if j < len(embeddings) {
				vec.Add(id, embeddings[j])
			}
		}
		total += len(ids)
	}

	elapsedMS := float64(time.Since(start).Microseconds()) / 1000.0
	if _, err := vec.Save(elapsedMS); err != nil {
		e.logger.Warn(ctx, "manifest write after backfill failed", "error", err)
		return
	}
	e.logger.Info(ctx, "backfill complete", "vectors_added", total, "elapsed_ms", elapsedMS)
}

// OnStore implements memory.Indexer: index content in BM25 synchronously
//, and fire-and-forget embed+add to the vector
// index.
func (e *Engine) OnStore(ctx context.Context, rec memory.Record) {
	text := contentText(rec.Content)
	e.bm25.IndexDocument(rec.ID, text)
	e.mu.Lock()
	e.indexedCount = e.bm25.Count()
	vec := e.vector
	ready := e.vectorReady
	e.mu.Unlock()

	if !ready || vec == nil || e.embeddings == nil {
		return
	}
	go e.embedAndAdd(ctx, vec, rec.ID, text)
}

func (e *Engine) embedAndAdd(ctx context.Context, vec *VectorIndex, id, text string) {
	embedding, err := e.embeddings.Embed(ctx, text)
	if err != nil {
		e.logger.Warn(ctx, "vector index failed (non-fatal)", "memory_id", id, "error", err)
		return
	}
	vec.Add(id, embedding)
	e.logger.Debug(ctx, "vector indexed", "memory_id", id)
}

func (e *Engine) toResult(ctx context.Context, id string, score float64, source string) *Result {
	rec, err := e.ledger.GetByID(ctx, id)
	if err != nil || rec == nil {
		return nil
	}
	return &Result{
		ID: rec.ID, Subtype: rec.Subtype, Content: rec.Content, Metadata: rec.Metadata,
		CreatedAt: rec.CreatedAt, Score: score, Source: source,
	}
}

// Search performs BM25 + substring fallback only, for callers that cannot
// await vector search").
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	results := make([]Result, 0, limit)
	seen := make(map[string]struct{})

	for _, hit := range e.bm25.Search(query, limit*2) {
		if r := e.toResult(ctx, hit.DocID, hit.Score, "bm25"); r != nil {
			results = append(results, *r)
			seen[r.ID] = struct{}{}
		}
	}

	fallback, err := e.ledger.Query(ctx, query, memory.QueryFilters{Limit: limit})
	if err != nil {
		return nil, err
	}
	for _, rec := range fallback.Results {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		results = append(results, Result{
			ID: rec.ID, Subtype: rec.Subtype, Content: rec.Content, Metadata: rec.Metadata,
			CreatedAt: rec.CreatedAt, Score: 0, Source: "like_fallback",
		})
	}

	sortResultsDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// AsyncSearch performs the full fused search: BM25 top-2k, vector top-2k (if
// initialized), score fusion 0.4*bm25 + 0.6*vector, substring fallback for
// anything missed by both, sorted descending.
func (e *Engine) AsyncSearch(ctx context.Context, query string, limit int) ([]Result, error) {
	type entry struct {
		rec       *memory.Record
		bm25Score float64
		vecScore  float64
		source    string
	}
	byID := make(map[string]*entry)

	bm25Hits := e.bm25.Search(query, limit*2)
	var maxBM25 float64 = 1.0
	for i, hit := range bm25Hits {
		if i == 0 || hit.Score > maxBM25 {
			maxBM25 = hit.Score
		}
		rec, err := e.ledger.GetByID(ctx, hit.DocID)
		if err != nil || rec == nil {
			continue
		}
		byID[rec.ID] = &entry{rec: rec, bm25Score: hit.Score, source: "bm25"}
	}
	if maxBM25 == 0 {
		maxBM25 = 1.0
	}

	e.mu.RLock()
	vec := e.vector
	ready := e.vectorReady
	e.mu.RUnlock()

	var maxVector float64 = 1.0
	if ready && vec != nil && e.embeddings != nil {
		queryEmbedding, err := e.embeddings.Embed(ctx, query)
		if err != nil {
			e.logger.Warn(ctx, "vector search failed (BM25 still active)", "error", err)
		} else {
			vecHits := vec.Search(queryEmbedding, limit*2)
			for i, hit := range vecHits {
				if i == 0 || hit.Similarity > maxVector {
					maxVector = hit.Similarity
				}
				if existing, ok := byID[hit.ID]; ok {
					existing.vecScore = hit.Similarity
					existing.source = "hybrid"
					continue
				}
				rec, err := e.ledger.GetByID(ctx, hit.ID)
				if err != nil || rec == nil {
					continue
				}
				byID[hit.ID] = &entry{rec: rec, vecScore: hit.Similarity, source: "vector"}
			}
		}
	}
	if maxVector == 0 {
		maxVector = 1.0
	}

	results := make([]Result, 0, len(byID))
	for _, e2 := range byID {
		score := bm25Weight*(e2.bm25Score/maxBM25) + vectorWeight*(e2.vecScore/maxVector)
		results = append(results, Result{
			ID: e2.rec.ID, Subtype: e2.rec.Subtype, Content: e2.rec.Content, Metadata: e2.rec.Metadata,
			CreatedAt: e2.rec.CreatedAt, Score: score, Source: e2.source,
		})
	}

	fallback, err := e.ledger.Query(ctx, query, memory.QueryFilters{Limit: limit})
	if err != nil {
		return nil, err
	}
	for _, rec := range fallback.Results {
		if _, ok := byID[rec.ID]; ok {
			continue
		}
		results = append(results, Result{
			ID: rec.ID, Subtype: rec.Subtype, Content: rec.Content, Metadata: rec.Metadata,
			CreatedAt: rec.CreatedAt, Score: 0, Source: "like_fallback",
		})
	}

	sortResultsDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func sortResultsDesc(results []Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

// SaveOnShutdown persists the vector index and writes an updated manifest.
func (e *Engine) SaveOnShutdown(ctx context.Context) {
	e.mu.RLock()
	vec := e.vector
	ready := e.vectorReady
	e.mu.RUnlock()
	if !ready || vec == nil {
		return
	}

	start := time.Now()
	manifest, err := vec.Save(0)
	if err != nil {
		e.logger.Error(ctx, "vector index save failed", "error", err)
		return
	}
	manifest.BuildDurationMS = float64(time.Since(start).Microseconds()) / 1000.0
	if err := manifest.write(); err != nil {
		e.logger.Warn(ctx, "manifest write on save failed", "error", err)
	}
	e.logger.Info(ctx, "vector index saved", "vector_count", vec.Count())
}

// Stats reports retrieval subsystem state for diagnostics.
type Stats struct {
	BM25Indexed     int
	VectorInitialized bool
	VectorCount     int
}

// Stats returns current subsystem counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{BM25Indexed: e.indexedCount, VectorInitialized: e.vectorReady}
	if e.vector != nil {
		s.VectorCount = e.vector.Count()
	}
	return s
}
