package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/httpapi"
	"github.com/vegasmandawg/sonia-core/internal/memory"
	"github.com/vegasmandawg/sonia-core/internal/retrieval"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

// memoryAPI groups the ledger and retrieval engine behind the legacy and
// typed v3 HTTP surfaces.
type memoryAPI struct {
	ledger  *memory.Ledger
	recall  *retrieval.Engine
	logger  telemetry.Logger
	decayer *memory.Decayer
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", httpapi.ErrBadRequest, err)
	}
	return nil
}

// --- Legacy surface ---------------------------------------------------

type legacyStoreRequest struct {
	Type     string         `json:"type"`
	Content  map[string]any `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (a *memoryAPI) legacyStore(w http.ResponseWriter, r *http.Request) {
	var req legacyStoreRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	subtype := memory.Subtype(strings.ToUpper(req.Type))
	result, err := a.ledger.Store(r.Context(), subtype, req.Content, req.Metadata, nil, nil)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"status": "stored", "id": result.MemoryID})
}

type legacySearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (a *memoryAPI) legacySearch(w http.ResponseWriter, r *http.Request) {
	var req legacySearchRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	results, err := a.recall.Search(r.Context(), req.Query, req.Limit)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (a *memoryAPI) legacyRecallGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := a.ledger.GetByID(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if rec == nil {
		httpapi.WriteError(w, fmt.Errorf("%w: memory not found", httpapi.ErrBadRequest))
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"record": rec.ToWire()})
}

type legacyRecallPutRequest struct {
	Content  map[string]any `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (a *memoryAPI) legacyRecallPut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req legacyRecallPutRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	newID, err := a.ledger.Update(r.Context(), id, req.Content, req.Metadata)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"status": "updated", "id": newID})
}

func (a *memoryAPI) queryStats(w http.ResponseWriter, r *http.Request) {
	stats := a.recall.Stats()
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"bm25_indexed":       stats.BM25Indexed,
		"vector_initialized": stats.VectorInitialized,
		"vector_count":       stats.VectorCount,
	})
}

// --- Typed v3 surface ---------------------------------------------------

type v3StoreRequest struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype"`
	Content    map[string]any `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	ValidFrom  *time.Time     `json:"valid_from"`
	ValidUntil *time.Time     `json:"valid_until"`
}

func (a *memoryAPI) v3Store(w http.ResponseWriter, r *http.Request) {
	var req v3StoreRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	subtype := req.Subtype
	if subtype == "" {
		subtype = req.Type
	}
	result, err := a.ledger.Store(r.Context(), memory.Subtype(strings.ToUpper(subtype)), req.Content, req.Metadata, req.ValidFrom, req.ValidUntil)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"status":    "stored",
		"id":        result.MemoryID,
		"subtype":   subtype,
		"conflicts": result.Conflicts,
	})
}

type v3VersionRequest struct {
	OriginalID string         `json:"original_id"`
	NewContent map[string]any `json:"new_content"`
	Metadata   map[string]any `json:"metadata"`
	ValidFrom  *time.Time     `json:"valid_from"`
}

func (a *memoryAPI) v3Version(w http.ResponseWriter, r *http.Request) {
	var req v3VersionRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	newID, err := a.ledger.CreateVersion(r.Context(), req.OriginalID, req.NewContent, req.Metadata, req.ValidFrom)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"status":      "versioned",
		"id":          newID,
		"original_id": req.OriginalID,
	})
}

type v3QueryRequest struct {
	Query           string   `json:"query"`
	Limit           int      `json:"limit"`
	MaxChars        int      `json:"max_chars"`
	TypeFilters     []string `json:"type_filters"`
	IncludeRedacted bool     `json:"include_redacted"`
}

func (a *memoryAPI) v3Query(w http.ResponseWriter, r *http.Request) {
	var req v3QueryRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	types := make([]memory.Subtype, len(req.TypeFilters))
	for i, t := range req.TypeFilters {
		types[i] = memory.Subtype(strings.ToUpper(t))
	}
	result, err := a.ledger.Query(r.Context(), req.Query, memory.QueryFilters{
		Limit:           req.Limit,
		MaxChars:        req.MaxChars,
		TypeFilters:     types,
		IncludeRedacted: req.IncludeRedacted,
	})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"results":      memory.WireRecords(result.Results),
		"count":        len(result.Results),
		"budget_used":  result.BudgetUsed,
		"budget_limit": result.BudgetLimit,
		"truncated":    result.Truncated,
	})
}

type v3RedactRequest struct {
	MemoryID string `json:"memory_id"`
	Reason   string `json:"reason"`
}

func (a *memoryAPI) v3Redact(w http.ResponseWriter, r *http.Request) {
	var req v3RedactRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	ok, err := a.ledger.Redact(r.Context(), req.MemoryID, req.Reason, "api")
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"status": "redacted", "changed": ok})
}

func (a *memoryAPI) v3Versions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := a.ledger.GetVersionHistory(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"versions": memory.WireRecords(history)})
}

func (a *memoryAPI) v3RedactionAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	audit, err := a.ledger.GetRedactionAudit(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"audit": audit})
}

func (a *memoryAPI) v3Conflicts(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	conflicts, err := a.ledger.GetConflicts(r.Context(), memory.ConflictFilters{UnresolvedOnly: unresolvedOnly})
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type v3ResolveConflictRequest struct {
	Note string `json:"note"`
}

func (a *memoryAPI) v3ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req v3ResolveConflictRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if err := a.ledger.ResolveConflict(r.Context(), id, req.Note); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{"status": "resolved", "id": id})
}

// --- Hybrid search --------------------------------------------------------

type hybridSearchRequest struct {
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	MaxChars int    `json:"max_chars"`
}

func (a *memoryAPI) hybridSearch(w http.ResponseWriter, r *http.Request) {
	var req hybridSearchRequest
	if err := decodeBody(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	results, err := a.recall.AsyncSearch(r.Context(), req.Query, req.Limit)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	budget := req.MaxChars
	if budget <= 0 {
		budget = 1 << 30
	}
	used := 0
	truncated := false
	capped := make([]retrieval.Result, 0, len(results))
	for _, res := range results {
		size := contentSize(res)
		if used+size > budget {
			truncated = true
			if len(capped) > 0 {
				break
			}
		}
		capped = append(capped, res)
		used += size
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"results":      capped,
		"count":        len(capped),
		"budget_used":  used,
		"budget_limit": budget,
		"truncated":    truncated,
	})
}

// v3Decay runs an on-demand decay pass, archiving records that have faded
// past the configured threshold and returning the retained set with its
// freshly computed decay scores.
func (a *memoryAPI) v3Decay(w http.ResponseWriter, r *http.Request) {
	result, err := a.ledger.RunDecayPass(r.Context(), a.decayer, time.Now())
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	retained := make([]memory.WireRecord, len(result.Retained))
	for i, sr := range result.Retained {
		retained[i] = sr.Record.ToWireWithDecay(sr.DecayScore)
	}
	httpapi.WriteOK(w, http.StatusOK, map[string]any{
		"retained":       retained,
		"retained_count": len(result.Retained),
		"forgotten_ids":  forgottenIDs(result.Forgotten),
	})
}

func forgottenIDs(recs []memory.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func contentSize(r retrieval.Result) int {
	n := 0
	for k, v := range r.Content {
		n += len(k) + len(fmt.Sprint(v))
	}
	return n
}
