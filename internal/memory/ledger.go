package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/idgen"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

const memTimeLayout = time.RFC3339Nano

func formatMemTime(t time.Time) string { return t.UTC().Format(memTimeLayout) }
func parseMemTime(s string) (time.Time, error) { return time.Parse(memTimeLayout, s) }

// ErrConcurrencyConflict mirrors store.ErrConcurrencyConflict for the ledger's
// own optimistic-concurrency paths (create_version supersede CAS).
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// Indexer receives a fire-and-forget callback on every successful ledger
// insert so the hybrid retrieval layer (C3) can index new content without the
// ledger depending on C3 directly.
type Indexer interface {
	OnStore(ctx context.Context, rec Record)
}

// Ledger implements the typed memory ledger (C2) on top of a shared *sql.DB
// (the same engine owned by the durable state store, C1).
type Ledger struct {
	db        *sql.DB
	validator *Validator
	logger    telemetry.Logger
	indexers  []Indexer
}

// New constructs a Ledger. The caller is responsible for having already
// applied the `ledger`/`memory_conflicts`/`redaction_audit` migrations.
func New(db *sql.DB, logger telemetry.Logger, indexers ...Indexer) (*Ledger, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("compile validators: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Ledger{db: db, validator: v, logger: logger, indexers: indexers}, nil
}

// AddIndexer registers an additional Indexer after construction, useful when
// the indexer itself needs a reference back to the Ledger (e.g. the hybrid
// retrieval engine resolves hits via Ledger.GetByID).
func (l *Ledger) AddIndexer(ix Indexer) {
	l.indexers = append(l.indexers, ix)
}

// Store validates and inserts a new head record, then runs conflict
// detection within the same transaction.
func (l *Ledger) Store(ctx context.Context, subtype Subtype, content map[string]any, metadata map[string]any, validFrom, validUntil *time.Time) (StoreResult, error) {
	result := l.validator.Validate(subtype, content, validFrom, validUntil)
	if !result.Valid {
		return StoreResult{Valid: false, Errors: result.Errors}, nil
	}

	schemaVersion, _ := SchemaVersion(subtype)
	id := idgen.New(idgen.PrefixMemory)
	now := time.Now()

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return StoreResult{}, fmt.Errorf("marshal content: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return StoreResult{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return StoreResult{}, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op if committed

	_, err = tx.ExecContext(ctx, `INSERT INTO ledger
		(id, subtype, content, metadata, created_at, updated_at, recorded_at, valid_from, valid_until,
		 superseded_by, version_chain_head, redacted, validation_schema, content_format)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, 0, ?, 'json')`,
		id, string(subtype), string(contentJSON), string(metadataJSON),
		formatMemTime(now), formatMemTime(now), formatMemTime(now),
		nullableFormat(validFrom), nullableFormat(validUntil), id, schemaVersion)
	if err != nil {
		return StoreResult{}, fmt.Errorf("insert ledger row: %w", err)
	}

	var conflicts []Conflict
	switch subtype {
	case SubtypeFact:
		conflicts, err = detectFactConflicts(ctx, tx, id, content, validFrom, validUntil)
	case SubtypePreference:
		conflicts, err = detectPreferenceConflicts(ctx, tx, id, content)
	}
	if err != nil {
		return StoreResult{}, fmt.Errorf("detect conflicts: %w", err)
	}
	for _, c := range conflicts {
		identityJSON, err := json.Marshal(c.IdentityKey)
		if err != nil {
			return StoreResult{}, fmt.Errorf("marshal identity key: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO memory_conflicts
			(id, conflict_type, severity, memory_id_a, memory_id_b, identity_key, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, string(c.ConflictType), string(c.Severity), c.MemoryIDA, c.MemoryIDB,
			string(identityJSON), formatMemTime(c.DetectedAt)); err != nil {
			return StoreResult{}, fmt.Errorf("insert conflict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return StoreResult{}, err
	}

	rec := Record{
		ID: id, Subtype: subtype, Content: content, Metadata: metadata,
		CreatedAt: now, UpdatedAt: now, RecordedAt: now,
		ValidFrom: validFrom, ValidUntil: validUntil,
		VersionChainHead: id, ValidationSchema: schemaVersion, ContentFormat: "json",
	}
	for _, ix := range l.indexers {
		ix.OnStore(ctx, rec)
	}

	return StoreResult{MemoryID: id, Valid: true, Conflicts: conflicts}, nil
}

// CreateVersion inserts a new version then supersedes the original via
// compare-and-swap, rolling back the insert on conflict.
func (l *Ledger) CreateVersion(ctx context.Context, originalID string, newContent map[string]any, metadata map[string]any, validFrom *time.Time) (string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck

	var chainHead, validationSchema, contentFormat string
	var subtype string
	row := tx.QueryRowContext(ctx, `SELECT version_chain_head, validation_schema, content_format, subtype
		FROM ledger WHERE id = ?`, originalID)
	if err := row.Scan(&chainHead, &validationSchema, &contentFormat, &subtype); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("original memory not found: %s", originalID)
		}
		return "", err
	}
	if chainHead == "" {
		chainHead = originalID
	}

	newID := idgen.New(idgen.PrefixMemory)
	now := time.Now()
	contentJSON, err := json.Marshal(newContent)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger
		(id, subtype, content, metadata, created_at, updated_at, recorded_at, valid_from, valid_until,
		 superseded_by, version_chain_head, redacted, validation_schema, content_format)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, 0, ?, ?)`,
		newID, subtype, string(contentJSON), string(metadataJSON),
		formatMemTime(now), formatMemTime(now), formatMemTime(now), nullableFormat(validFrom),
		chainHead, validationSchema, contentFormat); err != nil {
		return "", fmt.Errorf("insert new version: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE ledger SET superseded_by = ?, updated_at = ?
		WHERE id = ? AND superseded_by IS NULL`, newID, formatMemTime(now), originalID)
	if err != nil {
		return "", fmt.Errorf("supersede original: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		// Someone else already superseded this record; the deferred Rollback
		// discards the speculative insert above.
		return "", ErrConcurrencyConflict
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	for _, ix := range l.indexers {
		ix.OnStore(ctx, Record{
			ID: newID, Subtype: Subtype(subtype), Content: newContent, Metadata: metadata,
			CreatedAt: now, UpdatedAt: now, RecordedAt: now, ValidFrom: validFrom,
			VersionChainHead: chainHead, ValidationSchema: validationSchema, ContentFormat: contentFormat,
		})
	}
	return newID, nil
}

// Update is the legacy compatibility path: if the row carries a
// non-empty validation_schema, redirect to CreateVersion.
func (l *Ledger) Update(ctx context.Context, id string, content map[string]any, metadata map[string]any) (string, error) {
	var validationSchema string
	row := l.db.QueryRowContext(ctx, `SELECT validation_schema FROM ledger WHERE id = ?`, id)
	if err := row.Scan(&validationSchema); err != nil {
		return "", err
	}
	if validationSchema != "" {
		return l.CreateVersion(ctx, id, content, metadata, nil)
	}
	return "", fmt.Errorf("legacy update of untyped records is not supported")
}

func nullableFormat(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatMemTime(*t)
}
