package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Query implements the budgeted ledger read with the first-row-bypass
// invariant: the first accepted row is never rejected for exceeding
// max_chars, guaranteeing count >= 1 whenever any row matches.
func (l *Ledger) Query(ctx context.Context, query string, filters QueryFilters) (QueryResult, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	maxChars := filters.MaxChars
	if maxChars <= 0 {
		maxChars = 1 << 30
	}

	conditions := []string{"superseded_by IS NULL"}
	args := []any{}
	if !filters.IncludeRedacted {
		conditions = append(conditions, "redacted = 0")
	}
	if len(filters.TypeFilters) > 0 {
		placeholders := make([]string, len(filters.TypeFilters))
		for i, t := range filters.TypeFilters {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conditions = append(conditions, fmt.Sprintf("subtype IN (%s)", strings.Join(placeholders, ",")))
	}
	if query != "" {
		conditions = append(conditions, "content LIKE ?")
		args = append(args, "%"+query+"%")
	}

	sqlQuery := fmt.Sprintf(`SELECT id, subtype, content, metadata, created_at, updated_at, recorded_at,
		valid_from, valid_until, superseded_by, version_chain_head, redacted, validation_schema, content_format,
		access_count, last_accessed_at
		FROM ledger WHERE %s ORDER BY recorded_at DESC`, strings.Join(conditions, " AND "))

	rows, err := l.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	var (
		results    []Record
		budgetUsed int
		truncated  bool
	)
	for rows.Next() {
		rec, size, err := scanRecord(rows)
		if err != nil {
			return QueryResult{}, err
		}
		if len(results) >= limit {
			truncated = true
			break
		}
		// First-row bypass: only reject for budget once at least one row has
		// been accepted. An over-budget first row is still returned and marks
		// the result truncated.
		if budgetUsed+size > maxChars {
			truncated = true
			if len(results) > 0 {
				break
			}
		}
		results = append(results, rec)
		budgetUsed += size
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}

	return QueryResult{
		Results:     results,
		BudgetUsed:  budgetUsed,
		BudgetLimit: maxChars,
		Truncated:   truncated,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows rowScanner) (Record, int, error) {
	var rec Record
	var subtype, contentJSON, metadataJSON, createdAt, updatedAt, recordedAt string
	var validFrom, validUntil, supersededBy, lastAccessedAt sql.NullString
	var redacted int
	if err := rows.Scan(&rec.ID, &subtype, &contentJSON, &metadataJSON, &createdAt, &updatedAt, &recordedAt,
		&validFrom, &validUntil, &supersededBy, &rec.VersionChainHead, &redacted,
		&rec.ValidationSchema, &rec.ContentFormat, &rec.AccessCount, &lastAccessedAt); err != nil {
		return Record{}, 0, err
	}
	rec.Subtype = Subtype(subtype)
	rec.Redacted = redacted != 0
	var err error
	if rec.CreatedAt, err = parseMemTime(createdAt); err != nil {
		return Record{}, 0, err
	}
	if rec.UpdatedAt, err = parseMemTime(updatedAt); err != nil {
		return Record{}, 0, err
	}
	if rec.RecordedAt, err = parseMemTime(recordedAt); err != nil {
		return Record{}, 0, err
	}
	rec.ValidFrom = nullableTime(validFrom)
	rec.ValidUntil = nullableTime(validUntil)
	rec.LastAccessedAt = nullableTime(lastAccessedAt)
	if supersededBy.Valid {
		v := supersededBy.String
		rec.SupersededBy = &v
	}
	if err := json.Unmarshal([]byte(contentJSON), &rec.Content); err != nil {
		return Record{}, 0, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return Record{}, 0, err
	}
	return rec, len(contentJSON), nil
}

// GetVersionHistory returns the full chain for the id's chain head, ordered
// by recorded_at ascending.
func (l *Ledger) GetVersionHistory(ctx context.Context, id string) ([]Record, error) {
	var chainHead string
	row := l.db.QueryRowContext(ctx, `SELECT version_chain_head FROM ledger WHERE id = ?`, id)
	if err := row.Scan(&chainHead); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, `SELECT id, subtype, content, metadata, created_at, updated_at, recorded_at,
		valid_from, valid_until, superseded_by, version_chain_head, redacted, validation_schema, content_format,
		access_count, last_accessed_at
		FROM ledger WHERE version_chain_head = ? ORDER BY recorded_at ASC`, chainHead)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByID returns a single ledger row by id, or (nil, nil) if absent.
func (l *Ledger) GetByID(ctx context.Context, id string) (*Record, error) {
	row := l.db.QueryRowContext(ctx, `SELECT id, subtype, content, metadata, created_at, updated_at, recorded_at,
		valid_from, valid_until, superseded_by, version_chain_head, redacted, validation_schema, content_format,
		access_count, last_accessed_at
		FROM ledger WHERE id = ?`, id)
	rec, _, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	l.recordAccess(ctx, rec.ID)
	return &rec, nil
}

// AllActive returns every non-archived ledger row, used by the retrieval
// layer's synchronous BM25 preload and vector backfill at startup.
func (l *Ledger) AllActive(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, subtype, content, metadata, created_at, updated_at, recorded_at,
		valid_from, valid_until, superseded_by, version_chain_head, redacted, validation_schema, content_format,
		access_count, last_accessed_at
		FROM ledger WHERE archived_at IS NULL ORDER BY recorded_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetCurrentVersion returns the current (non-superseded) record in chainHead's chain.
func (l *Ledger) GetCurrentVersion(ctx context.Context, chainHead string) (*Record, error) {
	row := l.db.QueryRowContext(ctx, `SELECT id, subtype, content, metadata, created_at, updated_at, recorded_at,
		valid_from, valid_until, superseded_by, version_chain_head, redacted, validation_schema, content_format,
		access_count, last_accessed_at
		FROM ledger WHERE version_chain_head = ? AND superseded_by IS NULL LIMIT 1`, chainHead)
	rec, _, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
