package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/idgen"
)

// detectFactConflicts scans current (non-superseded, non-redacted, json-format)
// FACTs with matching (subject, predicate) and confidence > 0.5, excluding
// equal-object matches, checking temporal overlap with missing bounds treated
// as unbounded.
func detectFactConflicts(ctx context.Context, tx *sql.Tx, memoryID string, content map[string]any, validFrom, validUntil *time.Time) ([]Conflict, error) {
	confidence := asFloat(content["confidence"], 1.0)
	if confidence <= 0.5 {
		return nil, nil
	}
	subject, _ := content["subject"].(string)
	predicate, _ := content["predicate"].(string)
	object, _ := content["object"].(string)

	rows, err := tx.QueryContext(ctx, `SELECT id, content, valid_from, valid_until FROM ledger
		WHERE subtype = 'FACT' AND superseded_by IS NULL AND redacted = 0
		  AND content_format = 'json' AND id != ?`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []Conflict
	now := time.Now()
	for rows.Next() {
		var id, contentJSON string
		var existingFrom, existingUntil sql.NullString
		if err := rows.Scan(&id, &contentJSON, &existingFrom, &existingUntil); err != nil {
			return nil, err
		}
		var existing map[string]any
		if err := json.Unmarshal([]byte(contentJSON), &existing); err != nil {
			continue
		}
		if existing["subject"] != subject || existing["predicate"] != predicate {
			continue
		}
		if existing["object"] == object {
			continue
		}
		if asFloat(existing["confidence"], 1.0) <= 0.5 {
			continue
		}

		newUnbounded := validFrom == nil && validUntil == nil
		existingUnbounded := !existingFrom.Valid && !existingUntil.Valid
		if !newUnbounded && !existingUnbounded {
			if !overlaps(validFrom, validUntil, nullableTime(existingFrom), nullableTime(existingUntil)) {
				continue
			}
		}

		conflicts = append(conflicts, Conflict{
			ID:           idgen.New(idgen.PrefixConflict),
			ConflictType: ConflictFactContradiction,
			Severity:     SeverityHigh,
			MemoryIDA:    memoryID,
			MemoryIDB:    id,
			IdentityKey: map[string]any{
				"subject": subject, "predicate": predicate,
				"new_object": object, "existing_object": existing["object"],
			},
			DetectedAt: now,
		})
	}
	return conflicts, rows.Err()
}

// detectPreferenceConflicts scans current PREFERENCEs with matching
// (category, key) and a different value.
func detectPreferenceConflicts(ctx context.Context, tx *sql.Tx, memoryID string, content map[string]any) ([]Conflict, error) {
	category, _ := content["category"].(string)
	key, _ := content["key"].(string)
	value, _ := content["value"].(string)

	rows, err := tx.QueryContext(ctx, `SELECT id, content FROM ledger
		WHERE subtype = 'PREFERENCE' AND superseded_by IS NULL AND redacted = 0
		  AND content_format = 'json' AND id != ?`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []Conflict
	now := time.Now()
	for rows.Next() {
		var id, contentJSON string
		if err := rows.Scan(&id, &contentJSON); err != nil {
			return nil, err
		}
		var existing map[string]any
		if err := json.Unmarshal([]byte(contentJSON), &existing); err != nil {
			continue
		}
		if existing["category"] != category || existing["key"] != key {
			continue
		}
		if existing["value"] == value {
			continue
		}
		conflicts = append(conflicts, Conflict{
			ID:           idgen.New(idgen.PrefixConflict),
			ConflictType: ConflictPreferenceConflict,
			Severity:     SeverityMedium,
			MemoryIDA:    memoryID,
			MemoryIDB:    id,
			IdentityKey: map[string]any{
				"category": category, "key": key,
				"new_value": value, "existing_value": existing["value"],
			},
			DetectedAt: now,
		})
	}
	return conflicts, rows.Err()
}

// overlaps treats a missing bound as unbounded in that direction: [fromA,
// untilA) overlaps [fromB, untilB)?
func overlaps(fromA, untilA, fromB, untilB *time.Time) bool {
	farFuture := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	aStart := timeOrZero(fromA)
	bStart := timeOrZero(fromB)
	aEnd := timeOrDefault(untilA, farFuture)
	bEnd := timeOrDefault(untilB, farFuture)
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timeOrDefault(t *time.Time, def time.Time) time.Time {
	if t == nil {
		return def
	}
	return *t
}

func nullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseMemTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func asFloat(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err == nil {
			return f
		}
	}
	return def
}
