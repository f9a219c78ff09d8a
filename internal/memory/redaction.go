package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/idgen"
)

// Redact flips redacted=1, preserving chain pointers, and appends a
// governance audit row. Idempotent: redacting an already-redacted record
// returns false.
func (l *Ledger) Redact(ctx context.Context, memoryID, reason, performer string) (bool, error) {
	return l.setRedacted(ctx, memoryID, reason, performer, true)
}

// Unredact flips redacted=0 and appends an audit row. Idempotent.
func (l *Ledger) Unredact(ctx context.Context, memoryID, performer string) (bool, error) {
	return l.setRedacted(ctx, memoryID, "", performer, false)
}

func (l *Ledger) setRedacted(ctx context.Context, memoryID, reason, performer string, redact bool) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now()
	var from, to int
	var action RedactionAction
	if redact {
		from, to, action = 0, 1, ActionRedact
	} else {
		from, to, action = 1, 0, ActionUnredact
	}

	res, err := tx.ExecContext(ctx, `UPDATE ledger SET redacted = ?, updated_at = ? WHERE id = ? AND redacted = ?`,
		to, formatMemTime(now), memoryID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO redaction_audit (id, memory_id, action, reason, performer, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, idgen.New(idgen.PrefixMemory), memoryID, string(action), reason, performer, formatMemTime(now)); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// GetRedactionAudit returns the audit trail for a memory, ordered oldest-first.
func (l *Ledger) GetRedactionAudit(ctx context.Context, memoryID string) ([]RedactionAuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, memory_id, action, reason, performer, created_at
		FROM redaction_audit WHERE memory_id = ? ORDER BY created_at ASC`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RedactionAuditEntry
	for rows.Next() {
		var e RedactionAuditEntry
		var action, createdAt string
		if err := rows.Scan(&e.ID, &e.MemoryID, &action, &e.Reason, &e.Performer, &createdAt); err != nil {
			return nil, err
		}
		e.Action = RedactionAction(action)
		if e.CreatedAt, err = parseMemTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConflictFilters narrows a GetConflicts call.
type ConflictFilters struct {
	ConflictType  *ConflictType
	Severity      *Severity
	UnresolvedOnly bool
}

// GetConflicts returns conflict rows matching the given filters.
func (l *Ledger) GetConflicts(ctx context.Context, filters ConflictFilters) ([]Conflict, error) {
	conditions := []string{"1=1"}
	args := []any{}
	if filters.ConflictType != nil {
		conditions = append(conditions, "conflict_type = ?")
		args = append(args, string(*filters.ConflictType))
	}
	if filters.Severity != nil {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(*filters.Severity))
	}
	if filters.UnresolvedOnly {
		conditions = append(conditions, "resolved_at IS NULL")
	}

	query := `SELECT id, conflict_type, severity, memory_id_a, memory_id_b, identity_key, detected_at, resolution_note, resolved_at
		FROM memory_conflicts WHERE ` + joinAnd(conditions) + ` ORDER BY detected_at DESC`
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var conflictType, severity, identityKeyJSON, detectedAt string
		var note, resolvedAt sql.NullString
		if err := rows.Scan(&c.ID, &conflictType, &severity, &c.MemoryIDA, &c.MemoryIDB, &identityKeyJSON,
			&detectedAt, &note, &resolvedAt); err != nil {
			return nil, err
		}
		c.ConflictType = ConflictType(conflictType)
		c.Severity = Severity(severity)
		if c.DetectedAt, err = parseMemTime(detectedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(identityKeyJSON), &c.IdentityKey); err != nil {
			return nil, err
		}
		if note.Valid {
			v := note.String
			c.ResolutionNote = &v
		}
		c.ResolvedAt = nullableTime(resolvedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict attaches a resolution note and timestamp to a conflict row.
func (l *Ledger) ResolveConflict(ctx context.Context, conflictID, note string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE memory_conflicts SET resolution_note = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`, note, formatMemTime(time.Now()), conflictID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("conflict not found or already resolved")
	}
	return nil
}

func joinAnd(conditions []string) string {
	out := conditions[0]
	for _, c := range conditions[1:] {
		out += " AND " + c
	}
	return out
}
