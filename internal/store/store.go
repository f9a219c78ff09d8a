package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Sessions ---------------------------------------------------------

// PersistSession inserts a new session row.
func (d *DB) PersistSession(ctx context.Context, s Session) error {
	meta, err := marshalJSON(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var expiresAt any
	if s.ExpiresAt != nil {
		expiresAt = formatTime(*s.ExpiresAt)
	}
	_, err = d.Conn.ExecContext(ctx, `INSERT INTO sessions
		(session_id, user_id, conversation_id, profile, status, created_at, expires_at, last_activity, turn_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.UserID, s.ConversationID, s.Profile, string(s.Status),
		formatTime(s.CreatedAt), expiresAt, formatTime(s.LastActivity), s.TurnCount, meta)
	return err
}

// UpdateSessionFields is a partial update for mutable session fields.
type UpdateSessionFields struct {
	Status       *SessionStatus
	LastActivity *time.Time
	TurnCount    *int
	ExpiresAt    *time.Time
	Metadata     map[string]any
}

// UpdateSession applies a partial update to an existing session row.
func (d *DB) UpdateSession(ctx context.Context, sessionID string, fields UpdateSessionFields) error {
	sets := []string{}
	args := []any{}
	if fields.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*fields.Status))
	}
	if fields.LastActivity != nil {
		sets = append(sets, "last_activity = ?")
		args = append(args, formatTime(*fields.LastActivity))
	}
	if fields.TurnCount != nil {
		sets = append(sets, "turn_count = ?")
		args = append(args, *fields.TurnCount)
	}
	if fields.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, formatTime(*fields.ExpiresAt))
	}
	if fields.Metadata != nil {
		meta, err := marshalJSON(fields.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, meta)
	}
	if len(sets) == 0 {
		return nil
	}
	query := "UPDATE sessions SET " + joinSets(sets) + " WHERE session_id = ?"
	args = append(args, sessionID)
	_, err := d.Conn.ExecContext(ctx, query, args...)
	return err
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// LoadActiveSessions returns all sessions with status = active.
func (d *DB) LoadActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT session_id, user_id, conversation_id, profile, status,
		created_at, expires_at, last_activity, turn_count, metadata FROM sessions WHERE status = ?`, string(SessionActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var status, createdAt, lastActivity, meta string
		var expiresAt sql.NullString
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.ConversationID, &s.Profile, &status,
			&createdAt, &expiresAt, &lastActivity, &s.TurnCount, &meta); err != nil {
			return nil, err
		}
		s.Status = SessionStatus(status)
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if s.LastActivity, err = parseTime(lastActivity); err != nil {
			return nil, err
		}
		if s.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
			return nil, err
		}
		if s.Metadata, err = unmarshalJSON(meta); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Confirmations ------------------------------------------------------

// PersistConfirmation inserts a new confirmation token row.
func (d *DB) PersistConfirmation(ctx context.Context, c Confirmation) error {
	args, err := marshalJSON(c.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = d.Conn.ExecContext(ctx, `INSERT INTO confirmations
		(confirmation_id, session_id, turn_id, tool_name, args, summary, status, created_at, ttl_seconds, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConfirmationID, c.SessionID, c.TurnID, c.ToolName, args, c.Summary, string(c.Status),
		formatTime(c.CreatedAt), c.TTLSeconds, nil)
	return err
}

// UpdateConfirmation transitions a confirmation's status via compare-and-swap
// on the current status, returning ErrConcurrencyConflict when the row was
// not in the expected prior state (already decided by a concurrent caller).
func (d *DB) UpdateConfirmation(ctx context.Context, confirmationID string, fromStatus, toStatus ConfirmationStatus, decidedAt time.Time) error {
	res, err := d.Conn.ExecContext(ctx, `UPDATE confirmations SET status = ?, decided_at = ?
		WHERE confirmation_id = ? AND status = ?`,
		string(toStatus), formatTime(decidedAt), confirmationID, string(fromStatus))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

// LoadPendingConfirmations returns all confirmations with status = pending.
func (d *DB) LoadPendingConfirmations(ctx context.Context) ([]Confirmation, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT confirmation_id, session_id, turn_id, tool_name, args, summary,
		status, created_at, ttl_seconds, decided_at FROM confirmations WHERE status = ?`, string(ConfirmationPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Confirmation
	for rows.Next() {
		var c Confirmation
		var status, createdAt, args string
		var decidedAt sql.NullString
		if err := rows.Scan(&c.ConfirmationID, &c.SessionID, &c.TurnID, &c.ToolName, &args, &c.Summary,
			&status, &createdAt, &c.TTLSeconds, &decidedAt); err != nil {
			return nil, err
		}
		c.Status = ConfirmationStatus(status)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.DecidedAt, err = parseTimePtr(decidedAt); err != nil {
			return nil, err
		}
		if c.Args, err = unmarshalJSON(args); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Dead letters ---------------------------------------------------------

// PersistDeadLetter inserts a new dead letter row.
func (d *DB) PersistDeadLetter(ctx context.Context, l DeadLetter) error {
	params, err := marshalJSON(l.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = d.Conn.ExecContext(ctx, `INSERT INTO dead_letters
		(letter_id, action_id, intent, params, error_code, error_message, failure_class, correlation_id,
		 session_id, created_at, retries_exhausted, replayed, replayed_at, replay_action_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.LetterID, l.ActionID, l.Intent, params, l.ErrorCode, l.ErrorMessage, l.FailureClass, l.CorrelationID,
		l.SessionID, formatTime(l.CreatedAt), boolToInt(l.RetriesExhausted), boolToInt(l.Replayed), nil, "")
	return err
}

// UpdateDeadLetterFields is a partial update for mutable dead-letter fields.
type UpdateDeadLetterFields struct {
	Replayed       *bool
	ReplayedAt     *time.Time
	ReplayActionID *string
}

// UpdateDeadLetter applies a partial update to an existing dead-letter row.
func (d *DB) UpdateDeadLetter(ctx context.Context, letterID string, fields UpdateDeadLetterFields) error {
	sets := []string{}
	args := []any{}
	if fields.Replayed != nil {
		sets = append(sets, "replayed = ?")
		args = append(args, boolToInt(*fields.Replayed))
	}
	if fields.ReplayedAt != nil {
		sets = append(sets, "replayed_at = ?")
		args = append(args, formatTime(*fields.ReplayedAt))
	}
	if fields.ReplayActionID != nil {
		sets = append(sets, "replay_action_id = ?")
		args = append(args, *fields.ReplayActionID)
	}
	if len(sets) == 0 {
		return nil
	}
	query := "UPDATE dead_letters SET " + joinSets(sets) + " WHERE letter_id = ?"
	args = append(args, letterID)
	_, err := d.Conn.ExecContext(ctx, query, args...)
	return err
}

// LoadDeadLetters returns all not-yet-replayed dead letters.
func (d *DB) LoadDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT letter_id, action_id, intent, params, error_code, error_message,
		failure_class, correlation_id, session_id, created_at, retries_exhausted, replayed, replayed_at, replay_action_id
		FROM dead_letters WHERE replayed = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var l DeadLetter
		var params, createdAt, replayActionID string
		var retriesExhausted, replayed int
		var replayedAt sql.NullString
		if err := rows.Scan(&l.LetterID, &l.ActionID, &l.Intent, &params, &l.ErrorCode, &l.ErrorMessage,
			&l.FailureClass, &l.CorrelationID, &l.SessionID, &createdAt, &retriesExhausted, &replayed,
			&replayedAt, &replayActionID); err != nil {
			return nil, err
		}
		l.RetriesExhausted = retriesExhausted != 0
		l.Replayed = replayed != 0
		l.ReplayActionID = replayActionID
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if l.ReplayedAt, err = parseTimePtr(replayedAt); err != nil {
			return nil, err
		}
		if l.Params, err = unmarshalJSON(params); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Outbox ---------------------------------------------------------------

// EnqueueOutbox inserts a new outbox entry under the caller-supplied id.
func (d *DB) EnqueueOutbox(ctx context.Context, id, entryType string, payload map[string]any) error {
	p, err := marshalJSON(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = d.Conn.ExecContext(ctx, `INSERT INTO outbox (outbox_id, entry_type, payload, created_at, delivered, attempts)
		VALUES (?, ?, ?, ?, 0, 0)`, id, entryType, p, formatTime(time.Now()))
	return err
}

// GetPendingOutbox returns up to limit undelivered entries, oldest-first (FIFO).
func (d *DB) GetPendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT outbox_id, entry_type, payload, created_at, delivered, delivered_at, attempts
		FROM outbox WHERE delivered = 0 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var payload, createdAt string
		var delivered int
		var deliveredAt sql.NullString
		if err := rows.Scan(&e.OutboxID, &e.EntryType, &payload, &createdAt, &delivered, &deliveredAt, &e.Attempts); err != nil {
			return nil, err
		}
		e.Delivered = delivered != 0
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if e.DeliveredAt, err = parseTimePtr(deliveredAt); err != nil {
			return nil, err
		}
		if e.Payload, err = unmarshalJSON(payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered marks an outbox entry delivered.
func (d *DB) MarkDelivered(ctx context.Context, outboxID string) error {
	_, err := d.Conn.ExecContext(ctx, `UPDATE outbox SET delivered = 1, delivered_at = ? WHERE outbox_id = ?`,
		formatTime(time.Now()), outboxID)
	return err
}

// IncrementAttempt increments an outbox entry's delivery attempt counter.
func (d *DB) IncrementAttempt(ctx context.Context, outboxID string) error {
	_, err := d.Conn.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE outbox_id = ?`, outboxID)
	return err
}

// --- Idempotency keys -------------------------------------------------------

// PersistIdempotencyKey stores a key→result mapping with a TTL.
func (d *DB) PersistIdempotencyKey(ctx context.Context, key, actionID string, result map[string]any, ttl time.Duration) error {
	r, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now()
	_, err = d.Conn.ExecContext(ctx, `INSERT INTO idempotency_keys (key, action_id, result, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET action_id = excluded.action_id, result = excluded.result,
			created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, actionID, r, formatTime(now), formatTime(now.Add(ttl)))
	return err
}

// GetIdempotencyKey returns the cached result, or nil if absent or expired.
func (d *DB) GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyKey, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT key, action_id, result, created_at, expires_at
		FROM idempotency_keys WHERE key = ?`, key)
	var out IdempotencyKey
	var result, createdAt, expiresAt string
	if err := row.Scan(&out.Key, &out.ActionID, &result, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var err error
	if out.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if out.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if out.Result, err = unmarshalJSON(result); err != nil {
		return nil, err
	}
	if time.Now().After(out.ExpiresAt) {
		return nil, nil
	}
	return &out, nil
}

// PruneExpiredIdempotencyKeys deletes expired rows and returns the count removed.
func (d *DB) PruneExpiredIdempotencyKeys(ctx context.Context) (int, error) {
	res, err := d.Conn.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < ?`, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RestoreAll aggregates startup diagnostics across all managed tables.
func (d *DB) RestoreAll(ctx context.Context) (RestoreCounts, error) {
	sessions, err := d.LoadActiveSessions(ctx)
	if err != nil {
		return RestoreCounts{}, err
	}
	confirmations, err := d.LoadPendingConfirmations(ctx)
	if err != nil {
		return RestoreCounts{}, err
	}
	letters, err := d.LoadDeadLetters(ctx)
	if err != nil {
		return RestoreCounts{}, err
	}
	outbox, err := d.GetPendingOutbox(ctx, 1_000_000)
	if err != nil {
		return RestoreCounts{}, err
	}
	return RestoreCounts{
		Sessions:             len(sessions),
		PendingConfirmations: len(confirmations),
		DeadLetters:          len(letters),
		PendingOutbox:        len(outbox),
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ErrConcurrencyConflict is returned when an optimistic-concurrency update
// (compare-and-swap on status/superseded_by) affects zero rows.
var ErrConcurrencyConflict = errors.New("concurrency conflict")
