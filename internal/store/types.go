package store

import "time"

// SessionStatus enumerates session lifecycle states.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionClosed  SessionStatus = "closed"
)

// Session is the durable record for a conversational session.
type Session struct {
	SessionID      string
	UserID         string
	ConversationID string
	Profile        string
	Status         SessionStatus
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	LastActivity   time.Time
	TurnCount      int
	Metadata       map[string]any
}

// ConfirmationStatus enumerates confirmation token lifecycle states.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "pending"
	ConfirmationApproved ConfirmationStatus = "approved"
	ConfirmationDenied   ConfirmationStatus = "denied"
	ConfirmationExpired  ConfirmationStatus = "expired"
)

// Confirmation is the durable record for a single-use approval token.
type Confirmation struct {
	ConfirmationID string
	SessionID      string
	TurnID         string
	ToolName       string
	Args           map[string]any
	Summary        string
	Status         ConfirmationStatus
	CreatedAt      time.Time
	TTLSeconds     int
	DecidedAt      *time.Time
}

// DeadLetter is the durable record of a failed action retained for replay.
type DeadLetter struct {
	LetterID        string
	ActionID        string
	Intent          string
	Params          map[string]any
	ErrorCode       string
	ErrorMessage    string
	FailureClass    string
	CorrelationID   string
	SessionID       string
	CreatedAt       time.Time
	RetriesExhausted bool
	Replayed        bool
	ReplayedAt      *time.Time
	ReplayActionID  string
}

// OutboxEntry is a write-ahead queue entry ensuring at-least-once delivery
// from the turn pipeline to the ledger.
type OutboxEntry struct {
	OutboxID    string
	EntryType   string
	Payload     map[string]any
	CreatedAt   time.Time
	Delivered   bool
	DeliveredAt *time.Time
	Attempts    int
}

// IdempotencyKey caches a prior turn result keyed by caller-supplied key.
type IdempotencyKey struct {
	Key       string
	ActionID  string
	Result    map[string]any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RestoreCounts aggregates startup diagnostics from restore_all.
type RestoreCounts struct {
	Sessions             int
	PendingConfirmations int
	DeadLetters          int
	PendingOutbox        int
}
