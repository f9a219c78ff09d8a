// Package memory implements the typed memory ledger (C2): an append-only,
// content-immutable, versioned store of typed memory records with schema
// validation, temporal bounds, identity-key conflict detection, and
// governance-audited redaction.
package memory

import "time"

// Subtype enumerates the typed memory record kinds.
type Subtype string

const (
	SubtypeFact            Subtype = "FACT"
	SubtypePreference      Subtype = "PREFERENCE"
	SubtypeProject         Subtype = "PROJECT"
	SubtypeSessionContext  Subtype = "SESSION_CONTEXT"
	SubtypeSystemState     Subtype = "SYSTEM_STATE"
)

var allSubtypes = map[Subtype]string{
	SubtypeFact:           "FACT:v1",
	SubtypePreference:     "PREFERENCE:v1",
	SubtypeProject:        "PROJECT:v1",
	SubtypeSessionContext: "SESSION_CONTEXT:v1",
	SubtypeSystemState:    "SYSTEM_STATE:v1",
}

// SchemaVersion returns the validation_schema tag for a subtype (e.g. "FACT:v1").
func SchemaVersion(s Subtype) (string, bool) {
	v, ok := allSubtypes[s]
	return v, ok
}

// Record is a single typed memory ledger row.
type Record struct {
	ID                string
	Subtype           Subtype
	Content           map[string]any
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
	RecordedAt        time.Time
	ValidFrom         *time.Time
	ValidUntil        *time.Time
	SupersededBy      *string
	VersionChainHead  string
	Redacted          bool
	ValidationSchema  string
	ContentFormat     string
	ArchivedAt        *time.Time
	AccessCount       int
	LastAccessedAt    *time.Time
}

// ConflictType enumerates the kinds of identity-key conflicts.
type ConflictType string

const (
	ConflictFactContradiction  ConflictType = "FACT_CONTRADICTION"
	ConflictPreferenceConflict ConflictType = "PREFERENCE_CONFLICT"
)

// Severity enumerates conflict severities.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Conflict is a detected identity-key conflict between two current records.
type Conflict struct {
	ID             string
	ConflictType   ConflictType
	Severity       Severity
	MemoryIDA      string
	MemoryIDB      string
	IdentityKey    map[string]any
	DetectedAt     time.Time
	ResolutionNote *string
	ResolvedAt     *time.Time
}

// RedactionAction enumerates governance audit actions.
type RedactionAction string

const (
	ActionRedact   RedactionAction = "REDACT"
	ActionUnredact RedactionAction = "UNREDACT"
)

// RedactionAuditEntry is one governance audit row.
type RedactionAuditEntry struct {
	ID        string
	MemoryID  string
	Action    RedactionAction
	Reason    string
	Performer string
	CreatedAt time.Time
}

// StoreResult is the response shape for Ledger.Store.
type StoreResult struct {
	MemoryID  string
	Valid     bool
	Errors    []string
	Conflicts []Conflict
}

// QueryResult is the response shape for Ledger.Query.
type QueryResult struct {
	Results    []Record
	BudgetUsed int
	BudgetLimit int
	Truncated  bool
}

// QueryFilters narrows a Ledger.Query call.
type QueryFilters struct {
	Limit           int
	MaxChars        int
	TypeFilters     []Subtype
	IncludeRedacted bool
	OrderedIDs      []string
}

const redactedPlaceholder = "[REDACTED]"

// WireRecord is the wire-safe projection of a Record: Content is typed any
// so a redacted record can carry the bare placeholder string instead of
// Record's structured map[string]any, matching what callers of the typed
// query/version-history endpoints actually read off the wire.
type WireRecord struct {
	ID               string         `json:"id"`
	Subtype          Subtype        `json:"subtype"`
	Content          any            `json:"content"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	RecordedAt       time.Time      `json:"recorded_at"`
	ValidFrom        *time.Time     `json:"valid_from,omitempty"`
	ValidUntil       *time.Time     `json:"valid_until,omitempty"`
	SupersededBy     *string        `json:"superseded_by,omitempty"`
	VersionChainHead string         `json:"version_chain_head"`
	Redacted         bool           `json:"redacted"`
	ValidationSchema string         `json:"validation_schema"`
	ContentFormat    string         `json:"content_format"`
	ArchivedAt       *time.Time     `json:"archived_at,omitempty"`
	AccessCount      int            `json:"access_count"`
	LastAccessedAt   *time.Time     `json:"last_accessed_at,omitempty"`
	DecayScore       *float64       `json:"decay_score,omitempty"`
}

// ToWire projects a Record for JSON serialization, substituting the bare
// "[REDACTED]" string for Content when the record is redacted.
func (r Record) ToWire() WireRecord {
	var content any = r.Content
	if r.Redacted {
		content = redactedPlaceholder
	}
	return WireRecord{
		ID: r.ID, Subtype: r.Subtype, Content: content, Metadata: r.Metadata,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, RecordedAt: r.RecordedAt,
		ValidFrom: r.ValidFrom, ValidUntil: r.ValidUntil, SupersededBy: r.SupersededBy,
		VersionChainHead: r.VersionChainHead, Redacted: r.Redacted,
		ValidationSchema: r.ValidationSchema, ContentFormat: r.ContentFormat,
		ArchivedAt: r.ArchivedAt, AccessCount: r.AccessCount, LastAccessedAt: r.LastAccessedAt,
	}
}

// ToWireWithDecay is ToWire plus a computed decay score, used by the decay
// listing endpoint where every returned record carries its freshness score.
func (r Record) ToWireWithDecay(score float64) WireRecord {
	w := r.ToWire()
	w.DecayScore = &score
	return w
}

// WireRecords projects a slice of Records in one pass.
func WireRecords(recs []Record) []WireRecord {
	out := make([]WireRecord, len(recs))
	for i, r := range recs {
		out[i] = r.ToWire()
	}
	return out
}
