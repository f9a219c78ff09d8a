package dlq

import (
	"sync"
	"time"
)

const (
	defaultCooldown     = 60 * time.Second
	defaultMaxPerWindow = 10
	defaultWindow       = 5 * time.Minute
	defaultMaxTraces    = 1000
)

// Engine evaluates dead-letter replay eligibility through six ordered
// checks: manual block, idempotency, non-retryable failure class, circuit
// breaker state, per-letter cooldown, and a rolling window replay budget.
// Dry-run evaluations never mutate engine state (cooldown, budget, or
// lineage).
type Engine struct {
	mu sync.Mutex

	cooldown    time.Duration
	maxPerWindow int
	window      time.Duration

	blocked      map[string]struct{}
	lastReplayAt map[string]time.Time
	windowHits   []time.Time

	traces   []Trace
	maxTraces int

	lineages map[string]*CorrelationLineage
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithCooldown overrides the per-letter replay cooldown (default 60s).
func WithCooldown(d time.Duration) Option {
	return func(e *Engine) { e.cooldown = d }
}

// WithWindowBudget overrides the rolling replay budget (default 10 replays
// per 5 minutes).
func WithWindowBudget(maxReplays int, window time.Duration) Option {
	return func(e *Engine) {
		e.maxPerWindow = maxReplays
		e.window = window
	}
}

// WithMaxTraces overrides the bounded trace ring buffer size (default 1000).
func WithMaxTraces(n int) Option {
	return func(e *Engine) { e.maxTraces = n }
}

// New constructs a replay policy Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		cooldown:     defaultCooldown,
		maxPerWindow: defaultMaxPerWindow,
		window:       defaultWindow,
		blocked:      make(map[string]struct{}),
		lastReplayAt: make(map[string]time.Time),
		maxTraces:    defaultMaxTraces,
		lineages:     make(map[string]*CorrelationLineage),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// BlockLetter prevents a letter_id from ever being approved for replay until
// unblocked.
func (e *Engine) BlockLetter(letterID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked[letterID] = struct{}{}
}

// UnblockLetter removes a manual block. Safe to call on an id that was
// never blocked.
func (e *Engine) UnblockLetter(letterID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.blocked, letterID)
}

// Evaluate runs the six ordered checks against in and records a Trace
// regardless of outcome.
func (e *Engine) Evaluate(in EvalInput) Trace {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	decision := DecisionApprove
	reason := ReasonNone

	switch {
	case e.isBlockedLocked(in.LetterID):
		decision, reason = DecisionReject, ReasonManualBlock
	case in.AlreadyReplayed:
		decision, reason = DecisionReject, ReasonAlreadyReplayed
	case isNonRetryable(in.FailureClass):
		decision, reason = DecisionReject, ReasonFailureClassNonRetryable
	case in.BreakerState == "open":
		decision, reason = DecisionDefer, ReasonCircuitStillOpen
	case e.inCooldownLocked(in.LetterID, now):
		decision, reason = DecisionDefer, ReasonCooldownActive
	case e.budgetExhaustedLocked(now):
		decision, reason = DecisionDefer, ReasonBudgetExhausted
	}

	if decision == DecisionApprove && !in.DryRun {
		e.lastReplayAt[in.LetterID] = now
		e.windowHits = append(e.windowHits, now)
	}

	trace := Trace{
		LetterID: in.LetterID, Decision: decision, RejectReason: reason,
		DryRun: in.DryRun, OriginalErrorCode: in.ErrorCode,
		CorrelationID: in.CorrelationID, SessionID: in.SessionID, EvaluatedAt: now,
	}
	e.appendTraceLocked(trace)
	return trace
}

func (e *Engine) isBlockedLocked(letterID string) bool {
	_, blocked := e.blocked[letterID]
	return blocked
}

func isNonRetryable(failureClass string) bool {
	_, ok := nonRetryableClasses[failureClass]
	return ok
}

func (e *Engine) inCooldownLocked(letterID string, now time.Time) bool {
	last, ok := e.lastReplayAt[letterID]
	if !ok {
		return false
	}
	return now.Sub(last) < e.cooldown
}

func (e *Engine) budgetExhaustedLocked(now time.Time) bool {
	e.pruneWindowLocked(now)
	return len(e.windowHits) >= e.maxPerWindow
}

func (e *Engine) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-e.window)
	i := 0
	for ; i < len(e.windowHits); i++ {
		if e.windowHits[i].After(cutoff) {
			break
		}
	}
	e.windowHits = e.windowHits[i:]
}

func (e *Engine) appendTraceLocked(t Trace) {
	e.traces = append(e.traces, t)
	if len(e.traces) > e.maxTraces {
		e.traces = e.traces[len(e.traces)-e.maxTraces:]
	}
}

// GetTraces returns the most recent traces, newest last, bounded by limit
// (0 or negative returns all retained traces).
func (e *Engine) GetTraces(limit int) []Trace {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit >= len(e.traces) {
		out := make([]Trace, len(e.traces))
		copy(out, e.traces)
		return out
	}
	out := make([]Trace, limit)
	copy(out, e.traces[len(e.traces)-limit:])
	return out
}

// RecordLineage registers or extends a correlation lineage. Calling it again
// for the same originalActionID with a replay id appends to the replay chain
// and marks the lineage replayed.
func (e *Engine) RecordLineage(originalCorrelationID, originalActionID string, replay ...string) CorrelationLineage {
	e.mu.Lock()
	defer e.mu.Unlock()

	lineage, ok := e.lineages[originalActionID]
	if !ok {
		lineage = &CorrelationLineage{
			OriginalCorrelationID: originalCorrelationID,
			OriginalActionID:      originalActionID,
			Status:                "pending",
		}
		e.lineages[originalActionID] = lineage
	}

	if len(replay) >= 2 {
		lineage.ReplayCorrelationIDs = append(lineage.ReplayCorrelationIDs, replay[0])
		lineage.ReplayActionIDs = append(lineage.ReplayActionIDs, replay[1])
		lineage.Status = "replayed"
	}

	return *lineage
}

// GetLineage returns a lineage snapshot by original action id, or nil if
// untracked.
func (e *Engine) GetLineage(originalActionID string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	lineage, ok := e.lineages[originalActionID]
	if !ok {
		return nil
	}
	return map[string]any{
		"original_correlation_id": lineage.OriginalCorrelationID,
		"original_action_id":      lineage.OriginalActionID,
		"replay_correlation_ids":  lineage.ReplayCorrelationIDs,
		"replay_count":            len(lineage.ReplayActionIDs),
		"status":                  lineage.Status,
	}
}

// GetStats returns a snapshot of engine-wide counters.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneWindowLocked(time.Now())
	return Stats{
		TotalTraces:     len(e.traces),
		ReplaysInWindow: len(e.windowHits),
		BlockedLetters:  len(e.blocked),
		TrackedLineages: len(e.lineages),
	}
}
