package policy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

const argSummaryTruncateLen = 120

type compiledRule struct {
	Rule
	action *regexp.Regexp
	args   map[string]*regexp.Regexp
	modes  map[string]struct{}
}

// Engine is a stateless rule evaluator: rules are tried lowest-priority-first
// (stable for ties); first match wins; otherwise the configured default
// verdict applies. Safe for concurrent use.
type Engine struct {
	mu             sync.RWMutex
	rules          []compiledRule
	defaultVerdict Verdict
	logger         telemetry.Logger
	auditLog       []Decision
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithDefaultVerdict overrides the no-match fallback verdict (default CONFIRM).
func WithDefaultVerdict(v Verdict) Option {
	return func(e *Engine) { e.defaultVerdict = v }
}

// WithLogger attaches a structured logger for decision audit lines.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New constructs an Engine from an initial rule set (any order; rules are
// sorted by priority once compiled).
func New(rules []Rule, opts ...Option) (*Engine, error) {
	e := &Engine{defaultVerdict: VerdictConfirm, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AddRule compiles and inserts a rule, re-sorting the rule list by priority.
func (e *Engine) AddRule(r Rule) error {
	actionRe, err := regexp.Compile("(?i)^(?:" + r.ActionPattern + ")$")
	if err != nil {
		return fmt.Errorf("compile action pattern for rule %q: %w", r.Name, err)
	}
	argRes := make(map[string]*regexp.Regexp, len(r.ArgPatterns))
	for key, pattern := range r.ArgPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return fmt.Errorf("compile arg pattern %q for rule %q: %w", key, r.Name, err)
		}
		argRes[key] = re
	}
	var modes map[string]struct{}
	if len(r.ModeFilter) > 0 {
		modes = make(map[string]struct{}, len(r.ModeFilter))
		for _, m := range r.ModeFilter {
			modes[m] = struct{}{}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, compiledRule{Rule: r, action: actionRe, args: argRes, modes: modes})
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Priority < e.rules[j].Priority })
	return nil
}

// RemoveRule deletes a rule by name. Returns true if a rule was removed.
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := len(e.rules)
	kept := e.rules[:0:0]
	for _, r := range e.rules {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	e.rules = kept
	return len(e.rules) < before
}

// RuleCount returns the number of currently installed rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (r compiledRule) matches(action string, args map[string]any, mode string) bool {
	if !r.action.MatchString(action) {
		return false
	}
	for key, re := range r.args {
		val := fmt.Sprintf("%v", args[key])
		if !re.MatchString(val) {
			return false
		}
	}
	if len(r.modes) > 0 {
		if _, ok := r.modes[mode]; !ok {
			return false
		}
	}
	return true
}

func summarizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		s := fmt.Sprintf("%v", v)
		if len(s) > argSummaryTruncateLen {
			out[k] = s[:argSummaryTruncateLen]
		} else {
			out[k] = v
		}
	}
	return out
}

// Evaluate classifies action (with its args and the current operational
// mode) against the installed rule set.
func (e *Engine) Evaluate(ctx context.Context, action string, args map[string]any, mode string, traceID string) Decision {
	argsSummary := summarizeArgs(args)

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var decision Decision
	for _, r := range rules {
		if r.matches(action, args, mode) {
			reason := r.Description
			if reason == "" {
				reason = fmt.Sprintf("matched rule %q", r.Name)
			}
			decision = Decision{
				Verdict: r.Verdict, Action: action, RuleName: r.Name, TraceID: traceID,
				Timestamp: time.Now(), Reason: reason, ArgsSummary: argsSummary,
			}
			e.record(ctx, decision)
			return decision
		}
	}

	decision = Decision{
		Verdict: e.defaultVerdict, Action: action, RuleName: "__default__", TraceID: traceID,
		Timestamp: time.Now(),
		Reason:    fmt.Sprintf("no rule matched; default verdict = %s", e.defaultVerdict),
		ArgsSummary: argsSummary,
	}
	e.record(ctx, decision)
	return decision
}

func (e *Engine) record(ctx context.Context, d Decision) {
	e.mu.Lock()
	e.auditLog = append(e.auditLog, d)
	e.mu.Unlock()

	kv := []any{"verdict", string(d.Verdict), "action", d.Action, "rule", d.RuleName, "trace_id", d.TraceID}
	switch d.Verdict {
	case VerdictAllow:
		e.logger.Debug(ctx, "policy decision", kv...)
	case VerdictDeny:
		e.logger.Warn(ctx, "policy decision", kv...)
	default:
		e.logger.Info(ctx, "policy decision", kv...)
	}
}

// AuditLog returns a copy of the decision audit log.
func (e *Engine) AuditLog() []Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Decision, len(e.auditLog))
	copy(out, e.auditLog)
	return out
}

// RecentDecisions returns the last n decisions (fewer if the log is shorter).
func (e *Engine) RecentDecisions(n int) []Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n > len(e.auditLog) {
		n = len(e.auditLog)
	}
	out := make([]Decision, n)
	copy(out, e.auditLog[len(e.auditLog)-n:])
	return out
}

// ClearAuditLog discards all recorded decisions.
func (e *Engine) ClearAuditLog() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditLog = nil
}
