package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vegasmandawg/sonia-core/internal/policy"
	"github.com/vegasmandawg/sonia-core/internal/store"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

// ToolImpl is a registered tool implementation. Output is captured as
// (stdout, stderr, returnCode); callers of the package decide how to pack
// these into a wire response.
type ToolImpl func(ctx context.Context, args map[string]any) (stdout, stderr string, returnCode int, err error)

// ApprovalMinter mints an approval token for a CONFIRM verdict and resolves
// a previously-minted one so an approved action can actually be dispatched.
type ApprovalMinter interface {
	Mint(ctx context.Context, sessionID, turnID, toolName string, args map[string]any, summary string, ttl time.Duration) (actionID, token string, err error)
	Get(confirmationID string) (store.Confirmation, error)
}

type registeredTool struct {
	spec    ToolSpec
	impl    ToolImpl
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	mu      sync.Mutex
	stats   UsageStats
}

// Executor dispatches validated, policy-checked tool calls to their
// implementations with per-tool rate limiting and circuit breaking.
type Executor struct {
	mu       sync.RWMutex
	tools    map[string]*registeredTool
	policy   *policy.Engine
	sandbox  *Sandbox
	approver ApprovalMinter
	logger   telemetry.Logger
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithSandbox attaches a Sandbox enforcing descendancy on all path arguments
// named "path".
func WithSandbox(s *Sandbox) Option {
	return func(e *Executor) { e.sandbox = s }
}

// WithApprovalMinter wires the C8 confirmation manager for CONFIRM verdicts.
func WithApprovalMinter(m ApprovalMinter) Option {
	return func(e *Executor) { e.approver = m }
}

// New constructs an Executor backed by a policy engine.
func New(policyEngine *policy.Engine, opts ...Option) *Executor {
	e := &Executor{
		tools:  make(map[string]*registeredTool),
		policy: policyEngine,
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register installs a tool implementation behind its own rate limiter and
// circuit breaker.
func (e *Executor) Register(spec ToolSpec, impl ToolImpl) {
	limit := rate.Limit(float64(spec.RateLimitPerMinute) / 60.0)
	if spec.RateLimitPerMinute <= 0 {
		limit = rate.Inf
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    spec.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[spec.Name] = &registeredTool{
		spec:    spec,
		impl:    impl,
		limiter: rate.NewLimiter(limit, max(1, spec.RateLimitPerMinute)),
		breaker: breaker,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Tools returns the spec of every registered tool.
func (e *Executor) Tools() []ToolSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(e.tools))
	for _, t := range e.tools {
		specs = append(specs, t.spec)
	}
	return specs
}

// Breaker exposes a tool's circuit breaker so the DLQ replay engine (C6) can
// read its current state without duplicating breaker instances.
func (e *Executor) Breaker(toolName string) *gobreaker.CircuitBreaker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[toolName]
	if !ok {
		return nil
	}
	return t.breaker
}

// Stats returns a snapshot of a tool's usage statistics.
func (e *Executor) Stats(toolName string) (UsageStats, bool) {
	e.mu.RLock()
	t, ok := e.tools[toolName]
	e.mu.RUnlock()
	if !ok {
		return UsageStats{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, true
}

// Execute runs the full contract: schema
// validation, sandbox containment, policy dispatch, rate limiting, circuit
// breaking, timeout-bounded dispatch, output capping, and usage stats.
func (e *Executor) Execute(ctx context.Context, sessionID, turnID, mode, traceID string, toolName string, args map[string]any) Outcome {
	e.mu.RLock()
	t, ok := e.tools[toolName]
	e.mu.RUnlock()
	if !ok {
		return Outcome{Status: StatusError, Reason: fmt.Sprintf("unknown tool %q", toolName)}
	}

	if errs := ValidateParams(t.spec, args); len(errs) > 0 {
		return Outcome{Status: StatusValidationFailed, ValidationErrs: errs}
	}

	if e.sandbox != nil {
		if raw, ok := args["path"]; ok {
			if pathStr, ok := raw.(string); ok {
				if _, err := e.sandbox.Resolve(pathStr); err != nil {
					return Outcome{Status: StatusPolicyDenied, Reason: err.Error()}
				}
			}
		}
	}

	decision := e.policy.Evaluate(ctx, toolName, args, mode, traceID)
	switch decision.Verdict {
	case policy.VerdictDeny:
		return Outcome{Status: StatusPolicyDenied, Reason: decision.Reason}
	case policy.VerdictConfirm:
		if e.approver == nil {
			return Outcome{Status: StatusPolicyDenied, Reason: "confirmation required but no approval minter configured"}
		}
		actionID, token, err := e.approver.Mint(ctx, sessionID, turnID, toolName, args, decision.Reason, 120*time.Second)
		if err != nil {
			return Outcome{Status: StatusError, Reason: fmt.Sprintf("mint approval token: %v", err)}
		}
		return Outcome{Status: StatusRequiresApproval, ActionID: actionID, ApprovalToken: token, Reason: decision.Reason}
	}

	return e.dispatch(ctx, t, toolName, args)
}

// ExecuteApproved re-dispatches a tool call whose confirmation has already
// been approved, loading the tool name and args the confirmation was minted
// with and bypassing policy evaluation entirely — the CONFIRM verdict was
// already satisfied when the human approved it, so re-running Execute would
// just mint a fresh CONFIRM forever. Still goes through rate limiting,
// circuit breaking, timeout, and output capping like any other dispatch.
func (e *Executor) ExecuteApproved(ctx context.Context, actionID string) Outcome {
	if e.approver == nil {
		return Outcome{Status: StatusError, Reason: "approved execution requires an approval minter"}
	}
	c, err := e.approver.Get(actionID)
	if err != nil {
		return Outcome{Status: StatusError, Reason: fmt.Sprintf("resolve confirmation: %v", err)}
	}
	if c.Status != store.ConfirmationApproved {
		return Outcome{Status: StatusPolicyDenied, Reason: fmt.Sprintf("confirmation %s is not approved (status=%s)", actionID, c.Status)}
	}

	e.mu.RLock()
	t, ok := e.tools[c.ToolName]
	e.mu.RUnlock()
	if !ok {
		return Outcome{Status: StatusError, Reason: fmt.Sprintf("unknown tool %q", c.ToolName)}
	}
	return e.dispatch(ctx, t, c.ToolName, c.Args)
}

// dispatch runs the common rate-limit/circuit-breaker/timeout/output-cap
// tail shared by a fresh Execute call and a re-dispatched ExecuteApproved
// call.
func (e *Executor) dispatch(ctx context.Context, t *registeredTool, toolName string, args map[string]any) Outcome {
	if !t.limiter.Allow() {
		return Outcome{Status: StatusRateLimited, Reason: fmt.Sprintf("rate limit exceeded for %q", toolName)}
	}

	timeout := time.Duration(t.spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := t.breaker.Execute(func() (any, error) {
		stdout, stderr, returnCode, err := t.impl(callCtx, args)
		if err != nil {
			return nil, err
		}
		return [3]any{stdout, stderr, returnCode}, nil
	})
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000.0

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.stats.record(false, elapsedMS, err.Error())
		status := StatusError
		if callCtx.Err() != nil {
			status = StatusTimeout
		}
		e.logger.Error(ctx, "tool execution failed", "tool", toolName, "error", err)
		return Outcome{Status: status, Reason: err.Error(), ElapsedMS: elapsedMS}
	}

	packed := result.([3]any)
	stdout, _ := packed[0].(string)
	stderr, _ := packed[1].(string)
	returnCode, _ := packed[2].(int)
	stdout = capOutput(stdout, DefaultMaxOutputSize)
	stderr = capOutput(stderr, DefaultMaxOutputSize)

	t.stats.record(true, elapsedMS, "")
	return Outcome{
		Status: StatusOK, Stdout: stdout, Stderr: stderr, ReturnCode: returnCode, ElapsedMS: elapsedMS,
	}
}

func capOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
