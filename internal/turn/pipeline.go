package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/confirmation"
	"github.com/vegasmandawg/sonia-core/internal/executor"
	"github.com/vegasmandawg/sonia-core/internal/idgen"
	"github.com/vegasmandawg/sonia-core/internal/retrieval"
	"github.com/vegasmandawg/sonia-core/internal/session"
	"github.com/vegasmandawg/sonia-core/internal/store"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

const (
	defaultRecallLimit      = 8
	defaultRecallCharBudget = 4000
	defaultIdempotencyTTL   = 10 * time.Minute
)

// ErrShutdown is returned by HandleTurn when the pipeline's context has
// already been cancelled.
var ErrShutdown = errors.New("turn pipeline is shutting down")

// Pipeline wires the durable session manager, hybrid recall engine, model
// router, tool executor, and confirmation manager into the six-stage turn
// contract: admit, recall, model, tool extraction, persist, respond.
type Pipeline struct {
	sessions *session.Manager
	recall   *retrieval.Engine
	router   ModelRouter
	exec     *executor.Executor
	confirm  *confirmation.Manager
	db       *store.DB
	logger   telemetry.Logger
	stream   StreamSink

	maxInFlight      int
	recallLimit      int
	recallCharBudget int

	mu       sync.Mutex
	order    []string
	inFlight map[string]context.CancelFunc
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithStreamSink attaches a StreamSink receiving per-stage progress events.
func WithStreamSink(s StreamSink) Option {
	return func(p *Pipeline) { p.stream = s }
}

// WithMaxInFlight bounds the number of concurrently admitted turns. Once the
// bound is reached, admitting a new turn cancels and sheds the oldest one
// still in flight.
func WithMaxInFlight(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxInFlight = n
		}
	}
}

// WithRecallBudget overrides the default recall result count and character
// budget.
func WithRecallBudget(limit, charBudget int) Option {
	return func(p *Pipeline) {
		if limit > 0 {
			p.recallLimit = limit
		}
		if charBudget > 0 {
			p.recallCharBudget = charBudget
		}
	}
}

// New constructs a Pipeline. router may be nil only in tests that never
// reach the Model stage.
func New(sessions *session.Manager, recall *retrieval.Engine, router ModelRouter, exec *executor.Executor, confirm *confirmation.Manager, db *store.DB, opts ...Option) *Pipeline {
	p := &Pipeline{
		sessions:         sessions,
		recall:           recall,
		router:           router,
		exec:             exec,
		confirm:          confirm,
		db:               db,
		logger:           telemetry.NewNoopLogger(),
		stream:           NoopSink{},
		maxInFlight:      32,
		recallLimit:      defaultRecallLimit,
		recallCharBudget: defaultRecallCharBudget,
		inFlight:         make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// admit registers turnID as in flight, shedding the oldest admitted turn if
// the pipeline is already at capacity. Returns the shed turn id, if any.
func (p *Pipeline) admit(turnID string, cancel context.CancelFunc) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var shed string
	if len(p.order) >= p.maxInFlight {
		shed = p.order[0]
		p.order = p.order[1:]
		if shedCancel, ok := p.inFlight[shed]; ok {
			shedCancel()
			delete(p.inFlight, shed)
		}
	}
	p.order = append(p.order, turnID)
	p.inFlight[turnID] = cancel
	return shed
}

func (p *Pipeline) release(turnID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, turnID)
	for i, id := range p.order {
		if id == turnID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Pipeline) emit(ctx context.Context, turnID string, state State, data map[string]any) {
	p.stream.Emit(ctx, Event{TurnID: turnID, State: state, Data: data})
}

// HandleTurn drives req through all six stages and returns the terminal
// Response. The returned error is non-nil only for conditions the caller
// cannot recover from (context already cancelled); every other failure is
// reported inside Response.
func (p *Pipeline) HandleTurn(ctx context.Context, req Request) (Response, error) {
	if req.TurnID == "" {
		req.TurnID = idgen.New(idgen.PrefixTurn)
	}
	select {
	case <-ctx.Done():
		return Response{}, ErrShutdown
	default:
	}

	latency := make(map[string]float64)

	// Idempotency short-circuit: a prior identical request's result is
	// replayed verbatim without re-running any stage.
	if req.IdempotencyKey != "" {
		cached, err := p.db.GetIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			p.logger.Warn(ctx, "idempotency lookup failed", "turn_id", req.TurnID, "error", err.Error())
		} else if cached != nil {
			resp := Response{OK: true, TurnID: req.TurnID, FromCache: true, Latency: latency}
			if text, ok := cached.Result["assistant_text"].(string); ok {
				resp.AssistantText = text
			}
			return resp, nil
		}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if shed := p.admit(req.TurnID, cancel); shed != "" {
		p.emit(ctx, shed, StateCancelled, map[string]any{"reason": "shed_for_backpressure"})
		p.logger.Warn(ctx, "turn shed under backpressure", "shed_turn_id", shed, "admitted_turn_id", req.TurnID)
	}
	defer p.release(req.TurnID)

	p.emit(turnCtx, req.TurnID, StateAdmitted, nil)

	if err := p.sessions.Touch(turnCtx, req.SessionID, time.Now().UTC()); err != nil {
		return p.fail(turnCtx, req, latency, fmt.Errorf("touch session: %w", err))
	}

	// --- Recall ---------------------------------------------------------
	sw := newStopwatch()
	p.emit(turnCtx, req.TurnID, StateRecalling, nil)
	recalled, err := p.recall.AsyncSearch(turnCtx, req.UserText, p.recallLimit)
	latency["recall_ms"] = sw.elapsedMS()
	if err != nil {
		// Recall failures are non-fatal: the turn proceeds with no recalled
		// context rather than failing the user's request.
		p.logger.Warn(turnCtx, "recall failed, proceeding without context", "turn_id", req.TurnID, "error", err.Error())
		recalled = nil
	}
	recalled = capRecallBudget(recalled, p.recallCharBudget)

	select {
	case <-turnCtx.Done():
		return p.cancelled(req, latency)
	default:
	}

	// --- Model ------------------------------------------------------------
	sw = newStopwatch()
	p.emit(turnCtx, req.TurnID, StateModeling, nil)
	reply, err := p.router.Complete(turnCtx, req.UserText, recalled)
	latency["model_ms"] = sw.elapsedMS()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return p.cancelled(req, latency)
		}
		return p.fail(turnCtx, req, latency, fmt.Errorf("model completion: %w", err))
	}

	// --- Tool extraction ----------------------------------------------------
	sw = newStopwatch()
	toolResults := make([]ToolResult, 0, len(reply.ToolCalls))
	for _, call := range reply.ToolCalls {
		tr, err := p.dispatchTool(turnCtx, req, call)
		if err != nil {
			latency["tools_ms"] = sw.elapsedMS()
			return p.fail(turnCtx, req, latency, err)
		}
		toolResults = append(toolResults, tr)
	}
	latency["tools_ms"] = sw.elapsedMS()

	// --- Persist ----------------------------------------------------------
	sw = newStopwatch()
	p.emit(turnCtx, req.TurnID, StatePersisting, nil)
	payload := map[string]any{
		"session_id":     req.SessionID,
		"turn_id":        req.TurnID,
		"user_text":      req.UserText,
		"assistant_text": reply.AssistantText,
		"tool_calls":     len(toolResults),
	}
	if err := p.db.EnqueueOutbox(turnCtx, idgen.New(idgen.PrefixOutbox), "turn_completed", payload); err != nil {
		latency["persist_ms"] = sw.elapsedMS()
		return p.fail(turnCtx, req, latency, fmt.Errorf("enqueue outbox: %w", err))
	}
	latency["persist_ms"] = sw.elapsedMS()

	if req.IdempotencyKey != "" {
		result := map[string]any{"assistant_text": reply.AssistantText}
		if err := p.db.PersistIdempotencyKey(turnCtx, req.IdempotencyKey, req.TurnID, result, defaultIdempotencyTTL); err != nil {
			p.logger.Warn(turnCtx, "persist idempotency key failed", "turn_id", req.TurnID, "error", err.Error())
		}
	}

	// --- Respond ------------------------------------------------------------
	resp := Response{
		OK:            true,
		TurnID:        req.TurnID,
		AssistantText: reply.AssistantText,
		ToolResults:   toolResults,
		Latency:       latency,
	}
	p.emit(turnCtx, req.TurnID, StateCompleted, map[string]any{"latency": latency})
	return resp, nil
}

// dispatchTool routes one model-requested tool call through the executor's
// ALLOW/CONFIRM/DENY contract, minting and awaiting a confirmation token when
// required.
func (p *Pipeline) dispatchTool(ctx context.Context, req Request, call ToolCall) (ToolResult, error) {
	outcome := p.exec.Execute(ctx, req.SessionID, req.TurnID, req.Mode, req.TurnID, call.Name, call.Args)
	tr := ToolResult{
		Call:          call,
		Status:        string(outcome.Status),
		ActionID:      outcome.ActionID,
		ApprovalToken: outcome.ApprovalToken,
		Stdout:        outcome.Stdout,
		Stderr:        outcome.Stderr,
		ReturnCode:    outcome.ReturnCode,
		DenialReason:  outcome.Reason,
	}

	switch outcome.Status {
	case executor.StatusRequiresApproval:
		p.emit(ctx, req.TurnID, StateAwaitingApproval, map[string]any{
			"tool": call.Name, "action_id": outcome.ActionID, "token": outcome.ApprovalToken,
		})
	case executor.StatusPolicyDenied:
		p.logger.Info(ctx, "tool call denied by policy", "turn_id", req.TurnID, "tool", call.Name, "reason", outcome.Reason)
	}
	return tr, nil
}

// CompleteApprovedTool re-dispatches a tool call whose confirmation has just
// been approved and reports the finished ToolResult, closing the gap
// dispatchTool leaves open when it returns StateAwaitingApproval: nothing
// else in the pipeline otherwise revisits that turn once a human decides.
// The confirmation record carries back the owning session and turn so the
// result can be streamed and persisted the same way a same-turn tool result
// is.
func (p *Pipeline) CompleteApprovedTool(ctx context.Context, actionID string) (ToolResult, error) {
	c, err := p.confirm.Get(actionID)
	if err != nil {
		return ToolResult{}, fmt.Errorf("resolve confirmation: %w", err)
	}

	outcome := p.exec.ExecuteApproved(ctx, actionID)
	tr := ToolResult{
		Call:         ToolCall{Name: c.ToolName, Args: c.Args},
		Status:       string(outcome.Status),
		ActionID:     actionID,
		Stdout:       outcome.Stdout,
		Stderr:       outcome.Stderr,
		ReturnCode:   outcome.ReturnCode,
		DenialReason: outcome.Reason,
	}

	p.emit(ctx, c.TurnID, StateApproved, map[string]any{
		"tool": c.ToolName, "action_id": actionID, "status": tr.Status,
	})

	payload := map[string]any{
		"session_id": c.SessionID,
		"turn_id":    c.TurnID,
		"action_id":  actionID,
		"tool":       c.ToolName,
		"status":     tr.Status,
	}
	if err := p.db.EnqueueOutbox(ctx, idgen.New(idgen.PrefixOutbox), "turn_tool_approved", payload); err != nil {
		p.logger.Warn(ctx, "enqueue approved tool outbox entry failed", "action_id", actionID, "error", err.Error())
	}

	return tr, nil
}

func capRecallBudget(results []retrieval.Result, charBudget int) []retrieval.Result {
	if charBudget <= 0 {
		return results
	}
	used := 0
	out := make([]retrieval.Result, 0, len(results))
	for _, r := range results {
		size := contentSize(r)
		if used+size > charBudget && len(out) > 0 {
			break
		}
		out = append(out, r)
		used += size
	}
	return out
}

func contentSize(r retrieval.Result) int {
	total := 0
	for k, v := range r.Content {
		total += len(k)
		if s, ok := v.(string); ok {
			total += len(s)
		} else {
			total += 16
		}
	}
	return total
}

func (p *Pipeline) fail(ctx context.Context, req Request, latency map[string]float64, err error) (Response, error) {
	p.logger.Error(ctx, "turn failed", "turn_id", req.TurnID, "error", err.Error())
	p.emit(ctx, req.TurnID, StateFailed, map[string]any{"error": err.Error()})
	return Response{OK: false, TurnID: req.TurnID, Error: err.Error(), Latency: latency}, nil
}

func (p *Pipeline) cancelled(req Request, latency map[string]float64) (Response, error) {
	return Response{OK: false, TurnID: req.TurnID, Error: "turn cancelled", Latency: latency}, nil
}
