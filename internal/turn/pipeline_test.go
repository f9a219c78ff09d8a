package turn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vegasmandawg/sonia-core/internal/confirmation"
	"github.com/vegasmandawg/sonia-core/internal/executor"
	"github.com/vegasmandawg/sonia-core/internal/memory"
	"github.com/vegasmandawg/sonia-core/internal/policy"
	"github.com/vegasmandawg/sonia-core/internal/retrieval"
	"github.com/vegasmandawg/sonia-core/internal/session"
	"github.com/vegasmandawg/sonia-core/internal/store"
)

type stubRouter struct {
	mu    sync.Mutex
	calls int
	reply ModelReply
	err   error
}

func (r *stubRouter) Complete(ctx context.Context, userText string, recalled []retrieval.Result) (ModelReply, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return ModelReply{}, r.err
	}
	return r.reply, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.State
	}
	return out
}

type testHarness struct {
	db      *store.DB
	sess    *session.Manager
	recall  *retrieval.Engine
	confirm *confirmation.Manager
	exec    *executor.Executor
	router  *stubRouter
	sink    *recordingSink
}

func newHarness(t *testing.T, policyEngine *policy.Engine) *testHarness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(ctx, filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger, err := memory.New(db.Conn, nil)
	require.NoError(t, err)

	recall := retrieval.New(ledger, nil, filepath.Join(dir, "vector.ndjson"), nil)
	ledger.AddIndexer(recall)
	require.NoError(t, recall.Initialize(ctx))

	sess := session.New(db)
	confirm := confirmation.New(db)

	if policyEngine == nil {
		policyEngine, err = policy.New(nil, policy.WithDefaultVerdict(policy.VerdictAllow))
		require.NoError(t, err)
	}
	exec := executor.New(policyEngine, executor.WithApprovalMinter(confirm))
	exec.Register(executor.ToolSpec{Name: "shell.run", RateLimitPerMinute: 60, Params: []executor.ParamSpec{
		{Name: "command", Type: executor.ParamString, Required: true},
	}}, func(ctx context.Context, args map[string]any) (string, string, int, error) {
		return "ok", "", 0, nil
	})
	exec.Register(executor.ToolSpec{Name: "file.write", RateLimitPerMinute: 60, Params: []executor.ParamSpec{
		{Name: "path", Type: executor.ParamString, Required: true},
		{Name: "content", Type: executor.ParamString, Required: true},
	}}, func(ctx context.Context, args map[string]any) (string, string, int, error) {
		return "wrote file", "", 0, nil
	})

	return &testHarness{
		db: db, sess: sess, recall: recall, confirm: confirm, exec: exec,
		router: &stubRouter{reply: ModelReply{AssistantText: "hello there"}},
		sink:   &recordingSink{},
	}
}

func (h *testHarness) newPipeline(opts ...Option) *Pipeline {
	base := []Option{WithStreamSink(h.sink)}
	return New(h.sess, h.recall, h.router, h.exec, h.confirm, h.db, append(base, opts...)...)
}

func mustSession(t *testing.T, h *testHarness) string {
	t.Helper()
	s, err := h.sess.Create(context.Background(), "user1", "conv1", "default")
	require.NoError(t, err)
	return s.SessionID
}

func TestHandleTurnHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPipeline()
	sid := mustSession(t, h)

	resp, err := p.HandleTurn(context.Background(), Request{SessionID: sid, UserText: "hi there"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "hello there", resp.AssistantText)
	require.Contains(t, resp.Latency, "recall_ms")
	require.Contains(t, resp.Latency, "model_ms")
	require.Contains(t, resp.Latency, "persist_ms")

	states := h.sink.states()
	require.Contains(t, states, StateAdmitted)
	require.Contains(t, states, StateRecalling)
	require.Contains(t, states, StateModeling)
	require.Contains(t, states, StatePersisting)
	require.Contains(t, states, StateCompleted)
}

func TestHandleTurnPersistsOutboxEntry(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPipeline()
	sid := mustSession(t, h)

	resp, err := p.HandleTurn(context.Background(), Request{SessionID: sid, UserText: "remember this"})
	require.NoError(t, err)
	require.True(t, resp.OK)

	pending, err := h.db.GetPendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "turn_completed", pending[0].EntryType)
}

func TestHandleTurnIdempotencyShortCircuits(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPipeline()
	sid := mustSession(t, h)

	req := Request{SessionID: sid, UserText: "hi", IdempotencyKey: "fixed-key"}
	first, err := p.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	req.TurnID = ""
	second, err := p.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, first.AssistantText, second.AssistantText)
	require.Equal(t, 1, h.router.calls)
}

func TestHandleTurnModelErrorFails(t *testing.T) {
	h := newHarness(t, nil)
	h.router.err = require.AnError
	p := h.newPipeline()
	sid := mustSession(t, h)

	resp, err := p.HandleTurn(context.Background(), Request{SessionID: sid, UserText: "hi"})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestHandleTurnUnknownSessionFails(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPipeline()

	resp, err := p.HandleTurn(context.Background(), Request{SessionID: "nonexistent", UserText: "hi"})
	require.NoError(t, err)
	require.False(t, resp.OK)
}

func TestHandleTurnDeniedToolRecorded(t *testing.T) {
	rules := policy.DefaultSafetyRules()
	engine, err := policy.New(rules, policy.WithDefaultVerdict(policy.VerdictAllow))
	require.NoError(t, err)

	h := newHarness(t, engine)
	h.router.reply = ModelReply{
		AssistantText: "running it",
		ToolCalls:     []ToolCall{{Name: "shell.run", Args: map[string]any{"command": "rm -rf /"}}},
	}
	p := h.newPipeline()
	sid := mustSession(t, h)

	resp, err := p.HandleTurn(context.Background(), Request{SessionID: sid, UserText: "clean up"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Len(t, resp.ToolResults, 1)
	require.Equal(t, string(executor.StatusPolicyDenied), resp.ToolResults[0].Status)
}

func TestHandleTurnConfirmRequiredMintsToken(t *testing.T) {
	rules := policy.DefaultSafetyRules()
	engine, err := policy.New(rules, policy.WithDefaultVerdict(policy.VerdictAllow))
	require.NoError(t, err)

	h := newHarness(t, engine)
	h.router.reply = ModelReply{
		AssistantText: "writing the file",
		ToolCalls:     []ToolCall{{Name: "file.write", Args: map[string]any{"path": "note.txt", "content": "hi"}}},
	}
	p := h.newPipeline()
	sid := mustSession(t, h)

	resp, err := p.HandleTurn(context.Background(), Request{SessionID: sid, UserText: "save a note"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Len(t, resp.ToolResults, 1)
	require.Equal(t, string(executor.StatusRequiresApproval), resp.ToolResults[0].Status)
	require.NotEmpty(t, resp.ToolResults[0].ApprovalToken)

	states := h.sink.states()
	require.Contains(t, states, StateAwaitingApproval)
}

func TestCompleteApprovedToolDispatchesAndEmits(t *testing.T) {
	rules := policy.DefaultSafetyRules()
	engine, err := policy.New(rules, policy.WithDefaultVerdict(policy.VerdictAllow))
	require.NoError(t, err)

	h := newHarness(t, engine)
	h.router.reply = ModelReply{
		AssistantText: "writing the file",
		ToolCalls:     []ToolCall{{Name: "file.write", Args: map[string]any{"path": "note.txt", "content": "hi"}}},
	}
	p := h.newPipeline()
	sid := mustSession(t, h)

	resp, err := p.HandleTurn(context.Background(), Request{SessionID: sid, UserText: "save a note"})
	require.NoError(t, err)
	actionID := resp.ToolResults[0].ActionID
	require.NotEmpty(t, actionID)

	require.NoError(t, h.confirm.Approve(context.Background(), actionID))

	result, err := p.CompleteApprovedTool(context.Background(), actionID)
	require.NoError(t, err)
	require.Equal(t, string(executor.StatusOK), result.Status)
	require.Equal(t, "wrote file", result.Stdout)

	states := h.sink.states()
	require.Contains(t, states, StateApproved)
}

func TestCompleteApprovedToolUnknownConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPipeline()

	_, err := p.CompleteApprovedTool(context.Background(), "act_nonexistent")
	require.Error(t, err)
}

func TestAdmitShedsOldestUnderBackpressure(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPipeline(WithMaxInFlight(1))

	_, cancelA := context.WithCancel(context.Background())
	shed := p.admit("turn-a", cancelA)
	require.Empty(t, shed)

	_, cancelB := context.WithCancel(context.Background())
	shed = p.admit("turn-b", cancelB)
	require.Equal(t, "turn-a", shed)
}

func TestOutboxDrainDeliversToLedger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.Open(ctx, filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	ledger, err := memory.New(db.Conn, nil)
	require.NoError(t, err)

	require.NoError(t, db.EnqueueOutbox(ctx, "obx_test1", "turn_completed", map[string]any{
		"session_id": "ses_1", "turn_id": "turn_1", "assistant_text": "hi",
	}))

	drain := NewOutboxDrain(db, ledger, nil)
	require.NoError(t, drain.DrainOnce(ctx))

	pending, err := db.GetPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOutboxDrainDropsUnknownType(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.Open(ctx, filepath.Join(dir, "sonia.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	ledger, err := memory.New(db.Conn, nil)
	require.NoError(t, err)

	require.NoError(t, db.EnqueueOutbox(ctx, "obx_test2", "mystery_type", map[string]any{"a": 1}))

	drain := NewOutboxDrain(db, ledger, nil)
	require.NoError(t, drain.DrainOnce(ctx))

	pending, err := db.GetPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestHandleTurnRespectsCancellation(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPipeline()
	sid := mustSession(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.HandleTurn(ctx, Request{SessionID: sid, UserText: "hi"})
	require.ErrorIs(t, err, ErrShutdown)
}
