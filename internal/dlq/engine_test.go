package dlq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAlreadyReplayedRejected(t *testing.T) {
	e := New()
	trace := e.Evaluate(EvalInput{LetterID: "dl_001", AlreadyReplayed: true, FailureClass: "execution_error", CorrelationID: "corr_1"})
	require.Equal(t, DecisionReject, trace.Decision)
	require.Equal(t, ReasonAlreadyReplayed, trace.RejectReason)
}

func TestNonRetryableClassesRejected(t *testing.T) {
	e := New()
	for _, class := range []string{"circuit_open", "policy_denied", "validation_failed"} {
		trace := e.Evaluate(EvalInput{LetterID: "dl_" + class, FailureClass: class, CorrelationID: "corr_" + class})
		require.Equal(t, DecisionReject, trace.Decision)
		require.Equal(t, ReasonFailureClassNonRetryable, trace.RejectReason)
	}
}

func TestRetryableClassNotRejectedForNonRetryableReason(t *testing.T) {
	e := New()
	trace := e.Evaluate(EvalInput{LetterID: "dl_013", FailureClass: "execution_error", CorrelationID: "corr_13"})
	require.NotEqual(t, ReasonFailureClassNonRetryable, trace.RejectReason)
}

func TestOpenBreakerDefers(t *testing.T) {
	e := New()
	trace := e.Evaluate(EvalInput{LetterID: "dl_020", FailureClass: "execution_error", CorrelationID: "corr_20", BreakerState: "open"})
	require.Equal(t, DecisionDefer, trace.Decision)
	require.Equal(t, ReasonCircuitStillOpen, trace.RejectReason)
}

func TestClosedBreakerPasses(t *testing.T) {
	e := New()
	trace := e.Evaluate(EvalInput{LetterID: "dl_021", FailureClass: "execution_error", CorrelationID: "corr_21", BreakerState: "closed", DryRun: false})
	require.NotEqual(t, ReasonCircuitStillOpen, trace.RejectReason)
}

func TestCooldownDefersImmediateReplay(t *testing.T) {
	e := New(WithCooldown(50 * time.Millisecond))
	first := e.Evaluate(EvalInput{LetterID: "dl_031", FailureClass: "execution_error", CorrelationID: "corr_31a", DryRun: false})
	require.Equal(t, DecisionApprove, first.Decision)

	second := e.Evaluate(EvalInput{LetterID: "dl_031", FailureClass: "execution_error", CorrelationID: "corr_31b"})
	require.Equal(t, DecisionDefer, second.Decision)
	require.Equal(t, ReasonCooldownActive, second.RejectReason)
}

func TestCooldownExpires(t *testing.T) {
	e := New(WithCooldown(30 * time.Millisecond))
	e.Evaluate(EvalInput{LetterID: "dl_032", FailureClass: "execution_error", CorrelationID: "corr_32a", DryRun: false})
	time.Sleep(50 * time.Millisecond)
	trace := e.Evaluate(EvalInput{LetterID: "dl_032", FailureClass: "execution_error", CorrelationID: "corr_32b", DryRun: false})
	require.Equal(t, DecisionApprove, trace.Decision)
}

func TestWindowBudgetEnforced(t *testing.T) {
	e := New(WithCooldown(0), WithWindowBudget(3, 5*time.Minute))
	for i := 0; i < 3; i++ {
		trace := e.Evaluate(EvalInput{LetterID: "dl_letter", FailureClass: "execution_error", CorrelationID: "corr", DryRun: false})
		require.Equal(t, DecisionApprove, trace.Decision)
	}
	trace := e.Evaluate(EvalInput{LetterID: "dl_letter", FailureClass: "execution_error", CorrelationID: "corr"})
	require.Equal(t, DecisionDefer, trace.Decision)
	require.Equal(t, ReasonBudgetExhausted, trace.RejectReason)
}

func TestDryRunDoesNotSetCooldown(t *testing.T) {
	e := New(WithCooldown(time.Hour))
	e.Evaluate(EvalInput{LetterID: "dl_060", FailureClass: "execution_error", CorrelationID: "corr_60", DryRun: true})
	trace := e.Evaluate(EvalInput{LetterID: "dl_060", FailureClass: "execution_error", CorrelationID: "corr_60b", DryRun: true})
	require.Equal(t, DecisionApprove, trace.Decision)
}

func TestDryRunDoesNotConsumeBudget(t *testing.T) {
	e := New(WithCooldown(0), WithWindowBudget(2, 5*time.Minute))
	for i := 0; i < 5; i++ {
		e.Evaluate(EvalInput{LetterID: "dl_dry", FailureClass: "execution_error", CorrelationID: "corr", DryRun: true})
	}
	trace := e.Evaluate(EvalInput{LetterID: "dl_dry", FailureClass: "execution_error", CorrelationID: "corr", DryRun: true})
	require.Equal(t, DecisionApprove, trace.Decision)
}

func TestManualBlockOverridesAndUnblockRestores(t *testing.T) {
	e := New()
	e.BlockLetter("dl_080")
	blocked := e.Evaluate(EvalInput{LetterID: "dl_080", FailureClass: "execution_error", CorrelationID: "corr_80"})
	require.Equal(t, DecisionReject, blocked.Decision)
	require.Equal(t, ReasonManualBlock, blocked.RejectReason)

	e.UnblockLetter("dl_080")
	unblocked := e.Evaluate(EvalInput{LetterID: "dl_080", FailureClass: "execution_error", CorrelationID: "corr_80b"})
	require.Equal(t, DecisionApprove, unblocked.Decision)
}

func TestUnblockNonexistentIsSafe(t *testing.T) {
	e := New()
	require.NotPanics(t, func() { e.UnblockLetter("nonexistent") })
}

func TestCorrelationLineageTracksReplayChain(t *testing.T) {
	e := New()
	lineage := e.RecordLineage("corr_orig", "act_orig")
	require.Equal(t, "corr_orig", lineage.OriginalCorrelationID)
	require.Equal(t, "pending", lineage.Status)

	lineage = e.RecordLineage("corr_orig", "act_orig", "corr_replay1", "act_replay1")
	require.Len(t, lineage.ReplayCorrelationIDs, 1)
	require.Equal(t, "replayed", lineage.Status)

	result := e.GetLineage("act_orig")
	require.NotNil(t, result)
	require.Equal(t, 1, result["replay_count"])

	require.Nil(t, e.GetLineage("nonexistent"))
}

func TestTracesAreBounded(t *testing.T) {
	e := New(WithMaxTraces(5))
	for i := 0; i < 10; i++ {
		e.Evaluate(EvalInput{LetterID: "dl_many", AlreadyReplayed: true, FailureClass: "execution_error", CorrelationID: "corr"})
	}
	require.Len(t, e.GetTraces(0), 5)
	require.Len(t, e.GetTraces(3), 3)
}

func TestStatsReflectState(t *testing.T) {
	e := New(WithCooldown(0))
	stats := e.GetStats()
	require.Equal(t, 0, stats.TotalTraces)
	require.Equal(t, 0, stats.BlockedLetters)

	e.Evaluate(EvalInput{LetterID: "dl_120", FailureClass: "execution_error", CorrelationID: "corr_120", DryRun: false})
	e.BlockLetter("dl_blocked")
	e.RecordLineage("corr_o", "act_o")

	stats = e.GetStats()
	require.Equal(t, 1, stats.TotalTraces)
	require.Equal(t, 1, stats.ReplaysInWindow)
	require.Equal(t, 1, stats.BlockedLetters)
	require.Equal(t, 1, stats.TrackedLineages)
}
