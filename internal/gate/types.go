// Package gate implements the gate runner (C11): a fixed list of gate
// commands grouped into classes A (inherited floor, fail-fast), B (delta),
// and C (cross-cutting evidence), each run once with a single jittered
// retry on transient failure, producing a matrix JSON and a PROMOTE/HOLD
// verdict.
package gate

import "time"

// Class is a gate's position in the promotion floor.
type Class string

const (
	ClassA Class = "A"
	ClassB Class = "B"
	ClassC Class = "C"
)

// FailureClass categorizes why a gate run did not pass.
type FailureClass string

const (
	FailureNone          FailureClass = ""
	FailureDeterministic FailureClass = "deterministic_fail"
	FailureTransient     FailureClass = "transient_fail"
	FailureTimeout       FailureClass = "timeout"
	FailureNotFound      FailureClass = "not_found"
)

// Verdict is the overall promotion decision.
type Verdict string

const (
	VerdictPromote Verdict = "PROMOTE"
	VerdictHold    Verdict = "HOLD"
)

// Spec describes one gate: a command to run, its class, and its working
// directory.
type Spec struct {
	Name  string   `json:"name"`
	Class Class    `json:"class"`
	Cmd   []string `json:"cmd"`
	Cwd   string   `json:"cwd,omitempty"`
}

// Result is the per-gate telemetry recorded in the matrix.
type Result struct {
	Name         string       `json:"name"`
	Class        Class        `json:"class"`
	Passed       bool         `json:"passed"`
	Attempts     int          `json:"attempts"`
	DurationMS   float64      `json:"duration_ms"`
	FailureClass FailureClass `json:"failure_class,omitempty"`
	Cwd          string       `json:"cwd,omitempty"`
	StdoutTail   string       `json:"stdout_tail,omitempty"`
	StderrTail   string       `json:"stderr_tail,omitempty"`
}

// Matrix is the full report written to the output JSON.
type Matrix struct {
	Verdict    Verdict  `json:"verdict"`
	Timestamp  string   `json:"timestamp"`
	ElapsedMS  float64  `json:"elapsed_ms"`
	GatesTotal int      `json:"gates_total"`
	GatesPass  int      `json:"gates_pass"`
	FailFast   bool     `json:"fail_fast"`
	Gates      []Result `json:"gates"`
	SHA256     string   `json:"sha256"`
}

func utcNow(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
