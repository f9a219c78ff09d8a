package gate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/telemetry"
	"github.com/vegasmandawg/sonia-core/runtime/a2a/retry"
)

const (
	gateTimeout = 600 * time.Second
	tailBytes   = 500
)

// defaultRetryConfig is the shared exponential-backoff curve (see
// runtime/a2a/retry), applied here for a single retry: 2.75s ± 0.75s, i.e.
// a 2s base plus uniform 0-1.5s of jitter. MaxBackoff equals InitialBackoff
// so the helper's clamp leaves the first delay intact.
func defaultRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:       2,
		InitialBackoff:    2750 * time.Millisecond,
		MaxBackoff:        2750 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.75 / 2.75,
	}
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"timed out",
	"timeout",
	"broken pipe",
	"no route to host",
	"eof",
}

// Runner executes a fixed list of gate specs in order, classifying and
// retrying transient failures, and produces a Matrix report.
type Runner struct {
	gates    []Spec
	logger   telemetry.Logger
	timeout  time.Duration
	retryCfg retry.Config
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTimeout overrides the per-gate subprocess timeout (default 600s).
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithRetryConfig overrides the backoff curve used before the single retry
// of a transient failure (default: 2s base plus uniform 0-1.5s jitter).
func WithRetryConfig(cfg retry.Config) Option {
	return func(r *Runner) { r.retryCfg = cfg }
}

// New constructs a Runner over the given ordered gate specs.
func New(gates []Spec, opts ...Option) *Runner {
	r := &Runner{
		gates:    gates,
		logger:   telemetry.NewNoopLogger(),
		timeout:  gateTimeout,
		retryCfg: defaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every gate in order. A Class A gate that still fails after
// its retry trips fail-fast: remaining gates are not run and the verdict is
// HOLD. onlyClass, if non-empty, restricts execution to gates of that
// class.
func (r *Runner) Run(ctx context.Context, onlyClass Class) (Matrix, error) {
	start := time.Now()
	var results []Result
	failFast := false

	for _, spec := range r.gates {
		if onlyClass != "" && spec.Class != onlyClass {
			continue
		}
		result := r.runOne(ctx, spec)
		results = append(results, result)

		if !result.Passed && spec.Class == ClassA {
			failFast = true
			break
		}
	}

	passed := 0
	for _, res := range results {
		if res.Passed {
			passed++
		}
	}
	verdict := VerdictPromote
	allRequested := len(r.requestedGates(onlyClass))
	if passed != len(results) || len(results) != allRequested {
		verdict = VerdictHold
	}

	matrix := Matrix{
		Verdict:    verdict,
		Timestamp:  utcNow(start),
		ElapsedMS:  float64(time.Since(start).Microseconds()) / 1000.0,
		GatesTotal: len(results),
		GatesPass:  passed,
		FailFast:   failFast,
		Gates:      results,
	}

	raw, err := json.Marshal(matrix)
	if err != nil {
		return Matrix{}, fmt.Errorf("marshal matrix for checksum: %w", err)
	}
	sum := sha256.Sum256(raw)
	matrix.SHA256 = hex.EncodeToString(sum[:])

	r.logger.Info(ctx, "gate run complete", "verdict", verdict, "passed", passed, "total", len(results), "fail_fast", failFast)
	return matrix, nil
}

func (r *Runner) requestedGates(onlyClass Class) []Spec {
	if onlyClass == "" {
		return r.gates
	}
	var out []Spec
	for _, spec := range r.gates {
		if spec.Class == onlyClass {
			out = append(out, spec)
		}
	}
	return out
}

func (r *Runner) runOne(ctx context.Context, spec Spec) Result {
	start := time.Now()
	attempt := 1
	outcome := r.exec(ctx, spec)

	if outcome.failureClass == FailureTransient {
		backoff := retry.Backoff(r.retryCfg, 1)
		r.logger.Warn(ctx, "gate transient failure, retrying", "gate", spec.Name, "backoff", backoff.String())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		attempt = 2
		outcome = r.exec(ctx, spec)
	}

	return Result{
		Name:         spec.Name,
		Class:        spec.Class,
		Passed:       outcome.failureClass == FailureNone,
		Attempts:     attempt,
		DurationMS:   float64(time.Since(start).Microseconds()) / 1000.0,
		FailureClass: outcome.failureClass,
		Cwd:          spec.Cwd,
		StdoutTail:   outcome.stdoutTail,
		StderrTail:   outcome.stderrTail,
	}
}

type execOutcome struct {
	failureClass FailureClass
	stdoutTail   string
	stderrTail   string
}

func (r *Runner) exec(ctx context.Context, spec Spec) execOutcome {
	if len(spec.Cmd) == 0 {
		return execOutcome{failureClass: FailureNotFound, stderrTail: "no command configured"}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Cmd[0], spec.Cmd[1:]...)
	cmd.Dir = spec.Cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outcome := execOutcome{
		stdoutTail: tail(stdout.String(), tailBytes),
		stderrTail: tail(stderr.String(), tailBytes),
	}

	if err == nil {
		outcome.failureClass = FailureNone
		return outcome
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		outcome.failureClass = FailureTimeout
		return outcome
	}

	var notFound *exec.Error
	if errors.As(err, &notFound) {
		outcome.failureClass = FailureNotFound
		return outcome
	}

	if classifyTransient(stderr.String(), err) {
		outcome.failureClass = FailureTransient
		return outcome
	}

	outcome.failureClass = FailureDeterministic
	return outcome
}

func classifyTransient(stderrOutput string, err error) bool {
	lower := strings.ToLower(stderrOutput + " " + err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
