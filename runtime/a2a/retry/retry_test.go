package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestIsRetryableProperty checks IsRetryable's classification holds across a
// generated range of inputs, not just the handful of cases a table would
// enumerate: nil and user cancellation never retry, a deadline timeout
// always does, and HTTP status codes split on the supervisor/gate runner's
// retryable set (429/503) vs. a generic 4xx.
func TestIsRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(nil)
		},
		gen.Int(),
	))

	properties.Property("context.Canceled is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(context.Canceled)
		},
		gen.Int(),
	))

	properties.Property("context.DeadlineExceeded is retryable", prop.ForAll(
		func(_ int) bool {
			return IsRetryable(context.DeadlineExceeded)
		},
		gen.Int(),
	))

	properties.Property("HTTP 503 is retryable regardless of message", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(&HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: msg})
		},
		gen.AlphaString(),
	))

	properties.Property("HTTP 429 is retryable regardless of message", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(&HTTPStatusError{StatusCode: http.StatusTooManyRequests, Message: msg})
		},
		gen.AlphaString(),
	))

	properties.Property("HTTP 4xx other than 429 is not retryable", prop.ForAll(
		func(code int, msg string) bool {
			if code == http.StatusTooManyRequests {
				code++
			}
			return !IsRetryable(&HTTPStatusError{StatusCode: code, Message: msg})
		},
		gen.IntRange(400, 499),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestRetryDoProperty exercises Do's attempt-counting contract across a
// range of MaxAttempts: a non-retryable failure stops on the first attempt,
// a persistently retryable one runs exactly MaxAttempts times and surfaces
// an ExhaustedError, matching the service supervisor's restart-budget
// expectations.
func TestRetryDoProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	baseCfg := func(maxAttempts int) Config {
		return Config{
			MaxAttempts:       maxAttempts,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}
	}

	properties.Property("a succeeding operation returns nil on the first attempt", prop.ForAll(
		func(maxAttempts int) bool {
			attempts := 0
			err := Do(context.Background(), baseCfg(maxAttempts), func(_ context.Context) error {
				attempts++
				return nil
			})
			return err == nil && attempts == 1
		},
		gen.IntRange(1, 10),
	))

	properties.Property("a non-retryable error short-circuits after one attempt", prop.ForAll(
		func(maxAttempts int) bool {
			attempts := 0
			sentinel := errors.New("non-retryable")
			err := Do(context.Background(), baseCfg(maxAttempts), func(_ context.Context) error {
				attempts++
				return sentinel
			})
			return attempts == 1 && errors.Is(err, sentinel)
		},
		gen.IntRange(2, 10),
	))

	properties.Property("a persistently retryable error exhausts every attempt", prop.ForAll(
		func(maxAttempts int) bool {
			attempts := 0
			retryableErr := &HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: "unavailable"}
			err := Do(context.Background(), baseCfg(maxAttempts), func(_ context.Context) error {
				attempts++
				return retryableErr
			})
			var exhausted *ExhaustedError
			return attempts == maxAttempts && errors.As(err, &exhausted) && exhausted.Attempts == maxAttempts
		},
		gen.IntRange(1, 5),
	))

	properties.Property("the Nth retryable attempt succeeds and stops retrying early", prop.ForAll(
		func(maxAttempts, succeedOn int) bool {
			if succeedOn > maxAttempts {
				succeedOn = maxAttempts
			}
			attempts := 0
			err := Do(context.Background(), baseCfg(maxAttempts), func(_ context.Context) error {
				attempts++
				if attempts >= succeedOn {
					return nil
				}
				return &HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: "unavailable"}
			})
			return err == nil && attempts == succeedOn
		},
		gen.IntRange(2, 6),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

// TestExhaustedErrorProperty checks ExhaustedError's attempt count and
// errors.Unwrap both round-trip the values it was constructed with.
func TestExhaustedErrorProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Attempts reports what it was constructed with", prop.ForAll(
		func(attempts int) bool {
			err := &ExhaustedError{Attempts: attempts, TotalDuration: time.Second, LastError: errors.New("boom")}
			return err.Attempts == attempts
		},
		gen.IntRange(1, 100),
	))

	properties.Property("unwraps to the last underlying error", prop.ForAll(
		func(msg string) bool {
			lastErr := errors.New(msg)
			err := &ExhaustedError{Attempts: 3, TotalDuration: time.Second, LastError: lastErr}
			return errors.Is(err, lastErr)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestStreamReconnectProperty checks StreamState's last-event-id tracking
// and reset semantics: Reset clears the reconnect counter but must not
// discard the last seen event id, since a reconnecting stream resumes from
// it.
func TestStreamReconnectProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("UpdateLastEventID stores the given id verbatim", prop.ForAll(
		func(eventID string) bool {
			state := &StreamState{}
			state.UpdateLastEventID(eventID)
			return state.LastEventID == eventID
		},
		gen.AlphaString(),
	))

	properties.Property("Reset zeroes the reconnect attempt counter", prop.ForAll(
		func(attempts int) bool {
			if attempts < 0 {
				attempts = -attempts
			}
			state := &StreamState{ReconnectAttempts: attempts}
			state.Reset()
			return state.ReconnectAttempts == 0
		},
		gen.IntRange(0, 100),
	))

	properties.Property("Reset preserves the last event id", prop.ForAll(
		func(eventID string) bool {
			state := &StreamState{LastEventID: eventID, ReconnectAttempts: 5}
			state.Reset()
			return state.LastEventID == eventID
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestCalculateBackoffProperty checks the backoff curve used by both the
// service supervisor's restart policy and the gate runner's flake retry:
// monotonically non-decreasing with attempt number, and capped at
// MaxBackoff no matter how many attempts have elapsed.
func TestCalculateBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff never decreases with attempt number", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        10 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            0,
			}
			return calculateBackoff(cfg, attempt+1) >= calculateBackoff(cfg, attempt)
		},
		gen.IntRange(1, 10),
	))

	properties.Property("backoff never exceeds the configured max", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            0,
			}
			return calculateBackoff(cfg, attempt) <= cfg.MaxBackoff
		},
		gen.IntRange(1, 100),
	))

	properties.Property("jittered backoff stays within +/-Jitter of the base curve", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    50 * time.Millisecond,
				MaxBackoff:        5 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            0.2,
			}
			base := Config{InitialBackoff: cfg.InitialBackoff, MaxBackoff: cfg.MaxBackoff, BackoffMultiplier: cfg.BackoffMultiplier}
			baseline := float64(calculateBackoff(base, attempt))
			got := float64(calculateBackoff(cfg, attempt))
			lo, hi := baseline*(1-cfg.Jitter), baseline*(1+cfg.Jitter)
			return got >= lo && got <= hi
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

// TestHTTPStatusErrorProperty checks HTTPStatusError.Error always produces a
// non-empty message across the full valid HTTP status range.
func TestHTTPStatusErrorProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Error() is always non-empty", prop.ForAll(
		func(code int, msg string) bool {
			err := &HTTPStatusError{StatusCode: code, Message: msg}
			return len(err.Error()) > 0
		},
		gen.IntRange(100, 599),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// mockTimeoutError implements net.Error for exercising the timeout-based
// branch of IsRetryable without reaching an actual socket.
type mockTimeoutError struct {
	timeout bool
}

func (e *mockTimeoutError) Error() string   { return "mock network error" }
func (e *mockTimeoutError) Timeout() bool   { return e.timeout }
func (e *mockTimeoutError) Temporary() bool { return false } //nolint:staticcheck // net.Error still requires it

var _ net.Error = (*mockTimeoutError)(nil)

func TestNetworkErrorRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "timeout error is retryable", err: &mockTimeoutError{timeout: true}, retryable: true},
		{name: "non-timeout network error is not retryable", err: &mockTimeoutError{}, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}
