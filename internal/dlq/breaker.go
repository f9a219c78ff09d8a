package dlq

import "github.com/sony/gobreaker"

// BreakerStateOf renders a gobreaker.CircuitBreaker's current state as the
// string EvalInput.BreakerState expects, so the replay engine can read the
// tool executor's own breaker (C5) directly instead of keeping a duplicate
// circuit per tool. A nil breaker (tool never registered, or no breaker
// configured) reports "closed" so evaluation proceeds past that check.
func BreakerStateOf(b *gobreaker.CircuitBreaker) string {
	if b == nil {
		return "closed"
	}
	switch b.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
