package hub

import (
	"math/rand/v2"
	"time"
)

const (
	// BackoffBaseDelay is the initial reconnect delay.
	BackoffBaseDelay = time.Second
	// BackoffMaxDelay caps the reconnect delay so steady-state retries are
	// never more than 30s apart.
	BackoffMaxDelay = 30 * time.Second
	// backoffJitter is the fraction of the delay added as random jitter.
	backoffJitter = 0.2
)

// Backoff returns the wait before reconnect attempt number attempt,
// counting from zero: min(base*2^attempt, max) plus 0-20% uniform jitter.
func Backoff(attempt int) time.Duration {
	return backoffDelay(BackoffBaseDelay, BackoffMaxDelay, attempt)
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := max
	// Shifting past 62 bits overflows; anything that large is capped anyway.
	if attempt < 32 {
		if d := base << uint(attempt); d < max {
			delay = d
		}
	}
	jitter := time.Duration(rand.Float64() * backoffJitter * float64(delay))
	return delay + jitter
}
