package routing

import (
	"math"
	"time"
)

// Backoff returns the wait before the next attempt.
type Backoff interface {
	// Delay returns the delay after the given failed attempt (1-indexed).
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same duration after every failure.
type FixedBackoff time.Duration

// Delay implements Backoff.
func (b FixedBackoff) Delay(int) time.Duration {
	return time.Duration(b)
}

// ExponentialBackoff waits InitialDelay * 2^(attempt-1), capped at MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultExponentialBackoff is used for poll-triggered retries: 1s, 2s, 4s, ... (max 30s).
var DefaultExponentialBackoff = ExponentialBackoff{
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
}

// Delay implements Backoff.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(2, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
