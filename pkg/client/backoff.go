package client

import "time"

const (
	// BaseReconnectDelay is the delay before the first reconnect attempt.
	BaseReconnectDelay = time.Second
	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay = 30 * time.Second
	// MaxReconnectAttempts is the number of consecutive failed attempts after
	// which the gateway gives up.
	MaxReconnectAttempts = 5
)

// Backoff returns the delay before reconnect attempt n (zero based):
// min(base * 2^n, max).
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
