package ratelimit

import "time"

// Backoff returns the wait before retry n (1-based): base·2^n capped at
// ceiling. Both transfer engines use it.
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		return ceiling
	}
	d := base << uint(n)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}
