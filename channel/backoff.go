package channel

import "time"

// BackoffDelay computes the wait before reconnection attempt n
// (zero-based): base doubled per attempt, capped at max.
func BackoffDelay(base, max time.Duration, attempt int32) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	// Shifting past 62 bits would overflow time.Duration.
	if attempt > 30 {
		return max
	}

	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
