// ABOUTME: Reconnect backoff policy: exponential growth, capped, full jitter.
// ABOUTME: Attempt numbering is zero-based; the cap bounds the pre-jitter delay.

package transport

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay to wait before reconnect attempt number
// attempt (zero-based). The pre-jitter delay is base × 2^attempt, capped at
// max; the returned value is drawn uniformly from (0, delay] (full jitter)
// so simultaneous clients do not reconnect in lockstep.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay < 0 { // overflow guard
			delay = max
			break
		}
	}

	return time.Duration(rand.Int64N(int64(delay))) + 1
}
