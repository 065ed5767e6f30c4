// ABOUTME: Tests for the full-jitter reconnect backoff policy.
// ABOUTME: Verifies jitter bounds, the cap, and degenerate inputs.

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_WithinJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	for attempt := 0; attempt < 6; attempt++ {
		ceiling := base << attempt
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, base, max)
			assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
}

func TestBackoff_CapBoundsLargeAttempts(t *testing.T) {
	base := 500 * time.Millisecond
	max := 2 * time.Second

	for i := 0; i < 100; i++ {
		d := Backoff(50, base, max)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, max)
	}
}

func TestBackoff_DegenerateInputs(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(3, 0, time.Second))
	assert.Equal(t, time.Duration(0), Backoff(3, -time.Second, time.Second))

	// Cap below base falls back to the base as ceiling.
	for i := 0; i < 20; i++ {
		d := Backoff(4, time.Second, time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
