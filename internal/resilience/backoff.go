package resilience

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig describes an exponential backoff curve with symmetric jitter.
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, e.g. 0.25
}

// DefaultBackoff returns the backoff curve used between LLM retries.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:       2 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// Delay computes the delay before retry attempt n (0-indexed):
// min(Base * Multiplier^n, Max), then +/- floor(delay*Jitter) chosen
// uniformly. Deterministic when Jitter is 0.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := c.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2
	}
	max := c.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := float64(base) * math.Pow(mult, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}

	if c.Jitter > 0 {
		spread := math.Floor(delay * c.Jitter)
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}
