// Package backoff provides capped exponential backoff with jitter for
// transport reconnection.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay regardless of attempt number.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added to the delay.
	Jitter float64
}

// Reconnect returns the policy used for transport reconnection:
// 500ms initial, 30s cap, factor 2, 20% jitter. Retries are unbounded;
// the policy only shapes the spacing.
func Reconnect() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay calculates the backoff duration for a given attempt number.
// base = Initial * Factor^(attempt-1), jitter = base * Jitter * random(),
// result = min(Max, base + jitter). Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes the delay with a caller-provided random value in
// [0.0, 1.0), so tests get deterministic results.
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Sleep waits out the delay for the given attempt, respecting context
// cancellation. Returns nil if the sleep completed, or ctx.Err() if the
// context was cancelled first.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	duration := p.Delay(attempt)
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
