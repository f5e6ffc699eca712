// Package backoff provides exponential backoff with jitter and a centralized
// transient-error predicate for retry decisions.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the first backoff duration.
	Initial time.Duration
	// Max caps the backoff duration.
	Max time.Duration
	// Factor is the exponential multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added to the backoff.
	Jitter float64
}

// DefaultPolicy returns the platform default: 100ms initial, 2x multiplier,
// 30s cap, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute calculates the backoff for a 1-indexed attempt:
// min(Max, Initial*Factor^(attempt-1) * (1 + Jitter*random)).
func (p Policy) Compute(attempt int) time.Duration {
	return p.computeWith(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// computeWith takes the random value explicitly so tests are deterministic.
func (p Policy) computeWith(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base*(1+p.Jitter*random))
	return time.Duration(total)
}

// Sleep waits for the attempt's backoff duration, respecting context
// cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Compute(attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
