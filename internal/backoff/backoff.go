// Package backoff provides retry delay computation for the extraction
// scheduler and provider-internal retries.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff for the first retry.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// DefaultPolicy returns the policy used for provider-internal retries:
// 500ms initial, 30s max, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute calculates the backoff for a given attempt number (1-indexed):
// base = Initial * Factor^(attempt-1), plus base*Jitter*random(), capped at Max.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff using a provided random value in
// [0.0, 1.0). Deterministic variant for tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(float64(policy.Max), base+jitter)
	return time.Duration(total).Round(time.Millisecond)
}

// ExtractionSchedule is the fixed delay schedule for extraction job retries:
// 60s after the first failure, 300s after the second, 1800s after the third.
var ExtractionSchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	1800 * time.Second,
}

// ScheduleDelay returns the retry delay after the given failed attempt
// (1-indexed). Attempts past the end of the schedule reuse the last delay.
func ScheduleDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(schedule) {
		attempt = len(schedule)
	}
	return schedule[attempt-1]
}

// Sleep waits for the given duration, respecting context cancellation.
// Returns nil if the sleep completed, or ctx.Err() if cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
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
