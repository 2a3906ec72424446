// Package retry classifies stage failures and schedules jittered
// exponential backoff between attempts. The coordinator holds no governor
// permit while waiting: the engine releases its slot before the delay and
// re-acquires it when the next attempt runs.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"docpipe/internal/services"
)

// Policy holds the backoff constants for one stage.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Coordinator computes retry decisions. Behavior is fully determined by the
// attempt number, the policy, and the injected randomness source, so tests
// can fix the seed and assert exact bounds.
type Coordinator struct {
	mu   sync.Mutex
	rand *rand.Rand
}

// New creates a coordinator drawing jitter from src. A nil src falls back to
// a time-seeded source.
func New(src rand.Source) *Coordinator {
	if src == nil {
		src = rand.NewPCG(uint64(time.Now().UnixNano()), uint64(time.Now().UnixNano()>>32))
	}
	return &Coordinator{rand: rand.New(src)}
}

// Decision is the coordinator's verdict on a failure.
type Decision struct {
	// Retry is set when the failure is retryable and attempts remain.
	Retry bool
	// Delay is how long to wait before the next attempt when Retry is set.
	Delay time.Duration
	// Kind is the classified failure category, recorded in the ledger.
	Kind services.Kind
	// Exhausted is set when the failure was retryable but max attempts have
	// been used; the outcome converts to permanent.
	Exhausted bool
}

// Decide classifies err after attempt n (1-indexed) under the given policy.
func (c *Coordinator) Decide(err error, attempt int, policy Policy) Decision {
	kind := services.Classify(err)
	if !services.IsRetryable(err) {
		return Decision{Kind: kind}
	}
	if attempt >= policy.MaxAttempts {
		return Decision{Kind: kind, Exhausted: true}
	}
	return Decision{
		Retry: true,
		Delay: c.delay(attempt, policy),
		Kind:  kind,
	}
}

// delay computes min(base × 2^(n−1), max) × jitter with jitter drawn
// uniformly from [0.5, 1.5).
func (c *Coordinator) delay(attempt int, policy Policy) time.Duration {
	base := float64(policy.Base) * math.Pow(2, float64(attempt-1))
	if policy.Max > 0 && base > float64(policy.Max) {
		base = float64(policy.Max)
	}

	c.mu.Lock()
	jitter := 0.5 + c.rand.Float64()
	c.mu.Unlock()

	return time.Duration(base * jitter)
}

// Wait sleeps for the decision's delay, returning early if ctx is cancelled.
func Wait(ctx context.Context, d Decision) error {
	if !d.Retry || d.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
