package retry_test

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"docpipe/internal/retry"
	"docpipe/internal/services"
)

func transientErr() error {
	return services.Wrap(services.ErrTransient, "embedding", "embed", "rate limited", nil)
}

func TestDelayBounds(t *testing.T) {
	policy := retry.Policy{Base: time.Second, Max: 60 * time.Second, MaxAttempts: 6}
	c := retry.New(rand.NewPCG(1, 2))

	for attempt := 1; attempt <= 5; attempt++ {
		for trial := 0; trial < 200; trial++ {
			d := c.Decide(transientErr(), attempt, policy)
			if !d.Retry {
				t.Fatalf("attempt %d should retry", attempt)
			}

			capped := time.Duration(1<<uint(attempt-1)) * time.Second
			if capped > policy.Max {
				capped = policy.Max
			}
			lower := capped / 2
			upper := capped + capped/2
			if d.Delay < lower || d.Delay >= upper {
				t.Fatalf("attempt %d delay %v outside [%v, %v)", attempt, d.Delay, lower, upper)
			}
		}
	}
}

func TestDeterministicWithFixedSeed(t *testing.T) {
	policy := retry.Policy{Base: time.Second, Max: time.Minute, MaxAttempts: 5}

	a := retry.New(rand.NewPCG(7, 11))
	b := retry.New(rand.NewPCG(7, 11))
	for attempt := 1; attempt <= 4; attempt++ {
		da := a.Decide(transientErr(), attempt, policy)
		db := b.Decide(transientErr(), attempt, policy)
		if da.Delay != db.Delay {
			t.Fatalf("same seed produced different delays: %v vs %v", da.Delay, db.Delay)
		}
	}
}

func TestPermanentFailuresNeverRetry(t *testing.T) {
	policy := retry.Policy{Base: time.Second, Max: time.Minute, MaxAttempts: 5}
	c := retry.New(rand.NewPCG(3, 4))

	err := services.Wrap(services.ErrPermanentInput, "validation", "check", "malformed", nil)
	d := c.Decide(err, 1, policy)
	if d.Retry || d.Exhausted {
		t.Fatalf("permanent input must be terminal immediately: %+v", d)
	}
	if d.Kind != services.KindPermanentInput {
		t.Fatalf("unexpected kind: %s", d.Kind)
	}

	if d := c.Decide(errors.New("mystery"), 1, policy); d.Retry {
		t.Fatal("unknown errors must not retry")
	}
}

func TestExhaustionConvertsToPermanent(t *testing.T) {
	policy := retry.Policy{Base: time.Second, Max: time.Minute, MaxAttempts: 3}
	c := retry.New(rand.NewPCG(5, 6))

	if d := c.Decide(transientErr(), 2, policy); !d.Retry {
		t.Fatalf("attempt 2 of 3 should retry: %+v", d)
	}
	d := c.Decide(transientErr(), 3, policy)
	if d.Retry {
		t.Fatal("attempt 3 of 3 must not retry")
	}
	if !d.Exhausted {
		t.Fatal("exhausted retries must be flagged for permanent conversion")
	}
}
