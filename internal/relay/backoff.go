package relay

import (
	"math/rand"
	"time"
)

// Policy decides, after a failed delivery attempt, between another retry and
// quarantine. It has no side effects; the caller supplies the clock.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction of the computed delay added at random, so a
	// burst of failures does not re-arm as a thundering herd.
	Jitter float64
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Quarantine  bool
	NextRetryAt time.Time
}

// Decide returns Quarantine once the budget is spent, otherwise a retry at an
// exponentially growing delay. retryCount is the number of retries already
// scheduled, not counting the attempt that just failed.
func (p Policy) Decide(now time.Time, retryCount, maxRetries int) Decision {
	if retryCount >= maxRetries {
		return Decision{Quarantine: true}
	}
	return Decision{NextRetryAt: now.Add(p.Delay(retryCount))}
}

// Delay computes the backoff for the given retry ordinal. Monotonically
// increasing before jitter, capped at MaxDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}
