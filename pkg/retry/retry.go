package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines bounded retries with fixed or exponential backoff.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Fixed keeps the delay constant between attempts instead of doubling it.
	Fixed  bool
	Jitter bool
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Jitter:         true,
}

// FixedPolicy retries with a constant delay, e.g. 1s x 3 for fill ingestion.
func FixedPolicy(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: delay, MaxBackoff: delay, Fixed: true}
}

// ExponentialPolicy doubles the delay per attempt up to the cap, e.g. 500ms
// base x 5 for transient database errors.
func ExponentialPolicy(attempts int, base, cap time.Duration) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: base, MaxBackoff: cap}
}

// Delay returns the wait before redelivery `attempt` (1-based). Attempts at
// or past MaxAttempts return a negative duration meaning "give up".
func (p Policy) Delay(attempt int) time.Duration {
	if attempt >= p.MaxAttempts {
		return -1
	}
	d := p.InitialBackoff
	if !p.Fixed {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= p.MaxBackoff {
				d = p.MaxBackoff
				break
			}
		}
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes a function with retries according to the policy
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		sleepTime := backoff
		if policy.Jitter && backoff > 1 {
			// backoff + random(0, 50% of backoff)
			sleepTime = backoff + time.Duration(rand.Int63n(int64(backoff/2)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
			if !policy.Fixed {
				backoff = minDuration(backoff*2, policy.MaxBackoff)
			}
		}
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
