// Package retry computes outbox redelivery schedules.
package retry

import (
	"math/rand"
	"time"
)

// Policy is exponential backoff with a cap and symmetric jitter. Attempt 1
// waits Base, attempt 2 waits 2*Base, doubling until Cap; the result is then
// spread by ±Jitter so a burst of failures does not retry in lockstep.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{Base: 5 * time.Second, Cap: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait before the given attempt number (1-based, the
// attempt that just failed).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Cap > 0 && delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) - spread + rand.Float64()*2*spread)
	}
	return delay
}

// NextAttemptAt is Delay anchored on a wall-clock instant.
func (p Policy) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.UTC().Add(p.Delay(attempt))
}
