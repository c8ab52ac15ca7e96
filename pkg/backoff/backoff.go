package backoff

import "time"

// Exponential computes capped exponential delays between retry attempts.
type Exponential struct {
	// Base is the unit delay. Wait = Base * 2^attempt, capped at Cap.
	Base time.Duration
	// Cap bounds the delay regardless of attempt count.
	Cap time.Duration
}

// Default is the schedule used for retryable export failures.
//
//	attempt 1 → 2s
//	attempt 2 → 4s
//	attempt 3 → 8s
//	attempt 5+ → 30s (capped)
var Default = Exponential{Base: time.Second, Cap: 30 * time.Second}

// Delay returns the wait before re-enqueueing after the given attempt.
// attempt is 1-indexed (1 = first attempt just failed).
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= e.Cap {
			return e.Cap
		}
	}
	return d
}
