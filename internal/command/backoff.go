package command

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes the delay before a failed command becomes due
// again: min(cap, base·rate^attempt) plus jitter proportional to the
// delay, so many commands failing together do not retry in lockstep.
// Growth is capped; the attempt count is not — retries continue until
// success or explicit cancellation.
type BackoffPolicy struct {
	Base   time.Duration
	Rate   float64
	Cap    time.Duration
	Jitter float64
}

// DefaultBackoff matches the configuration defaults: 5s base, doubling
// per attempt, capped at one hour, with 20% jitter.
var DefaultBackoff = BackoffPolicy{
	Base:   5 * time.Second,
	Rate:   2.0,
	Cap:    time.Hour,
	Jitter: 0.2,
}

// Delay returns the backoff delay after the given attempt number
// (1-based: attempt 1 is the first failure).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(float64(p.Base) * math.Pow(p.Rate, float64(attempt-1)))
	if d > p.Cap || d <= 0 {
		// Overflow from math.Pow lands here too.
		d = p.Cap
	}

	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}
