package delivery

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before the next retry attempt:
// min(Base * 2^(attempt-1), Max), with optional additive jitter. Jitter only
// lengthens the delay, so the minimum never drops below the exponential floor.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay added at random, 0 disables
}

// DefaultBackoff matches the system defaults: 1s base, 5m cap, 25% jitter.
var DefaultBackoff = BackoffPolicy{
	Base:   time.Second,
	Max:    5 * time.Minute,
	Jitter: 0.25,
}

// Delay returns the wait after the given 1-based attempt number.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		j := d + time.Duration(rand.Float64()*p.Jitter*float64(d))
		if j > p.Max {
			j = p.Max
		}
		d = j
	}
	return d
}
