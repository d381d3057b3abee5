package fetch

import (
	"math/rand/v2"
	"time"
)

const maxDelay = time.Duration(1<<63 - 1)

// Backoff computes the delay before the next attempt:
//
//	delay(n) = min(2^n * Base + uniform[0, Jitter], Cap)
//
// where n is the zero-based attempt number that just failed.
type Backoff struct {
	Base   time.Duration
	Jitter time.Duration
	Cap    time.Duration

	// rand returns a value in [0, n]; nil uses math/rand/v2.
	rand func(n int64) int64
}

// DefaultBackoff returns the 1s base, 1s jitter, 60s cap policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   1000 * time.Millisecond,
		Jitter: 1000 * time.Millisecond,
		Cap:    60000 * time.Millisecond,
	}
}

// Delay returns the wait before attempt n+1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}

	var jitter time.Duration
	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = func(n int64) int64 { return rand.Int64N(n + 1) }
		}
		jitter = time.Duration(r(int64(b.Jitter)))
	}

	// 2^n overflows long before any realistic ceiling; clamp the shift.
	delay := maxDelay
	if n <= 32 {
		if d := b.Base<<uint(n) + jitter; d >= 0 {
			delay = d
		}
	}
	return b.capped(delay)
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
