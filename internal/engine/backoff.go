package engine

import (
	"math/rand"
	"time"
)

// Backoff computes the wait before retry attempt n (1-based) of a transient
// failure. The curve doubles from Base up to Cap, with uniform jitter of
// ±JitterFrac applied so crash-retried cohorts do not thunder in lockstep.
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	JitterFrac float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.JitterFrac > 0 {
		span := float64(d) * b.JitterFrac
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}
