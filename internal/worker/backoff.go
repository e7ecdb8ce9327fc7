package worker

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n (1-based): Initial * 2^(n-1),
// capped at Max. With Jitter the delay is drawn from [d/2, d).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (b Backoff) Delay(attempt int) time.Duration {
	if b.Jitter {
		return backoffWithJitter(b.Initial, b.Max, attempt)
	}
	return exponential(b.Initial, b.Max, attempt)
}

func exponential(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && exp > float64(max) {
		return max
	}
	return time.Duration(exp)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	wait := exponential(base, max, attempt)
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
