// Package backoff computes retry delays for rescheduled work. The
// worker draws its re-execution waits from a Strategy; strategies are
// stateless and safe for concurrent use.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy yields the wait before retry attempt n. Attempt 1 is the
// first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval between every attempt, for callers
// that already know the right cadence.
type Constant struct {
	Interval time.Duration
}

// NewConstant returns a fixed-interval strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(int) time.Duration { return c.Interval }

// ExponentialWithJitter doubles a base interval per attempt, caps it
// at Max, and draws the actual wait uniformly from [0, capped). The
// randomization spreads out retries that failed together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter returns a full-jitter exponential strategy.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	d := e.Initial
	for i := 1; i < attempt && (e.Max <= 0 || d < e.Max); i++ {
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if d <= 0 {
		return 0
	}
	return rand.N(d)
}

// DefaultStrategy is what the worker retries with when nothing else is
// configured: exponential from one second, capped at a minute.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(time.Second, time.Minute)
}
