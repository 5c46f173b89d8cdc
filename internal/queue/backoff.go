package queue

import (
	"math/rand"
	"time"
)

// Backoff maps an attempt number to a retry delay
type Backoff struct {
	Schedule  []time.Duration
	JitterPct float64 // +/- fraction applied to each delay, 0 disables jitter
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns how long to wait after the given failed attempt (1-based).
// Attempts past the end of the schedule reuse its last entry.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b.Schedule) == 0 {
		return time.Second
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(b.Schedule) {
		idx = len(b.Schedule) - 1
	}
	base := b.Schedule[idx]
	if b.JitterPct <= 0 {
		return base
	}

	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	j := 1 + (rnd()*2-1)*b.JitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
