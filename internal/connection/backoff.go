package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff produces reconnect delays that double from Base up to Max. Each
// delay is jittered to 0.5x-1.5x of the schedule so many clients dropped at
// once do not reconnect in lockstep. It never gives up; callers stop
// retrying by cancelling their context.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	next time.Duration
}

// NewBackoff creates a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max, next: base}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	wait := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return wait/2 + time.Duration(rand.Int64N(int64(wait)))
}

// Reset restarts the schedule at Base, after a session reached Ready.
func (b *Backoff) Reset() {
	b.next = b.Base
}
