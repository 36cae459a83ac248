// File: core/concurrency/backoff.go
// Package concurrency implements the lock-free queues between pipeline stages.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"runtime"
	"time"
)

// Backoff is an adaptive idle strategy for polling loops: cheap yields
// first, then sleeps that double up to a millisecond. Not safe for
// concurrent use; each polling goroutine owns its own Backoff.
type Backoff struct {
	ns int64
}

// Wait blocks briefly. Call when a poll found no work.
func (b *Backoff) Wait() {
	if b.ns == 0 {
		b.ns = 1
	}
	if b.ns < 1000 {
		runtime.Gosched()
	} else {
		time.Sleep(time.Duration(b.ns) * time.Nanosecond)
	}
	next := b.ns * 2
	if next > 1_000_000 {
		next = 1_000_000
	}
	b.ns = next
}

// Reset restores the shortest wait. Call when a poll found work.
func (b *Backoff) Reset() {
	b.ns = 1
}

func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
