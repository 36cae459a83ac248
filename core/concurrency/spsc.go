// File: core/concurrency/spsc.go
// Package concurrency implements the lock-free queues between pipeline stages.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring is a bounded single-producer/single-consumer ring buffer. Each side
// keeps a cached snapshot of the remote index so the fast path runs without
// a single CAS: the producer re-reads the consumer index only when the ring
// looks full, the consumer re-reads the producer index only when it looks
// empty. Indexes are monotonic; the slot is index & mask.

package concurrency

import "sync/atomic"

// Ring is a lock-free SPSC ring buffer. Exactly one goroutine may call
// Enqueue and exactly one may call Dequeue.
type Ring[T any] struct {
	head       atomic.Uint64 // consumer position
	_          [cacheLinePad]byte
	cachedTail uint64 // consumer-local snapshot of tail
	_          [cacheLinePad]byte
	tail       atomic.Uint64 // producer position
	_          [cacheLinePad]byte
	cachedHead uint64 // producer-local snapshot of head
	_          [cacheLinePad]byte
	mask       uint64
	items      []T
}

const cacheLinePad = 64

// NewRing allocates a ring with capacity rounded up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := uint64(nextPowerOfTwo(uint32(capacity)))
	return &Ring[T]{
		mask:  size - 1,
		items: make([]T, size),
	}
}

// Enqueue adds item; returns false if full. Producer side only.
func (r *Ring[T]) Enqueue(item T) bool {
	tail := r.tail.Load()
	if tail-r.cachedHead > r.mask {
		r.cachedHead = r.head.Load()
		if tail-r.cachedHead > r.mask {
			return false // full
		}
	}
	r.items[tail&r.mask] = item
	r.tail.Store(tail + 1)
	return true
}

// Dequeue removes and returns an item; ok false if empty. Consumer side only.
func (r *Ring[T]) Dequeue() (item T, ok bool) {
	head := r.head.Load()
	if head == r.cachedTail {
		r.cachedTail = r.tail.Load()
		if head == r.cachedTail {
			var zero T
			return zero, false // empty
		}
	}
	idx := head & r.mask
	item = r.items[idx]
	var zero T
	r.items[idx] = zero // drop the reference for GC
	r.head.Store(head + 1)
	return item, true
}

// Len returns the number of items currently buffered.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
