// File: internal/shm/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free slot ring over a mapped queue segment. Producers claim
// tickets from a monotonic index and spin for their slot to come FREE;
// the single consumer drains in ticket order. Both slot types lead with
// a u32 state word, which is all this layer touches.

package shm

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

const (
	// maxSlotSpins bounds how long a producer waits for its claimed
	// slot to be released by the consumer before giving up.
	maxSlotSpins  = 1_000_000
	slotSpinSleep = time.Microsecond
)

// ring drives the slot state machine. It holds raw pointers into the
// segment mapping and never copies slot payloads itself.
type ring struct {
	ctrl   *QueueControl
	base   unsafe.Pointer
	stride uintptr
	mask   uint64
	spins  int
}

func newRing(mem []byte, stride uint32) ring {
	return ring{
		ctrl:   (*QueueControl)(unsafe.Pointer(&mem[0])),
		base:   unsafe.Pointer(&mem[controlSize]),
		stride: uintptr(stride),
		mask:   NumSlots - 1,
		spins:  maxSlotSpins,
	}
}

func (r *ring) slotPtr(idx uint64) unsafe.Pointer {
	return unsafe.Add(r.base, uintptr(idx)*r.stride)
}

func stateOf(slot unsafe.Pointer) *uint32 {
	return (*uint32)(slot)
}

// acquireProduce claims the next produce ticket and waits for its slot.
// On timeout the ticket is returned to the index so later producers see
// a consistent ring, and ErrSlotTimeout is reported.
func (r *ring) acquireProduce() (unsafe.Pointer, error) {
	ticket := atomic.AddUint64(&r.ctrl.producerIdx, 1) - 1
	slot := r.slotPtr(ticket & r.mask)
	st := stateOf(slot)
	for spin := 0; spin < r.spins; spin++ {
		if atomic.CompareAndSwapUint32(st, SlotFree, SlotWriting) {
			return slot, nil
		}
		time.Sleep(slotSpinSleep)
	}
	atomic.AddUint64(&r.ctrl.producerIdx, ^uint64(0))
	return nil, api.ErrSlotTimeout
}

// publish flips a written slot to READY. The store is the release fence
// that makes the payload visible to the consumer.
func (r *ring) publish(slot unsafe.Pointer) {
	atomic.StoreUint32(stateOf(slot), SlotReady)
}

// consumeNext claims the oldest published slot, or returns nil when the
// ring is empty or the head producer has not finished writing yet.
func (r *ring) consumeNext() unsafe.Pointer {
	cons := atomic.LoadUint64(&r.ctrl.consumerIdx)
	prod := atomic.LoadUint64(&r.ctrl.producerIdx)
	if cons == prod {
		return nil
	}
	slot := r.slotPtr(cons & r.mask)
	if !atomic.CompareAndSwapUint32(stateOf(slot), SlotReady, SlotReading) {
		return nil
	}
	return slot
}

// releaseConsumed frees a claimed slot and advances the consumer index.
// The caller must have copied the payload out first; after the state
// store a producer may begin overwriting the slot.
func (r *ring) releaseConsumed(slot unsafe.Pointer) {
	atomic.StoreUint32(stateOf(slot), SlotFree)
	atomic.AddUint64(&r.ctrl.consumerIdx, 1)
}

// pending reports how many tickets have been issued but not consumed.
// Racy by nature; used for observability and tests only.
func (r *ring) pending() uint64 {
	return atomic.LoadUint64(&r.ctrl.producerIdx) - atomic.LoadUint64(&r.ctrl.consumerIdx)
}
