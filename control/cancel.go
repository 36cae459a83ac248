// control/cancel.go
// Author: momentics <momentics@gmail.com>
//
// Cancellation registry: the concurrent store external control paths
// flip to stop a generation. Keys are request ids.

package control

import (
	"sync"
	"sync/atomic"
)

// CancelRegistry maps request ids to their sequence's cancelled flag.
// Cancel may arrive before the sequence is admitted; such requests are
// parked and applied at registration time.
type CancelRegistry struct {
	flags   sync.Map // uint64 -> *atomic.Bool
	pending sync.Map // uint64 -> struct{}
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{}
}

// Register binds a request id to its cancelled flag and applies any
// cancel that arrived earlier.
func (r *CancelRegistry) Register(id uint64, flag *atomic.Bool) {
	r.flags.Store(id, flag)
	if _, ok := r.pending.LoadAndDelete(id); ok {
		flag.Store(true)
	}
}

// Cancel flips the flag for id. An unknown id is parked so a later
// Register still observes the cancel. Returns whether a live flag was
// flipped immediately.
func (r *CancelRegistry) Cancel(id uint64) bool {
	if v, ok := r.flags.Load(id); ok {
		v.(*atomic.Bool).Store(true)
		return true
	}
	r.pending.Store(id, struct{}{})
	// Registration may have landed between the lookup and the park;
	// settle the race by re-checking the flag side.
	if v, ok := r.flags.Load(id); ok {
		r.pending.Delete(id)
		v.(*atomic.Bool).Store(true)
		return true
	}
	return false
}

// Unregister forgets id entirely. Called after a sequence reaches a
// terminal state.
func (r *CancelRegistry) Unregister(id uint64) {
	r.flags.Delete(id)
	r.pending.Delete(id)
}

// Registered reports whether id currently has a live flag.
func (r *CancelRegistry) Registered(id uint64) bool {
	_, ok := r.flags.Load(id)
	return ok
}
