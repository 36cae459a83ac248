// File: internal/shm/layout_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

// The wire layout is shared with any process that maps the segments, so
// the struct geometry is pinned here. A failure means the protocol
// version must be bumped.
func TestWireStructGeometry(t *testing.T) {
	if s := unsafe.Sizeof(QueueControl{}); s != controlSize {
		t.Fatalf("QueueControl is %d bytes, want %d", s, controlSize)
	}
	if off := unsafe.Offsetof(QueueControl{}.consumerIdx); off != cacheLine {
		t.Fatalf("consumerIdx at offset %d, want %d", off, cacheLine)
	}
	if s := unsafe.Sizeof(SamplingWire{}); s != 32 {
		t.Fatalf("SamplingWire is %d bytes, want 32", s)
	}
	if s := unsafe.Sizeof(LogitsWire{}); s != 536 {
		t.Fatalf("LogitsWire is %d bytes, want 536", s)
	}
	if s := unsafe.Sizeof(StopWire{}); s != 136 {
		t.Fatalf("StopWire is %d bytes, want 136", s)
	}

	// The ring protocol reads the leading u32 of every slot.
	if off := unsafe.Offsetof(RequestSlot{}.state); off != 0 {
		t.Fatalf("request state at offset %d, want 0", off)
	}
	if off := unsafe.Offsetof(ResponseSlot{}.state); off != 0 {
		t.Fatalf("response state at offset %d, want 0", off)
	}

	for _, tc := range []struct {
		name   string
		raw    uintptr
		stride uint32
	}{
		{"request", unsafe.Sizeof(RequestSlot{}), requestSlotSize},
		{"response", unsafe.Sizeof(ResponseSlot{}), responseSlotSize},
	} {
		if uintptr(tc.stride) < tc.raw {
			t.Fatalf("%s stride %d smaller than struct %d", tc.name, tc.stride, tc.raw)
		}
		if tc.stride%cacheLine != 0 {
			t.Fatalf("%s stride %d not cache line aligned", tc.name, tc.stride)
		}
	}

	if NumSlots&(NumSlots-1) != 0 {
		t.Fatalf("NumSlots %d is not a power of two", NumSlots)
	}
}

func TestQueueSegmentSize(t *testing.T) {
	want := uint64(controlSize) + uint64(requestSlotSize)*NumSlots
	if got := QueueSegmentSize(requestSlotSize); got != want {
		t.Fatalf("QueueSegmentSize = %d, want %d", got, want)
	}
}

func TestControlValidation(t *testing.T) {
	fresh := func() *QueueControl {
		c := new(QueueControl)
		initControl(c, requestSlotSize)
		return c
	}

	if err := validateControl(fresh(), requestSlotSize); err != nil {
		t.Fatalf("valid control rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*QueueControl)
	}{
		{"bad magic", func(c *QueueControl) { c.magic = 0xdeadbeef }},
		{"bad version", func(c *QueueControl) { c.version = segVersion + 1 }},
		{"bad slot count", func(c *QueueControl) { c.numSlots = NumSlots / 2 }},
		{"bad slot size", func(c *QueueControl) { c.slotSize = requestSlotSize + 4 }},
		{"not ready", func(c *QueueControl) { c.ready = 0 }},
	}
	for _, tc := range cases {
		c := fresh()
		tc.mutate(c)
		err := validateControl(c, requestSlotSize)
		if !errors.Is(err, api.ErrSegmentLayout) {
			t.Fatalf("%s: got %v, want ErrSegmentLayout", tc.name, err)
		}
	}

	// A response control must not validate as a request control.
	c := new(QueueControl)
	initControl(c, responseSlotSize)
	if err := validateControl(c, requestSlotSize); !errors.Is(err, api.ErrSegmentLayout) {
		t.Fatalf("cross queue control accepted: %v", err)
	}
}
