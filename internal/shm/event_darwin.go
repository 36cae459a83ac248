// File: internal/shm/event_darwin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel wakeup for queue consumers. On Darwin this is a kqueue user
// event (EVFILT_USER) triggered with NOTE_TRIGGER.

//go:build darwin

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const userEventIdent = 1

// Event is a kernel notification object shared by the producers and the
// single consumer of one queue.
type Event struct {
	kq int
}

// NewEvent creates the kqueue and registers the user event.
func NewEvent() (*Event, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	reg := unix.Kevent_t{
		Ident:  userEventIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{reg}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("kevent register: %w", err)
	}
	return &Event{kq: kq}, nil
}

// FD exposes the raw kqueue descriptor.
func (e *Event) FD() int { return e.kq }

// Trigger signals the consumer. Safe from any goroutine.
func (e *Event) Trigger() error {
	ev := unix.Kevent_t{
		Ident:  userEventIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	for {
		_, err := unix.Kevent(e.kq, []unix.Kevent_t{ev}, nil, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("kevent trigger: %w", err)
		}
		return nil
	}
}

// Wait blocks until the event fires or timeoutMs elapses. Returns true
// when the event fired.
func (e *Event) Wait(timeoutMs int) (bool, error) {
	ts := unix.NsecToTimespec(int64(timeoutMs) * 1_000_000)
	out := make([]unix.Kevent_t, 1)
	for {
		n, err := unix.Kevent(e.kq, nil, out, &ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("kevent wait: %w", err)
		}
		return n > 0, nil
	}
}

// Close releases the kqueue.
func (e *Event) Close() error {
	if e.kq >= 0 {
		err := unix.Close(e.kq)
		e.kq = -1
		return err
	}
	return nil
}
