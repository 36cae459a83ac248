// File: internal/shm/event_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel wakeup for queue consumers. On Linux this is an eventfd:
// producers write a count after publishing READY, the consumer polls with
// a short timeout so its shutdown flag is still observed promptly.

//go:build linux

package shm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is a kernel notification object shared by the producers and the
// single consumer of one queue.
type Event struct {
	fd int
}

// NewEvent creates the eventfd.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Event{fd: fd}, nil
}

// FD exposes the raw descriptor.
func (e *Event) FD() int { return e.fd }

// Trigger signals the consumer. Safe from any goroutine.
func (e *Event) Trigger() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// Counter saturated; the consumer is already pending wakeup.
			return nil
		}
		if err != nil {
			return fmt.Errorf("eventfd write: %w", err)
		}
		return nil
	}
}

// Wait blocks until the event fires or timeoutMs elapses. Returns true
// when the event fired. The pending count is drained before returning.
func (e *Event) Wait(timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("eventfd poll: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		var buf [8]byte
		for {
			if _, err := unix.Read(e.fd, buf[:]); err != nil {
				if err == unix.EINTR {
					continue
				}
				break // EAGAIN: drained
			}
			break
		}
		return true, nil
	}
}

// Close releases the descriptor.
func (e *Event) Close() error {
	if e.fd >= 0 {
		err := unix.Close(e.fd)
		e.fd = -1
		return err
	}
	return nil
}
