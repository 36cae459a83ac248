// File: engine/pin_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package engine

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling goroutine's OS thread to one CPU. The
// thread stays locked so the scheduler loop keeps its affinity for the
// engine's whole lifetime.
func pinThread(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
