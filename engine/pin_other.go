// File: engine/pin_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !linux

package engine

import "errors"

// pinThread reports that CPU affinity is unavailable on this platform;
// the caller logs and runs unpinned.
func pinThread(int) error { return errors.ErrUnsupported }
