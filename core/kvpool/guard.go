// File: core/kvpool/guard.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !kvpooldebug

package kvpool

// debugFail is a no-op in release builds; misuse surfaces as an error
// return instead.
func debugFail(string, PageID) {}
