// File: core/kvpool/guard_debug.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build kvpooldebug

package kvpool

import "fmt"

// debugFail panics on reference-counting misuse under the kvpooldebug tag.
func debugFail(what string, id PageID) {
	panic(fmt.Sprintf("kvpool: %s (page %d)", what, id))
}
