package proc

import "sync/atomic"

// ID is a pid/tid/pgid/sid value. All four namespaces share one
// allocator, matching spec §4.5's "a new session and process group
// whose ids equal the pid" (a freshly allocated id is unambiguous
// across all four uses simultaneously).
type ID uint64

var nextID uint64

// allocID hands out a fresh, never-reused id starting at 1 (0 is
// reserved so a zero-value ID reads as "unset").
func allocID() ID {
	return ID(atomic.AddUint64(&nextID, 1))
}
