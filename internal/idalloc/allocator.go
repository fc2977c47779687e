// Package idalloc implements the Fast protocol's per-connection request id
// allocator (component C): monotonic-with-skip allocation of 31-bit
// non-zero ids, modulo 2^31.
// file: internal/idalloc/allocator.go
package idalloc

import (
	"sync"

	"github.com/dkoosis/fast/internal/ferrors"
)

// maxID is the largest representable 31-bit id (2^31 - 1).
const maxID uint32 = 0x7FFFFFFF

// Allocator issues and reclaims request ids for a single connection. It is
// safe for concurrent use, though the protocol's single-logical-thread
// model means callers on the hot path never contend for it.
type Allocator struct {
	mu   sync.Mutex
	next uint32
	live map[uint32]struct{}
}

// New returns an allocator with an empty live set, ready to issue ids
// starting at 1.
func New() *Allocator {
	return &Allocator{
		next: 1,
		live: make(map[uint32]struct{}),
	}
}

// Alloc returns a fresh 31-bit non-zero id not currently live, advancing
// the internal counter monotonically (wrapping 2^31-1 back to 1) and
// skipping any candidate already in use. Fails only if every id in the
// space is live, which is unreachable in practice.
func (a *Allocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	for {
		candidate := a.next
		a.next++
		if a.next > maxID {
			a.next = 1
		}

		if _, inUse := a.live[candidate]; !inUse {
			a.live[candidate] = struct{}{}
			return candidate, nil
		}

		if a.next == start {
			return 0, ferrors.NewProtocolError(ferrors.CodeDuplicateID, "request id space exhausted", nil, nil)
		}
	}
}

// Release returns id to the pool, making it eligible for reallocation.
func (a *Allocator) Release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, id)
}

// IsLive reports whether id is currently allocated and not yet released.
func (a *Allocator) IsLive(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.live[id]
	return ok
}

// LiveCount returns the number of currently-live ids.
func (a *Allocator) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
