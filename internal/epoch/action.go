package epoch

import (
	"fmt"
	"sync"
)

// Kind selects how a deferred Action is reclaimed.
type Kind uint8

const (
	// KindFunc runs a closure stored in the collector's own arena.
	KindFunc Kind = iota
	// KindVersionNode releases an MVCC version node.
	KindVersionNode
	// KindLockEntry recycles a lock table entry.
	KindLockEntry

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindVersionNode:
		return "version-node"
	case KindLockEntry:
		return "lock-entry"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle names an object parked in an Arena. The zero Handle is never
// issued.
type Handle uint64

func makeHandle(slot, gen uint32) Handle { return Handle(uint64(gen)<<32 | uint64(slot)) }

func (h Handle) slot() uint32 { return uint32(h) }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

// Action is one unit of deferred reclamation.
type Action struct {
	Kind   Kind
	Handle Handle
}

// Reclaimer destroys the object behind a Handle of its Kind. It runs on the
// goroutine that drains the bag and must not block.
type Reclaimer func(Handle)

type arenaSlot[T any] struct {
	val  T
	gen  uint32
	used bool
}

// Arena stores objects awaiting reclamation and hands out generation-checked
// handles for them. It is safe for concurrent use.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []arenaSlot[T]
	free  []uint32
	live  int
}

// Put stores v and returns its handle.
func (a *Arena[T]) Put(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot[T]{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.val = v
	s.used = true
	a.live++
	return makeHandle(idx, s.gen)
}

// Take removes and returns the object behind h. A stale or unknown handle
// returns false.
func (a *Arena[T]) Take(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	idx := h.slot()
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.used || s.gen != h.gen() {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.used = false
	a.free = append(a.free, idx)
	a.live--
	return v, true
}

// Len returns the number of objects currently parked.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
