package lock

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the outcome of a lock request.
type Status uint8

const (
	// Granted means the lock is now held in the requested mode or stronger.
	Granted Status = iota + 1
	// AlreadyHeld means a held mode already covered the request.
	AlreadyHeld
	// Timeout means the request waited past its deadline or was cancelled.
	Timeout
	// Deadlock means the request was aborted to break a wait-for cycle.
	Deadlock
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "Granted"
	case AlreadyHeld:
		return "AlreadyHeld"
	case Timeout:
		return "Timeout"
	case Deadlock:
		return "Deadlock"
	default:
		return "Pending"
	}
}

// Holder is a transaction holding a resource.
type Holder struct {
	Txn  uint64
	Mode Mode
}

// request is one queued acquire. status and done are written under the
// shard lock before ready is closed.
type request struct {
	txn      uint64
	mode     Mode
	upgrade  bool
	resource string
	shard    *shard
	owner    *txnLocks
	enqueued time.Time
	ready    chan struct{}

	status Status
	cause  error
	done   bool
}

// entry is the lock table record of one resource. holders and queue are
// guarded by the shard lock; view is an immutable copy of holders for
// lookups that do not take the lock.
type entry struct {
	resource string
	holders  []Holder
	queue    []*request
	view     atomic.Pointer[[]Holder]
}

var entryPool = sync.Pool{New: func() any { return new(entry) }}

func newEntry(resource string) *entry {
	e := entryPool.Get().(*entry)
	e.resource = resource
	e.publish()
	return e
}

// reset clears e for reuse. Only the epoch reclaimer calls it.
func (e *entry) reset() {
	e.resource = ""
	clear(e.holders)
	e.holders = e.holders[:0]
	clear(e.queue)
	e.queue = e.queue[:0]
	e.view.Store(nil)
}

func (e *entry) publish() {
	v := slices.Clone(e.holders)
	e.view.Store(&v)
}

func (e *entry) holderIndex(txn uint64) int {
	for i, h := range e.holders {
		if h.Txn == txn {
			return i
		}
	}
	return -1
}

func (e *entry) heldMode(txn uint64) Mode {
	if i := e.holderIndex(txn); i >= 0 {
		return e.holders[i].Mode
	}
	return ModeNone
}

// compatibleExcept reports whether mode can be held alongside every holder
// other than txn.
func (e *entry) compatibleExcept(txn uint64, mode Mode) bool {
	for _, h := range e.holders {
		if h.Txn != txn && !Compatible(h.Mode, mode) {
			return false
		}
	}
	return true
}

func (e *entry) empty() bool { return len(e.holders) == 0 && len(e.queue) == 0 }

// blockers returns the holders whose modes are incompatible with req.
func (e *entry) blockers(req *request) []uint64 {
	var out []uint64
	for _, h := range e.holders {
		if h.Txn != req.txn && !Compatible(h.Mode, req.mode) {
			out = append(out, h.Txn)
		}
	}
	return out
}

// txnLocks is the per-transaction view of the lock table.
type txnLocks struct {
	mu   sync.Mutex
	held map[string]Mode
	// waiting is the request the transaction is blocked on, if any.
	waiting atomic.Pointer[request]
}
