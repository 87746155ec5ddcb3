package mvcc

import (
	"sync"

	"github.com/tidwall/btree"
)

// SnapshotTracker counts live snapshots per timestamp so that GC can ask for
// the oldest one.
type SnapshotTracker struct {
	mu    sync.Mutex
	refs  btree.Map[uint64, int]
	total int
}

// NewSnapshotTracker creates an empty tracker.
func NewSnapshotTracker() *SnapshotTracker {
	return &SnapshotTracker{}
}

// Acquire registers a snapshot at ts.
func (t *SnapshotTracker) Acquire(ts uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acquireLocked(ts)
}

func (t *SnapshotTracker) acquireLocked(ts uint64) {
	n, _ := t.refs.Get(ts)
	t.refs.Set(ts, n+1)
	t.total++
}

// Release drops one snapshot at ts. It reports false when no snapshot at ts
// was registered.
func (t *SnapshotTracker) Release(ts uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(ts)
}

func (t *SnapshotTracker) releaseLocked(ts uint64) bool {
	n, ok := t.refs.Get(ts)
	if !ok {
		return false
	}
	if n <= 1 {
		t.refs.Delete(ts)
	} else {
		t.refs.Set(ts, n-1)
	}
	t.total--
	return true
}

// Move atomically releases a snapshot at from and acquires one at to.
func (t *SnapshotTracker) Move(from, to uint64) {
	if from == to {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(from)
	t.acquireLocked(to)
}

// Oldest returns the smallest live snapshot timestamp.
func (t *SnapshotTracker) Oldest() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, _, ok := t.refs.Min()
	return ts, ok
}

// Len returns the number of live snapshots.
func (t *SnapshotTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
