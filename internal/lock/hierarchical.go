package lock

import (
	"context"
	"time"
)

// AcquireHierarchical locks r in mode after taking the intent mode mode
// requires on every ancestor of r, root first. Ancestors already held in a
// covering mode are left alone. On failure the locks taken so far stay held;
// callers release them with ReleaseAll when they abort.
func (m *Manager) AcquireHierarchical(ctx context.Context, txn uint64, r Resource, mode Mode, timeout time.Duration) (Status, error) {
	if !mode.Valid() {
		return m.AcquireContext(ctx, txn, r.ID(), mode, timeout)
	}
	intent := RequiredIntent(mode)
	for _, a := range r.Ancestors() {
		if st, err := m.AcquireContext(ctx, txn, a.ID(), intent, timeout); err != nil {
			return st, err
		}
	}
	return m.AcquireContext(ctx, txn, r.ID(), mode, timeout)
}

// HasIntentPath reports whether txn holds on every ancestor of r a mode
// covering the intent that mode requires.
func (m *Manager) HasIntentPath(txn uint64, r Resource, mode Mode) bool {
	intent := RequiredIntent(mode)
	held := m.HeldLocks(txn)
	for _, a := range r.Ancestors() {
		if !Covers(held[a.ID()], intent) {
			return false
		}
	}
	return true
}
