// Package txn holds the per-transaction record: lifecycle state, snapshot,
// read and write sets, the ordered write buffer and the locks taken.
package txn

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Write is one buffered mutation.
type Write struct {
	Key       string
	Value     []byte
	Tombstone bool
}

// Options configures a Transaction.
type Options struct {
	Isolation Isolation
	// Timeout bounds the life of the transaction; zero means no limit.
	Timeout time.Duration
	ReadOnly bool
	Parent   *Transaction
}

// Transaction is the record of one transaction. It is safe for concurrent
// use, though a transaction is normally driven by one goroutine.
type Transaction struct {
	id        uint64
	isolation Isolation
	readOnly  bool
	parent    *Transaction
	start     time.Time
	deadline  time.Time

	mu         sync.Mutex
	state      State
	snapshotTS uint64
	commitTS   uint64
	reads      btree.Set[string]
	writes     btree.Map[string, Write]
	locks      btree.Set[string]
}

// New creates a transaction in the Active state. A child inherits the
// isolation level of its parent and never outlives the parent's deadline.
func New(id uint64, opts Options) *Transaction {
	t := &Transaction{
		id:        id,
		isolation: opts.Isolation,
		readOnly:  opts.ReadOnly,
		parent:    opts.Parent,
		start:     time.Now(),
	}
	if opts.Timeout > 0 {
		t.deadline = t.start.Add(opts.Timeout)
	}
	if p := opts.Parent; p != nil {
		t.isolation = p.isolation
		t.readOnly = t.readOnly || p.readOnly
		if !p.deadline.IsZero() && (t.deadline.IsZero() || p.deadline.Before(t.deadline)) {
			t.deadline = p.deadline
		}
	}
	return t
}

func (t *Transaction) ID() uint64           { return t.id }
func (t *Transaction) Isolation() Isolation { return t.isolation }
func (t *Transaction) ReadOnly() bool       { return t.readOnly }
func (t *Transaction) Parent() *Transaction { return t.parent }
func (t *Transaction) StartTime() time.Time { return t.start }
func (t *Transaction) Deadline() time.Time  { return t.deadline }

// Root returns the outermost ancestor of t, or t itself.
func (t *Transaction) Root() *Transaction {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Depth is 0 for a top-level transaction.
func (t *Transaction) Depth() int {
	d := 0
	for p := t.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Expired reports whether the deadline has passed at now.
func (t *Transaction) Expired(now time.Time) bool {
	return !t.deadline.IsZero() && now.After(t.deadline)
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves t to state to.
func (t *Transaction) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.state, to) {
		return fmt.Errorf("%w: txn %d %s -> %s", ErrInvalidTransactionState, t.id, t.state, to)
	}
	t.state = to
	return nil
}

// SnapshotTS returns the read timestamp of t.
func (t *Transaction) SnapshotTS() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotTS
}

func (t *Transaction) SetSnapshotTS(ts uint64) {
	t.mu.Lock()
	t.snapshotTS = ts
	t.mu.Unlock()
}

// CommitTS is zero until the transaction commits.
func (t *Transaction) CommitTS() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitTS
}

func (t *Transaction) SetCommitTS(ts uint64) {
	t.mu.Lock()
	t.commitTS = ts
	t.mu.Unlock()
}

// RecordRead adds key to the read set.
func (t *Transaction) RecordRead(key string) {
	t.mu.Lock()
	t.reads.Insert(key)
	t.mu.Unlock()
}

// ReadSet returns the keys read, in order.
func (t *Transaction) ReadSet() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads.Keys()
}

// BufferWrite records a mutation of key, replacing an earlier one.
func (t *Transaction) BufferWrite(key string, value []byte, tombstone bool) {
	t.mu.Lock()
	t.writes.Set(key, Write{Key: key, Value: bytes.Clone(value), Tombstone: tombstone})
	t.mu.Unlock()
}

// PendingWrite returns the buffered mutation of key.
func (t *Transaction) PendingWrite(key string) (Write, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes.Get(key)
}

// Writes returns the buffered mutations in key order.
func (t *Transaction) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes.Values()
}

func (t *Transaction) WriteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes.Len()
}

// RecordLock remembers that resource was locked on behalf of t.
func (t *Transaction) RecordLock(resource string) {
	t.mu.Lock()
	t.locks.Insert(resource)
	t.mu.Unlock()
}

// ForgetLock drops resource after an early release.
func (t *Transaction) ForgetLock(resource string) {
	t.mu.Lock()
	t.locks.Delete(resource)
	t.mu.Unlock()
}

// Locks returns the resources locked on behalf of t, in order.
func (t *Transaction) Locks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locks.Keys()
}

// MergeInto folds the reads, writes and locks of child t into its parent.
// Later writes of the child replace the parent's.
func (t *Transaction) MergeInto() error {
	p := t.parent
	if p == nil {
		return fmt.Errorf("%w: txn %d has no parent", ErrInvalidTransactionState, t.id)
	}
	t.mu.Lock()
	reads := t.reads.Keys()
	writes := t.writes.Values()
	locks := t.locks.Keys()
	t.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range reads {
		p.reads.Insert(k)
	}
	for _, w := range writes {
		p.writes.Set(w.Key, w)
	}
	for _, r := range locks {
		p.locks.Insert(r)
	}
	return nil
}

// Reset drops the buffered state of t after an abort.
func (t *Transaction) Reset() {
	t.mu.Lock()
	t.reads.Clear()
	t.writes.Clear()
	t.locks.Clear()
	t.mu.Unlock()
}
