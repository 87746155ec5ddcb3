package lockyard

// transaction.go implements transactions over the lock manager and the
// version store.
//
// Txn follows strict two-phase locking: row writes take X on the row and IX
// on its page, table and database; locks are held until Commit or Abort
// unless released early with Unlock, after which the transaction may not
// lock again. Writes are buffered and installed at commit under one commit
// timestamp that is published only after every version is linked, so no
// snapshot observes a partial commit.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/mvcc"
	"github.com/aalhour/lockyard/internal/stats"
	"github.com/aalhour/lockyard/internal/txn"
)

// TxnOptions configures a transaction.
type TxnOptions struct {
	// Isolation defaults to Options.DefaultIsolation. Nested transactions
	// inherit the level of their parent.
	Isolation Isolation
	// LockTimeout bounds each lock wait; zero uses Options.DefaultLockTimeout.
	LockTimeout time.Duration
	// Timeout bounds the life of the transaction; zero means no limit.
	Timeout time.Duration
	// ReadOnly rejects writes.
	ReadOnly bool

	isolationSet bool
}

// WithIsolation returns o with the isolation level set explicitly, which
// also allows selecting ReadCommitted over a different engine default.
func (o TxnOptions) WithIsolation(i Isolation) TxnOptions {
	o.Isolation = i
	o.isolationSet = true
	return o
}

func (o TxnOptions) withDefaults(eo *Options) TxnOptions {
	if !o.isolationSet && o.Isolation == ReadCommitted {
		o.Isolation = eo.DefaultIsolation
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = eo.DefaultLockTimeout
	}
	return o
}

// Txn is a transaction handle. A Txn must be driven by one goroutine at a
// time; Engine.Close may abort it concurrently.
type Txn struct {
	e      *Engine
	t      *txn.Transaction
	opts   TxnOptions
	parent *Txn
	// owner is the id locks are taken under: the root transaction's.
	owner uint64

	mu       sync.Mutex
	children int
	// doomed is set on a root whose nested transaction lost a lock wait.
	doomed error
}

// ID returns the transaction id.
func (x *Txn) ID() uint64 { return x.t.ID() }

// State returns the lifecycle state.
func (x *Txn) State() txn.State { return x.t.State() }

// Isolation returns the isolation level.
func (x *Txn) Isolation() Isolation { return x.t.Isolation() }

// SnapshotTS returns the read timestamp of the transaction.
func (x *Txn) SnapshotTS() uint64 { return x.t.SnapshotTS() }

// CommitTS returns the commit timestamp, or 0 before a commit that wrote.
func (x *Txn) CommitTS() uint64 { return x.t.CommitTS() }

// Parent returns the enclosing transaction of a nested one.
func (x *Txn) Parent() *Txn { return x.parent }

func (x *Txn) root() *Txn {
	r := x
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// checkLocked fails operations on finished or expired transactions.
// REQUIRES: x.mu held.
func (x *Txn) checkLocked() error {
	if s := x.t.State(); s.IsTerminal() || s == txn.Aborting {
		return fmt.Errorf("%w: txn %d is %s", ErrInvalidTransactionState, x.ID(), s)
	}
	if x.t.Expired(time.Now()) {
		x.abortLocked()
		return fmt.Errorf("%w: txn %d after %v", ErrTransactionExpired, x.ID(), x.opts.Timeout)
	}
	return nil
}

// Lock acquires mode on r after the intent locks r's ancestors need. A
// timeout or deadlock aborts the transaction.
func (x *Txn) Lock(ctx context.Context, r Resource, mode Mode) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkLocked(); err != nil {
		return err
	}
	return x.lockLocked(ctx, r, mode)
}

// LockRow locks the row of key in table.
func (x *Txn) LockRow(ctx context.Context, table uint64, key string, mode Mode) error {
	return x.Lock(ctx, x.e.RowResource(table, key), mode)
}

// REQUIRES: x.mu held.
func (x *Txn) lockLocked(ctx context.Context, r Resource, mode Mode) error {
	if !x.t.State().CanAcquire() {
		return fmt.Errorf("%w: txn %d cannot lock in state %s", ErrInvalidTransactionState, x.ID(), x.t.State())
	}
	if x.t.State() == txn.Active {
		if err := x.t.Transition(txn.Growing); err != nil {
			return err
		}
	}

	timeout := x.opts.LockTimeout
	if d := x.t.Deadline(); !d.IsZero() {
		timeout = min(timeout, max(time.Until(d), time.Millisecond))
	}
	_, err := x.e.locks.AcquireHierarchical(ctx, x.owner, r, mode, timeout)
	// Intent locks taken before a failure are recorded too so Unlock and
	// Abort see them.
	held := x.e.locks.HeldLocks(x.owner)
	for _, a := range r.Ancestors() {
		if _, ok := held[a.ID()]; ok {
			x.t.RecordLock(a.ID())
		}
	}
	if err != nil {
		x.e.logger.Debugf("%stxn %d lock %s %s: %v", logging.NSTxn, x.ID(), mode, r, err)
		if x.parent != nil {
			root := x.root()
			root.mu.Lock()
			root.doomed = err
			root.mu.Unlock()
		}
		x.abortLocked()
		return err
	}
	x.t.RecordLock(r.ID())
	return nil
}

// Unlock releases r early. The transaction enters its shrinking phase and
// may not lock again.
func (x *Txn) Unlock(r Resource) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkLocked(); err != nil {
		return err
	}
	if x.parent != nil {
		return fmt.Errorf("%w: nested txn %d cannot release its parent's locks", ErrInvalidTransactionState, x.ID())
	}
	if s := x.t.State(); s != txn.Shrinking {
		if err := x.t.Transition(txn.Shrinking); err != nil {
			return err
		}
	}
	if err := x.e.locks.Release(x.owner, r.ID()); err != nil {
		return err
	}
	x.t.ForgetLock(r.ID())
	return nil
}

// pending finds the newest buffered write of key in x or its ancestors.
func (x *Txn) pending(key string) (txn.Write, bool) {
	for t := x; t != nil; t = t.parent {
		if w, ok := t.t.PendingWrite(key); ok {
			return w, true
		}
	}
	return txn.Write{}, false
}

// Get reads key from table: the transaction's own writes first, then the
// committed version visible at its snapshot. Serializable and repeatable
// read transactions take an S row lock.
func (x *Txn) Get(ctx context.Context, table uint64, key string) ([]byte, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkLocked(); err != nil {
		return nil, false, err
	}
	r := x.e.RowResource(table, key)
	id := r.ID()

	iso := x.t.Isolation()
	if iso == Serializable || iso == RepeatableRead {
		if err := x.lockLocked(ctx, r, ModeS); err != nil {
			return nil, false, err
		}
	}
	x.t.RecordRead(id)

	if w, ok := x.pending(id); ok {
		if w.Tombstone {
			return nil, false, nil
		}
		return append([]byte(nil), w.Value...), true, nil
	}

	w := x.e.workers.Get()
	defer x.e.workers.Put(w)

	var (
		v  mvcc.Version
		ok bool
	)
	switch {
	case iso == ReadUncommitted:
		v, ok = x.e.store.Latest(w, id)
		ok = ok && !v.Tombstone
	default:
		ts := x.readTS()
		v, ok = x.e.store.Read(w, id, ts, x.owner)
	}
	if !ok {
		return nil, false, nil
	}
	return v.Value, true, nil
}

// readTS returns the timestamp of the next read, refreshing the snapshot
// of a read committed root transaction.
func (x *Txn) readTS() uint64 {
	r := x.root()
	if r.t.Isolation().StableSnapshot() {
		return r.t.SnapshotTS()
	}
	ts := x.e.refreshSnapshot(r.t.SnapshotTS())
	r.t.SetSnapshotTS(ts)
	if r != x {
		x.t.SetSnapshotTS(ts)
	}
	return ts
}

// Put writes value under key in table.
func (x *Txn) Put(ctx context.Context, table uint64, key string, value []byte) error {
	return x.write(ctx, table, key, value, false)
}

// Delete removes key from table.
func (x *Txn) Delete(ctx context.Context, table uint64, key string) error {
	return x.write(ctx, table, key, nil, true)
}

func (x *Txn) write(ctx context.Context, table uint64, key string, value []byte, tombstone bool) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkLocked(); err != nil {
		return err
	}
	if x.t.ReadOnly() {
		return fmt.Errorf("%w: txn %d", ErrReadOnly, x.ID())
	}
	r := x.e.RowResource(table, key)
	if err := x.lockLocked(ctx, r, ModeX); err != nil {
		return err
	}
	id := r.ID()

	// First committer wins for transactions reading from a fixed snapshot.
	if x.t.Isolation().StableSnapshot() {
		w := x.e.workers.Get()
		latest, ok := x.e.store.Latest(w, id)
		x.e.workers.Put(w)
		if snap := x.root().t.SnapshotTS(); ok && latest.CreatedAt > snap {
			x.abortLocked()
			return fmt.Errorf("%w: %s committed at %d after snapshot %d", ErrWriteConflict, id, latest.CreatedAt, snap)
		}
	}
	x.t.BufferWrite(id, value, tombstone)
	return nil
}

// Begin starts a transaction nested in x. It reads x's writes, takes locks
// on behalf of x's root and folds its writes into x on Commit.
func (x *Txn) Begin() (*Txn, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkLocked(); err != nil {
		return nil, err
	}
	c := x.e.begin(TxnOptions{LockTimeout: x.opts.LockTimeout, Timeout: x.opts.Timeout, ReadOnly: x.opts.ReadOnly}.WithIsolation(x.t.Isolation()), x)
	x.children++
	return c, nil
}

// Commit makes the transaction's writes visible. A nested transaction
// hands its writes to its parent instead.
func (x *Txn) Commit() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.checkLocked(); err != nil {
		return err
	}
	if x.children > 0 {
		return fmt.Errorf("%w: txn %d has %d", ErrActiveChildren, x.ID(), x.children)
	}
	if x.doomed != nil {
		err := x.doomed
		x.abortLocked()
		return fmt.Errorf("txn %d: nested transaction failed: %w", x.ID(), err)
	}
	if x.parent != nil {
		return x.commitNestedLocked()
	}

	start := time.Now()
	if err := x.t.Transition(txn.Preparing); err != nil {
		return err
	}
	if writes := x.t.Writes(); len(writes) > 0 {
		x.install(writes)
	} else if err := x.t.Transition(txn.Committing); err != nil {
		return err
	}
	if err := x.t.Transition(txn.Committed); err != nil {
		return err
	}
	x.finishLocked()
	x.e.detector.ResetBackoff(x.ID())
	x.e.stats.Inc(stats.TxnCommits)
	x.e.stats.Measure(stats.CommitMicros, uint64(time.Since(start).Microseconds()))
	return nil
}

// install links every write at one commit timestamp and publishes it.
func (x *Txn) install(writes []txn.Write) {
	e := x.e
	w := e.workers.Get()
	defer e.workers.Put(w)
	// Snapshots taken after this point read at or above horizon.
	horizon := e.gcHorizon()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	ts := e.oracle.Next()
	for _, wr := range writes {
		rec := mvcc.Record{Txn: x.ID(), Value: wr.Value, Tombstone: wr.Tombstone, RetainFrom: horizon}
		if err := e.store.AddVersion(w, wr.Key, ts, rec); err != nil {
			// Commit timestamps are unique, so this is a broken oracle.
			e.logger.Fatalf("%stxn %d install %s at %d: %v", logging.NSTxn, x.ID(), wr.Key, ts, err)
		}
	}
	x.t.SetCommitTS(ts)
	_ = x.t.Transition(txn.Committing)
	e.oracle.Publish(ts)
}

// REQUIRES: x.mu held.
func (x *Txn) commitNestedLocked() error {
	if err := x.t.MergeInto(); err != nil {
		return err
	}
	for _, s := range []txn.State{txn.Preparing, txn.Committing, txn.Committed} {
		if err := x.t.Transition(s); err != nil {
			return err
		}
	}
	x.detach()
	x.e.stats.Inc(stats.TxnCommits)
	return nil
}

func (x *Txn) detach() {
	p := x.parent
	p.mu.Lock()
	p.children--
	p.mu.Unlock()
}

// Abort discards the transaction's writes and releases its locks. A nested
// transaction discards only its own writes; the locks it took stay with the
// root. Aborting an aborted transaction is a no-op.
func (x *Txn) Abort() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch s := x.t.State(); s {
	case txn.Aborted:
		return nil
	case txn.Committed:
		return fmt.Errorf("%w: txn %d already committed", ErrInvalidTransactionState, x.ID())
	}
	x.abortLocked()
	return nil
}

// REQUIRES: x.mu held.
func (x *Txn) abortLocked() {
	if s := x.t.State(); s.IsTerminal() {
		return
	} else if s != txn.Aborting {
		if err := x.t.Transition(txn.Aborting); err != nil {
			x.e.logger.Errorf("%stxn %d abort from %s: %v", logging.NSTxn, x.ID(), s, err)
			return
		}
	}
	x.t.Reset()
	_ = x.t.Transition(txn.Aborted)
	if x.parent != nil {
		x.detach()
	} else {
		x.finishLocked()
	}
	x.e.stats.Inc(stats.TxnAborts)
}

// finishLocked releases everything a root transaction holds.
func (x *Txn) finishLocked() {
	x.e.locks.ReleaseAll(x.owner)
	x.e.releaseSnapshot(x.t.SnapshotTS())
	x.e.active.Delete(x.ID())
}

// HeldLocks returns the locks held on behalf of the transaction's root.
func (x *Txn) HeldLocks() map[string]Mode {
	return x.e.locks.HeldLocks(x.owner)
}

// IsLockError reports whether err ended a transaction because of a lock
// wait.
func IsLockError(err error) bool {
	return errors.Is(err, ErrDeadlock) || errors.Is(err, ErrLockTimeout)
}
