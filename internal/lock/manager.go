// Package lock implements the sharded hierarchical lock manager.
//
// Resource ids are hashed onto a power-of-two number of shards. Each shard
// owns the lock entries of its resources and one mutex that guards them, so
// requests on different shards never contend. A request that cannot be
// granted joins the entry's wait queue, publishes its wait edges to the
// deadlock detector and blocks until it is granted, times out or is chosen
// as a deadlock victim.
//
// Lock order is shard, then detector. No goroutine ever holds two shard
// locks; cycle searches run with no shard lock held.
package lock

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/aalhour/lockyard/internal/deadlock"
	"github.com/aalhour/lockyard/internal/epoch"
	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
	"github.com/aalhour/lockyard/internal/testutil"
)

var (
	// ErrLockTimeout is returned when a lock request times out or its
	// context is cancelled.
	ErrLockTimeout = errors.New("lock: request timed out")

	// ErrDeadlock is returned when a waiting request is aborted to break a
	// deadlock.
	ErrDeadlock = errors.New("lock: deadlock detected")

	// ErrLockNotHeld is returned when releasing a resource the transaction
	// does not hold.
	ErrLockNotHeld = errors.New("lock: lock not held by transaction")

	// ErrInvalidMode is returned for ModeNone and unknown modes.
	ErrInvalidMode = errors.New("lock: invalid lock mode")

	errReleased = errors.New("transaction released its locks")
)

// maxResolveRounds bounds how many victims one waiter's check may pick.
const maxResolveRounds = 8

type shard struct {
	mu      sync.Mutex
	entries sync.Map // string -> *entry, mutated under mu
	count   int      // entries, under mu

	locks     atomic.Int64
	waits     atomic.Uint64
	conflicts atomic.Uint64
}

// Manager is the lock manager.
type Manager struct {
	opts     Options
	logger   logging.Logger
	stats    *stats.Statistics
	detector *deadlock.Detector
	workers  *epoch.WorkerPool

	shards []*shard
	mask   uint64

	txns    sync.Map // uint64 -> *txnLocks
	entries epoch.Arena[*entry]

	acquires    atomic.Uint64
	alreadyHeld atomic.Uint64
	releases    atomic.Uint64
	waits       atomic.Uint64
	timeouts    atomic.Uint64
	deadlocks   atomic.Uint64
	upgrades    atomic.Uint64
	groupGrants atomic.Uint64
}

// NewManager creates a lock manager. Emptied lock entries are recycled
// through c once no lookup can still read them; lookups borrow workers from
// workers, or from a private pool when workers is nil.
func NewManager(c *epoch.Collector, workers *epoch.WorkerPool, d *deadlock.Detector, opts Options) *Manager {
	opts = opts.withDefaults()
	if workers == nil {
		workers = c.NewWorkerPool()
	}
	m := &Manager{
		opts:     opts,
		logger:   opts.Logger,
		stats:    opts.Statistics,
		detector: d,
		workers:  workers,
		shards:   make([]*shard, opts.Shards),
		mask:     uint64(opts.Shards - 1),
	}
	for i := range m.shards {
		m.shards[i] = &shard{}
	}
	c.SetReclaimer(epoch.KindLockEntry, m.reclaimEntry)
	return m
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// Detector returns the deadlock detector fed by m.
func (m *Manager) Detector() *deadlock.Detector { return m.detector }

// ShardFor returns the shard index of resource.
func (m *Manager) ShardFor(resource string) int {
	return int(xxh3.HashString(resource) & m.mask)
}

func (m *Manager) shardFor(resource string) *shard {
	return m.shards[xxh3.HashString(resource)&m.mask]
}

func (m *Manager) txn(id uint64) *txnLocks {
	if v, ok := m.txns.Load(id); ok {
		return v.(*txnLocks)
	}
	v, loaded := m.txns.LoadOrStore(id, &txnLocks{held: make(map[string]Mode)})
	if !loaded {
		m.detector.Register(id)
	}
	return v.(*txnLocks)
}

func (m *Manager) entryLocked(sh *shard, resource string) *entry {
	if v, ok := sh.entries.Load(resource); ok {
		return v.(*entry)
	}
	e := newEntry(resource)
	sh.entries.Store(resource, e)
	sh.count++
	return e
}

// Acquire locks resource for txn in mode, waiting at most timeout (the
// default timeout when zero). Timeout and Deadlock come with ErrLockTimeout
// and ErrDeadlock.
func (m *Manager) Acquire(txn uint64, resource string, mode Mode, timeout time.Duration) (Status, error) {
	return m.AcquireContext(context.Background(), txn, resource, mode, timeout)
}

// AcquireContext is Acquire with a context; cancelling ctx ends the wait
// with Timeout.
func (m *Manager) AcquireContext(ctx context.Context, txn uint64, resource string, mode Mode, timeout time.Duration) (Status, error) {
	if !mode.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	if err := ctx.Err(); err != nil {
		return Timeout, fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}

	t := m.txn(txn)
	sh := m.shardFor(resource)
	sh.mu.Lock()
	e := m.entryLocked(sh, resource)
	st, req, f := m.acquireLocked(sh, e, t, txn, mode, true)
	sh.mu.Unlock()
	m.finish(f)
	if req == nil {
		return st, nil
	}

	m.resolve(txn)
	return m.wait(ctx, req, timeout)
}

// TryAcquire grants the lock only if it can do so without waiting.
func (m *Manager) TryAcquire(txn uint64, resource string, mode Mode) (Status, bool) {
	if !mode.Valid() {
		return 0, false
	}
	t := m.txn(txn)
	sh := m.shardFor(resource)
	sh.mu.Lock()
	e := m.entryLocked(sh, resource)
	st, _, f := m.acquireLocked(sh, e, t, txn, mode, false)
	sh.mu.Unlock()
	m.finish(f)
	return st, st != 0
}

// acquireLocked grants mode right away when allowed and otherwise queues a
// request, unless wait is false. REQUIRES: sh.mu held.
func (m *Manager) acquireLocked(sh *shard, e *entry, t *txnLocks, txn uint64, mode Mode, wait bool) (Status, *request, followUp) {
	held := e.heldMode(txn)
	if Covers(held, mode) {
		m.alreadyHeld.Add(1)
		m.stats.Inc(stats.LockAlreadyHeld)
		return AlreadyHeld, nil, followUp{}
	}

	// A request compatible with every other holder is granted even when
	// others are queued; a sole holder always upgrades in place.
	target, upgrade := mode, held != ModeNone
	if upgrade {
		target = Join(held, mode)
	}
	if e.compatibleExcept(txn, target) {
		m.grantLocked(sh, e, t, txn, target)
		var f followUp
		if len(e.queue) > 0 {
			// Waiters may now conflict with the new holder.
			f = m.refreshLocked(e)
		}
		return Granted, nil, f
	}

	sh.conflicts.Add(1)
	if !wait {
		return 0, nil, followUp{}
	}

	req := &request{
		txn:      txn,
		mode:     target,
		upgrade:  upgrade,
		resource: e.resource,
		shard:    sh,
		owner:    t,
		enqueued: time.Now(),
		ready:    make(chan struct{}),
	}
	e.queue = append(e.queue, req)
	t.waiting.Store(req)
	sh.waits.Add(1)
	m.waits.Add(1)
	m.stats.Inc(stats.LockWaits)
	_ = testutil.SP(testutil.SPLockEnqueued)

	scan := m.detector.ReplaceWaits(txn, e.resource, e.blockers(req))
	return 0, req, followUp{scan: scan}
}

// grantLocked makes txn hold mode on e. REQUIRES: sh.mu held.
func (m *Manager) grantLocked(sh *shard, e *entry, t *txnLocks, txn uint64, mode Mode) {
	if i := e.holderIndex(txn); i >= 0 {
		e.holders[i].Mode = mode
		m.upgrades.Add(1)
		m.stats.Inc(stats.LockUpgrades)
	} else {
		e.holders = append(e.holders, Holder{Txn: txn, Mode: mode})
		sh.locks.Add(1)
	}
	e.publish()

	t.mu.Lock()
	t.held[e.resource] = mode
	t.mu.Unlock()

	m.acquires.Add(1)
	m.stats.Inc(stats.LockAcquires)
}

func (m *Manager) wait(ctx context.Context, req *request, timeout time.Duration) (Status, error) {
	_ = testutil.SP(testutil.SPLockBeforeWait)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-req.ready:
	case <-timer.C:
		m.cancel(req, Timeout, nil)
	case <-ctx.Done():
		m.cancel(req, Timeout, ctx.Err())
	}
	// Losing the race against a grant or a victim is fine: the first
	// decision made under the shard lock stands.
	<-req.ready
	m.stats.Measure(stats.LockWaitMicros, uint64(time.Since(req.enqueued).Microseconds()))

	switch req.status {
	case Granted:
		_ = testutil.SP(testutil.SPLockGranted)
		return Granted, nil
	case Deadlock:
		m.deadlocks.Add(1)
		m.stats.Inc(stats.LockDeadlocks)
		return Deadlock, fmt.Errorf("%w: txn %d waiting for %s on %q", ErrDeadlock, req.txn, req.mode, req.resource)
	default:
		m.timeouts.Add(1)
		m.stats.Inc(stats.LockTimeouts)
		if req.cause != nil {
			return Timeout, fmt.Errorf("%w: %w", ErrLockTimeout, req.cause)
		}
		return Timeout, fmt.Errorf("%w: txn %d waiting for %s on %q after %v", ErrLockTimeout, req.txn, req.mode, req.resource, timeout)
	}
}

// complete decides the outcome of req and wakes its waiter. REQUIRES: the
// shard lock of req held.
func complete(req *request, st Status, cause error) {
	req.status = st
	req.cause = cause
	req.done = true
	req.owner.waiting.CompareAndSwap(req, nil)
	close(req.ready)
}

// cancel removes a still-queued req with status st. It reports false when
// req was already decided.
func (m *Manager) cancel(req *request, st Status, cause error) bool {
	sh := req.shard
	sh.mu.Lock()
	if req.done {
		sh.mu.Unlock()
		return false
	}
	v, _ := sh.entries.Load(req.resource)
	e := v.(*entry)
	if i := slices.Index(e.queue, req); i >= 0 {
		e.queue = slices.Delete(e.queue, i, i+1)
	}
	m.detector.RemoveWaiter(req.txn)
	complete(req, st, cause)
	f := m.settleLocked(sh, e)
	sh.mu.Unlock()
	m.finish(f)
	return true
}

// followUp is work found under a shard lock that runs after it is released.
type followUp struct {
	recheck []uint64
	scan    bool
	retired *entry
}

// settleLocked grants every queued request compatible with the holders,
// rebuilds the wait edges of the requests left behind and retires e once it is
// empty. REQUIRES: sh.mu held.
func (m *Manager) settleLocked(sh *shard, e *entry) followUp {
	granted := 0
	// Waiters are checked in arrival order; each grant joins the holders
	// the later waiters are checked against.
	e.queue = slices.DeleteFunc(e.queue, func(req *request) bool {
		if !e.compatibleExcept(req.txn, req.mode) {
			return false
		}
		m.grantLocked(sh, e, req.owner, req.txn, req.mode)
		m.detector.RemoveWaiter(req.txn)
		complete(req, Granted, nil)
		granted++
		return true
	})
	if granted > 1 {
		m.groupGrants.Add(1)
		m.stats.Inc(stats.LockGroupGrants)
	}

	f := m.refreshLocked(e)
	if e.empty() {
		_ = testutil.SP(testutil.SPLockEntryRetire)
		if sh.entries.CompareAndDelete(e.resource, e) {
			sh.count--
		}
		f.retired = e
	}
	return f
}

// refreshLocked rebuilds the wait edges of every queued request of e.
// REQUIRES: the shard lock of e held.
func (m *Manager) refreshLocked(e *entry) followUp {
	var f followUp
	for _, req := range e.queue {
		before := m.detector.EdgeEpoch()
		if m.detector.ReplaceWaits(req.txn, e.resource, e.blockers(req)) {
			f.scan = true
		}
		if m.detector.EdgeEpoch() != before {
			f.recheck = append(f.recheck, req.txn)
		}
	}
	return f
}

func (m *Manager) finish(f followUp) {
	if f.retired != nil {
		m.retire(f.retired)
	}
	for _, txn := range f.recheck {
		m.resolve(txn)
	}
	if f.scan {
		if r := m.detector.DetectDeadlock(); r.Found {
			m.victimize(r.Victim)
		}
	}
}

// resolve searches for cycles reachable from txn and aborts their victims.
func (m *Manager) resolve(txn uint64) {
	for range maxResolveRounds {
		r := m.detector.IncrementalCheck(txn)
		if !r.Found || !m.victimize(r.Victim) {
			return
		}
	}
}

// victimize aborts the pending request of txn with Deadlock.
func (m *Manager) victimize(txn uint64) bool {
	v, ok := m.txns.Load(txn)
	if !ok {
		return false
	}
	req := v.(*txnLocks).waiting.Load()
	if req == nil {
		return false
	}
	_ = testutil.SP(testutil.SPLockVictimize)
	if !m.cancel(req, Deadlock, nil) {
		return false
	}
	m.logger.Debugf("%stxn %d chosen as deadlock victim waiting for %s on %q", logging.NSLock, txn, req.mode, req.resource)
	return true
}

// ResolveDeadlocks aborts one victim per deadlock currently in the wait-for
// graph and returns how many it aborted.
func (m *Manager) ResolveDeadlocks() int {
	n := 0
	for _, r := range m.detector.DetectAll() {
		if m.victimize(r.Victim) {
			n++
		}
	}
	return n
}

// Release releases the lock txn holds on resource. Releasing a resource
// that is not held returns ErrLockNotHeld.
func (m *Manager) Release(txn uint64, resource string) error {
	v, ok := m.txns.Load(txn)
	if !ok {
		return fmt.Errorf("%w: txn %d on %q", ErrLockNotHeld, txn, resource)
	}
	return m.release(v.(*txnLocks), txn, resource)
}

func (m *Manager) release(t *txnLocks, txn uint64, resource string) error {
	sh := m.shardFor(resource)
	sh.mu.Lock()
	v, ok := sh.entries.Load(resource)
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("%w: txn %d on %q", ErrLockNotHeld, txn, resource)
	}
	e := v.(*entry)
	i := e.holderIndex(txn)
	if i < 0 {
		sh.mu.Unlock()
		return fmt.Errorf("%w: txn %d on %q", ErrLockNotHeld, txn, resource)
	}
	e.holders = slices.Delete(e.holders, i, i+1)
	e.publish()
	sh.locks.Add(-1)

	t.mu.Lock()
	delete(t.held, resource)
	t.mu.Unlock()

	f := m.settleLocked(sh, e)
	sh.mu.Unlock()
	m.finish(f)

	m.releases.Add(1)
	m.stats.Inc(stats.LockReleases)
	return nil
}

// ReleaseAll releases every lock of txn, cancels its pending request and
// removes it from the wait-for graph. It returns the number of locks
// released.
func (m *Manager) ReleaseAll(txn uint64) int {
	v, ok := m.txns.LoadAndDelete(txn)
	if !ok {
		m.detector.RemoveTransaction(txn)
		return 0
	}
	t := v.(*txnLocks)
	if req := t.waiting.Load(); req != nil {
		m.cancel(req, Timeout, errReleased)
	}

	t.mu.Lock()
	resources := slices.Sorted(maps.Keys(t.held))
	t.mu.Unlock()

	n := 0
	for _, r := range resources {
		if err := m.release(t, txn, r); err == nil {
			n++
		}
	}
	m.detector.RemoveTransaction(txn)
	return n
}

func (m *Manager) retire(e *entry) {
	w := m.workers.Get()
	w.Defer(epoch.Action{Kind: epoch.KindLockEntry, Handle: m.entries.Put(e)})
	m.workers.Put(w)
}

func (m *Manager) reclaimEntry(h epoch.Handle) {
	if e, ok := m.entries.Take(h); ok {
		e.reset()
		entryPool.Put(e)
	}
}

// HeldMode returns the mode txn holds on resource without taking the shard
// lock.
func (m *Manager) HeldMode(txn uint64, resource string) Mode {
	w := m.workers.Get()
	defer m.workers.Put(w)
	g := w.Pin()
	defer g.Unpin()

	for _, h := range m.view(resource) {
		if h.Txn == txn {
			return h.Mode
		}
	}
	return ModeNone
}

// IsLocked reports whether anyone holds resource, without taking the shard
// lock.
func (m *Manager) IsLocked(resource string) bool {
	w := m.workers.Get()
	defer m.workers.Put(w)
	g := w.Pin()
	defer g.Unpin()
	return len(m.view(resource)) > 0
}

// view returns the published holders of resource. The caller must be
// pinned.
func (m *Manager) view(resource string) []Holder {
	v, ok := m.shardFor(resource).entries.Load(resource)
	if !ok {
		return nil
	}
	if p := v.(*entry).view.Load(); p != nil {
		return *p
	}
	return nil
}

// Holders returns the current holders of resource.
func (m *Manager) Holders(resource string) []Holder {
	sh := m.shardFor(resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.entries.Load(resource)
	if !ok {
		return nil
	}
	return slices.Clone(v.(*entry).holders)
}

// HeldLocks returns a copy of the locks txn holds.
func (m *Manager) HeldLocks(txn uint64) map[string]Mode {
	v, ok := m.txns.Load(txn)
	if !ok {
		return map[string]Mode{}
	}
	t := v.(*txnLocks)
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.held)
}

// Waiter describes a queued request.
type Waiter struct {
	Txn      uint64
	Mode     Mode
	Upgrade  bool
	Enqueued time.Time
}

// EntryView is a copy of one lock entry.
type EntryView struct {
	Resource string
	Holders  []Holder
	Queue    []Waiter
}

// Inspect returns a copy of the entry of resource.
func (m *Manager) Inspect(resource string) (EntryView, bool) {
	sh := m.shardFor(resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.entries.Load(resource)
	if !ok {
		return EntryView{}, false
	}
	e := v.(*entry)
	ev := EntryView{Resource: resource, Holders: slices.Clone(e.holders)}
	for _, req := range e.queue {
		ev.Queue = append(ev.Queue, Waiter{Txn: req.txn, Mode: req.mode, Upgrade: req.upgrade, Enqueued: req.enqueued})
	}
	return ev, true
}

// NumEntries returns the number of resources with holders or waiters.
func (m *Manager) NumEntries() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += sh.count
		sh.mu.Unlock()
	}
	return n
}
