// Package deadlock maintains the wait-for graph between transactions and
// finds cycles in it.
//
// The lock manager adds an edge waiter -> holder whenever a request has to
// queue behind a transaction, and retracts it on grant, timeout or release.
// Cycles are searched three ways: a bounded search from one new waiter
// (IncrementalCheck), a full depth-first scan that runs once enough new
// edges have accumulated (DetectDeadlock), and a strongly connected
// component sweep used by background maintenance (DetectAll).
package deadlock

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
	"github.com/aalhour/lockyard/internal/testutil"
)

// Edge is one wait-for relation.
type Edge struct {
	Waiter    uint64
	Holder    uint64
	Resource  string
	CreatedAt time.Time
}

type edgeInfo struct {
	resource  string
	createdAt time.Time
}

// Result is the outcome of a search. Cycle lists the transactions in wait
// order; Victim is the one to abort.
type Result struct {
	Found  bool
	Cycle  []uint64
	Victim uint64
}

// Detector is the wait-for graph. All methods are safe for concurrent use.
type Detector struct {
	opts   Options
	logger logging.Logger
	stats  *stats.Statistics

	mu         sync.RWMutex
	graph      map[uint64]map[uint64]edgeInfo // waiter -> holder -> edge
	reverse    map[uint64]mapset.Set[uint64]  // holder -> waiters
	registered mapset.Set[uint64]

	edgeEpoch     atomic.Uint64
	lastScanEpoch atomic.Uint64

	backoffMu sync.Mutex
	backoff   map[uint64]time.Duration

	scans       atomic.Uint64
	incremental atomic.Uint64
	cycles      atomic.Uint64
}

// New creates an empty detector.
func New(opts Options) *Detector {
	opts = opts.withDefaults()
	return &Detector{
		opts:       opts,
		logger:     opts.Logger,
		stats:      opts.Statistics,
		graph:      make(map[uint64]map[uint64]edgeInfo),
		reverse:    make(map[uint64]mapset.Set[uint64]),
		registered: mapset.NewThreadUnsafeSet[uint64](),
		backoff:    make(map[uint64]time.Duration),
	}
}

// Options returns the effective options.
func (d *Detector) Options() Options { return d.opts }

// Register makes txn known to the graph. Edges may only name registered
// transactions.
func (d *Detector) Register(txn uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered.Add(txn)
}

// IsRegistered reports whether txn is registered.
func (d *Detector) IsRegistered(txn uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registered.Contains(txn)
}

// AddWait records that waiter is blocked on holder for resource. It returns
// true when enough edges were added since the last full scan that the caller
// should run DetectDeadlock now.
func (d *Detector) AddWait(waiter, holder uint64, resource string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(waiter, holder, resource, time.Now())
	return d.scanDue()
}

// ReplaceWaits sets the out-edges of waiter to exactly one edge per holder,
// all for resource. Edges that already exist keep their creation time and do
// not count as new.
func (d *Detector) ReplaceWaits(waiter uint64, resource string, holders []uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	keep := make(map[uint64]struct{}, len(holders))
	for _, h := range holders {
		keep[h] = struct{}{}
	}
	for h := range d.graph[waiter] {
		if _, ok := keep[h]; !ok {
			d.removeLocked(waiter, h)
		}
	}
	now := time.Now()
	for _, h := range holders {
		d.addLocked(waiter, h, resource, now)
	}
	return d.scanDue()
}

// scanDue reports whether more than BatchThreshold edges were added since
// the last full scan.
func (d *Detector) scanDue() bool {
	return d.edgeEpoch.Load()-d.lastScanEpoch.Load() > d.opts.BatchThreshold
}

// addLocked inserts one edge. REQUIRES: mu held for writing.
func (d *Detector) addLocked(waiter, holder uint64, resource string, now time.Time) {
	switch {
	case waiter == holder:
		d.logger.Fatalf("%sself wait edge for txn %d on %q", logging.NSDeadlock, waiter, resource)
		return
	case !d.registered.Contains(waiter):
		d.logger.Fatalf("%swait edge from unregistered txn %d on %q", logging.NSDeadlock, waiter, resource)
		return
	case !d.registered.Contains(holder):
		d.logger.Fatalf("%swait edge to unregistered txn %d on %q", logging.NSDeadlock, holder, resource)
		return
	}
	out := d.graph[waiter]
	if out == nil {
		out = make(map[uint64]edgeInfo)
		d.graph[waiter] = out
	}
	if e, ok := out[holder]; ok && e.resource == resource {
		return
	}
	out[holder] = edgeInfo{resource: resource, createdAt: now}
	in := d.reverse[holder]
	if in == nil {
		in = mapset.NewThreadUnsafeSet[uint64]()
		d.reverse[holder] = in
	}
	in.Add(waiter)
	d.edgeEpoch.Add(1)
}

// RemoveWait retracts the edge waiter -> holder.
func (d *Detector) RemoveWait(waiter, holder uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(waiter, holder)
}

// RemoveWaiter retracts every out-edge of waiter.
func (d *Detector) RemoveWaiter(waiter uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h := range d.graph[waiter] {
		d.removeLocked(waiter, h)
	}
}

func (d *Detector) removeLocked(waiter, holder uint64) {
	out := d.graph[waiter]
	if _, ok := out[holder]; !ok {
		return
	}
	delete(out, holder)
	if len(out) == 0 {
		delete(d.graph, waiter)
	}
	if in := d.reverse[holder]; in != nil {
		in.Remove(waiter)
		if in.Cardinality() == 0 {
			delete(d.reverse, holder)
		}
	}
}

// RemoveTransaction retracts every edge naming txn and unregisters it. The
// backoff state of txn survives so that a retry can keep using it.
func (d *Detector) RemoveTransaction(txn uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h := range d.graph[txn] {
		d.removeLocked(txn, h)
	}
	if in := d.reverse[txn]; in != nil {
		for _, w := range in.ToSlice() {
			d.removeLocked(w, txn)
		}
	}
	d.registered.Remove(txn)
}

// EdgeEpoch returns the number of edges ever added.
func (d *Detector) EdgeEpoch() uint64 { return d.edgeEpoch.Load() }

// Edges returns a snapshot of the graph ordered by waiter, then holder.
func (d *Detector) Edges() []Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Edge
	for _, w := range slices.Sorted(maps.Keys(d.graph)) {
		for _, h := range slices.Sorted(maps.Keys(d.graph[w])) {
			e := d.graph[w][h]
			out = append(out, Edge{Waiter: w, Holder: h, Resource: e.resource, CreatedAt: e.createdAt})
		}
	}
	return out
}

// Waiters returns the transactions waiting on holder.
func (d *Detector) Waiters(holder uint64) []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	in := d.reverse[holder]
	if in == nil {
		return nil
	}
	out := in.ToSlice()
	slices.Sort(out)
	return out
}

// DetectDeadlock scans the whole graph depth first and reports the first
// cycle found.
func (d *Detector) DetectDeadlock() Result {
	start := time.Now()
	_ = testutil.SP(testutil.SPDeadlockScan)

	d.mu.RLock()
	d.lastScanEpoch.Store(d.edgeEpoch.Load())
	visited := mapset.NewThreadUnsafeSet[uint64]()
	var cycle []uint64
	for _, n := range slices.Sorted(maps.Keys(d.graph)) {
		if visited.Contains(n) {
			continue
		}
		if cycle = d.searchLocked(n, visited, 0); cycle != nil {
			break
		}
	}
	d.mu.RUnlock()

	d.scans.Add(1)
	d.stats.Inc(stats.DeadlockScans)
	d.stats.Measure(stats.DeadlockScanMicros, uint64(time.Since(start).Microseconds()))
	return d.result(cycle)
}

// IncrementalCheck searches only from start, at most IncrementalDepth edges
// deep, and reports the first cycle reachable from it.
func (d *Detector) IncrementalCheck(start uint64) Result {
	d.mu.RLock()
	var cycle []uint64
	if _, ok := d.graph[start]; ok {
		cycle = d.searchLocked(start, mapset.NewThreadUnsafeSet[uint64](), d.opts.IncrementalDepth)
	}
	d.mu.RUnlock()

	d.incremental.Add(1)
	d.stats.Inc(stats.DeadlockIncrementalChecks)
	return d.result(cycle)
}

func (d *Detector) result(cycle []uint64) Result {
	if cycle == nil {
		return Result{}
	}
	d.cycles.Add(1)
	d.stats.Inc(stats.DeadlockCyclesFound)
	return Result{Found: true, Cycle: cycle, Victim: SelectVictim(cycle)}
}

type frame struct {
	node  uint64
	succ  []uint64
	index int
}

// searchLocked runs an explicit-stack depth-first search from root and
// returns the first cycle closed by a back edge. Nodes in visited are not
// expanded again. A maxDepth of 0 means unbounded. REQUIRES: mu held.
func (d *Detector) searchLocked(root uint64, visited mapset.Set[uint64], maxDepth int) []uint64 {
	var (
		stack  []frame
		path   []uint64
		onPath = make(map[uint64]int)
	)
	push := func(n uint64) {
		visited.Add(n)
		onPath[n] = len(path)
		path = append(path, n)
		stack = append(stack, frame{node: n, succ: slices.Sorted(maps.Keys(d.graph[n]))})
	}
	push(root)
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.index == len(top.succ) {
			delete(onPath, top.node)
			path = path[:len(path)-1]
			stack = stack[:len(stack)-1]
			continue
		}
		next := top.succ[top.index]
		top.index++
		if i, ok := onPath[next]; ok {
			return slices.Clone(path[i:])
		}
		if visited.Contains(next) {
			continue
		}
		if maxDepth > 0 && len(path) >= maxDepth {
			continue
		}
		push(next)
	}
	return nil
}

// SelectVictim picks the transaction to abort in cycle: the smallest id.
func SelectVictim(cycle []uint64) uint64 {
	if len(cycle) == 0 {
		return 0
	}
	return slices.Min(cycle)
}

// GetBackoffTimeout returns how long txn should wait before retrying, and
// doubles the value handed out next time, up to BackoffMax.
func (d *Detector) GetBackoffTimeout(txn uint64) time.Duration {
	d.backoffMu.Lock()
	defer d.backoffMu.Unlock()
	cur, ok := d.backoff[txn]
	if !ok {
		cur = d.opts.BackoffBase
	}
	d.backoff[txn] = min(cur*2, d.opts.BackoffMax)
	return cur
}

// ResetBackoff restores the backoff of txn to BackoffBase.
func (d *Detector) ResetBackoff(txn uint64) {
	d.backoffMu.Lock()
	defer d.backoffMu.Unlock()
	delete(d.backoff, txn)
}

// Stats describes the detector.
type Stats struct {
	Transactions      int
	Waiters           int
	Edges             int
	EdgeEpoch         uint64
	Scans             uint64
	IncrementalChecks uint64
	CyclesFound       uint64
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	d.mu.RLock()
	s := Stats{
		Transactions: d.registered.Cardinality(),
		Waiters:      len(d.graph),
	}
	for _, out := range d.graph {
		s.Edges += len(out)
	}
	d.mu.RUnlock()
	s.EdgeEpoch = d.edgeEpoch.Load()
	s.Scans = d.scans.Load()
	s.IncrementalChecks = d.incremental.Load()
	s.CyclesFound = d.cycles.Load()
	return s
}
