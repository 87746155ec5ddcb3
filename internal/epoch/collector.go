// Package epoch implements epoch-based reclamation for structures that are
// traversed without locks.
//
// A Collector owns the global epoch and the participant registry. A reader
// pins its Participant for the duration of a traversal; a writer unlinks an
// object and defers its reclamation through its Worker. Garbage deferred while
// the global epoch was E is reclaimed only once the global epoch reaches E+2.
//
// Safety argument: a participant that pins at epoch e publishes e and then
// re-reads the global epoch until both agree, so while it stays pinned the
// global epoch can move from e to e+1 but never to e+2. Any reader that could
// have reached an object unlinked during epoch E pinned at some e <= E, hence
// global >= E+2 implies every such reader has unpinned.
//
// Garbage goes into one of three bags per worker, indexed by epoch mod 3 and
// tagged with the exact epoch. A bag whose tag is behind the current epoch by
// three or more is always safe to drain when its slot is reused.
package epoch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
	"github.com/aalhour/lockyard/internal/testutil"
)

// Collector is the process-wide epoch service. Create one per engine and
// share it with every component that defers garbage.
type Collector struct {
	opts   Options
	logger logging.Logger
	stats  *stats.Statistics

	epoch atomic.Uint64

	regMu        sync.Mutex
	participants atomic.Pointer[[]*Participant]
	nextID       atomic.Uint64

	reclaimers [numKinds]atomic.Pointer[Reclaimer]
	funcs      Arena[func()]

	interval    atomic.Int64 // nanoseconds
	lastAttempt atomic.Int64 // unix nanoseconds
	advances    atomic.Uint64
	failures    atomic.Uint64

	orphanMu sync.Mutex
	orphans  []bag
}

// NewCollector creates a collector. The global epoch starts at 1 so that a
// participant epoch of 0 means "not pinned".
func NewCollector(opts Options) *Collector {
	opts = opts.withDefaults()
	c := &Collector{
		opts:   opts,
		logger: opts.Logger,
		stats:  opts.Statistics,
	}
	c.epoch.Store(1)
	c.interval.Store(int64(opts.MinAdvanceInterval))
	empty := []*Participant{}
	c.participants.Store(&empty)
	c.SetReclaimer(KindFunc, c.runFunc)
	return c
}

// Options returns the effective options.
func (c *Collector) Options() Options { return c.opts }

// Epoch returns the current global epoch.
func (c *Collector) Epoch() uint64 { return c.epoch.Load() }

// SetReclaimer installs the reclaimer for kind. Owners of an arena call this
// once at construction, before deferring anything of that kind.
func (c *Collector) SetReclaimer(kind Kind, r Reclaimer) {
	c.reclaimers[kind].Store(&r)
}

// Register creates and registers a participant.
func (c *Collector) Register() *Participant {
	p := &Participant{id: c.nextID.Add(1), collector: c}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	old := *c.participants.Load()
	next := make([]*Participant, len(old), len(old)+1)
	copy(next, old)
	next = append(next, p)
	c.participants.Store(&next)
	return p
}

// Unregister removes p from the registry. p must be unpinned; a pinned
// participant is a fatal error and stays registered, so the epoch it holds
// keeps blocking reclamation.
func (c *Collector) Unregister(p *Participant) {
	if p.depth.Load() > 0 {
		c.logger.Fatalf("%sparticipant %d unregistered while pinned", logging.NSEpoch, p.id)
		return
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	old := *c.participants.Load()
	next := make([]*Participant, 0, len(old))
	for _, q := range old {
		if q != p {
			next = append(next, q)
		}
	}
	c.participants.Store(&next)
}

// TryAdvance attempts to move the global epoch forward by one. It succeeds
// only when every pinned participant has observed the current epoch.
func (c *Collector) TryAdvance() bool {
	cur := c.epoch.Load()
	minEpoch := cur
	for _, p := range *c.participants.Load() {
		if e := p.epoch.Load(); e != 0 && e < minEpoch {
			minEpoch = e
		}
	}
	_ = testutil.SP(testutil.SPEpochTryAdvance)

	if minEpoch != cur || !c.epoch.CompareAndSwap(cur, cur+1) {
		c.failures.Add(1)
		c.stats.Inc(stats.EpochAdvanceFailures)
		c.scaleInterval(c.opts.AdvanceGrow)
		return false
	}
	c.advances.Add(1)
	c.stats.Inc(stats.EpochAdvances)
	c.scaleInterval(c.opts.AdvanceShrink)
	c.collectOrphans()
	return true
}

// MaybeAdvance calls TryAdvance if the adaptive interval has elapsed since
// the previous attempt. Concurrent callers race for the attempt; losers
// return false without sampling.
func (c *Collector) MaybeAdvance() bool {
	now := time.Now().UnixNano()
	last := c.lastAttempt.Load()
	if now-last < c.interval.Load() {
		return false
	}
	if !c.lastAttempt.CompareAndSwap(last, now) {
		return false
	}
	return c.TryAdvance()
}

// AdvanceInterval returns the current adaptive advance interval.
func (c *Collector) AdvanceInterval() time.Duration {
	return time.Duration(c.interval.Load())
}

func (c *Collector) scaleInterval(factor float64) {
	for {
		old := c.interval.Load()
		next := clampDuration(time.Duration(float64(old)*factor), c.opts.MinAdvanceInterval, c.opts.MaxAdvanceInterval)
		if c.interval.CompareAndSwap(old, int64(next)) {
			return
		}
	}
}

// Flush advances the epoch as far as the current pins allow and reclaims
// orphaned garbage that became safe. It returns the number of actions run.
func (c *Collector) Flush() int {
	for range 3 {
		if !c.TryAdvance() {
			break
		}
	}
	return c.collectOrphans()
}

// adopt takes ownership of garbage left behind by a closed worker.
func (c *Collector) adopt(bags []bag) {
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()
	for _, b := range bags {
		if len(b.actions) > 0 {
			c.orphans = append(c.orphans, b)
		}
	}
}

func (c *Collector) collectOrphans() int {
	c.orphanMu.Lock()
	if len(c.orphans) == 0 {
		c.orphanMu.Unlock()
		return 0
	}
	global := c.epoch.Load()
	var ready []bag
	keep := c.orphans[:0]
	for _, b := range c.orphans {
		if global >= b.epoch+2 {
			ready = append(ready, b)
		} else {
			keep = append(keep, b)
		}
	}
	c.orphans = keep
	c.orphanMu.Unlock()

	n := 0
	for _, b := range ready {
		n += c.run(b.actions)
	}
	return n
}

// run executes actions. The caller has established that they are safe.
func (c *Collector) run(actions []Action) int {
	for _, a := range actions {
		r := c.reclaimers[a.Kind].Load()
		if r == nil {
			c.logger.Fatalf("%sno reclaimer registered for %s garbage", logging.NSEpoch, a.Kind)
			continue
		}
		(*r)(a.Handle)
	}
	c.stats.Record(stats.GarbageReclaimed, uint64(len(actions)))
	return len(actions)
}

func (c *Collector) runFunc(h Handle) {
	if fn, ok := c.funcs.Take(h); ok && fn != nil {
		fn()
	}
}

// Stats describes the collector.
type Stats struct {
	Epoch              uint64
	Advances           uint64
	FailedAdvances     uint64
	SuccessRate        float64
	AdvanceInterval    time.Duration
	Participants       int
	ActiveParticipants int
	OrphanedActions    int
}

// Stats returns a snapshot of the collector state.
func (c *Collector) Stats() Stats {
	s := Stats{
		Epoch:           c.epoch.Load(),
		Advances:        c.advances.Load(),
		FailedAdvances:  c.failures.Load(),
		AdvanceInterval: c.AdvanceInterval(),
	}
	if total := s.Advances + s.FailedAdvances; total > 0 {
		s.SuccessRate = float64(s.Advances) / float64(total)
	}
	ps := *c.participants.Load()
	s.Participants = len(ps)
	for _, p := range ps {
		if p.epoch.Load() != 0 {
			s.ActiveParticipants++
		}
	}
	c.orphanMu.Lock()
	for _, b := range c.orphans {
		s.OrphanedActions += len(b.actions)
	}
	c.orphanMu.Unlock()
	return s
}
