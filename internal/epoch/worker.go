package epoch

import (
	"sync/atomic"
	"time"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
	"github.com/aalhour/lockyard/internal/testutil"
)

const numBags = 3

// bag holds actions deferred while the global epoch equalled epoch.
type bag struct {
	epoch   uint64
	actions []Action
}

// Worker is the per-goroutine reclamation context: a participant plus a
// private garbage collector with three epoch-tagged bags. A Worker must not
// be used by two goroutines at once; hand it over through a WorkerPool.
type Worker struct {
	c *Collector
	p *Participant

	bags        [numBags]bag
	lastCollect time.Time
	interval    time.Duration
	closed      bool

	pending   atomic.Int64
	deferred  atomic.Uint64
	reclaimed atomic.Uint64
	batches   atomic.Uint64
	intervalN atomic.Int64
}

// NewWorker registers a participant and returns a worker bound to it.
func (c *Collector) NewWorker() *Worker {
	w := &Worker{
		c:           c,
		p:           c.Register(),
		lastCollect: time.Now(),
		interval:    c.opts.MaxCollectInterval,
	}
	w.intervalN.Store(int64(w.interval))
	return w
}

// Collector returns the owning collector.
func (w *Worker) Collector() *Collector { return w.c }

// Participant returns the worker's participant.
func (w *Worker) Participant() *Participant { return w.p }

// Pin pins the worker's participant.
func (w *Worker) Pin() Guard { return w.p.Pin() }

// Defer schedules a for reclamation once no pinned reader can observe the
// object. The object must already be unreachable for new readers.
func (w *Worker) Defer(a Action) {
	e := w.c.epoch.Load()
	b := &w.bags[e%numBags]
	if b.epoch != e && len(b.actions) > 0 {
		// The slot still holds garbage from epoch e-3k, k >= 1.
		w.drain(b)
	}
	b.epoch = e
	b.actions = append(b.actions, a)
	w.pending.Add(1)
	w.deferred.Add(1)
	w.c.stats.Inc(stats.GarbageDeferred)
	w.maybeCollect()
}

// DeferFunc schedules fn to run once it is safe.
func (w *Worker) DeferFunc(fn func()) {
	w.Defer(Action{Kind: KindFunc, Handle: w.c.funcs.Put(fn)})
}

func (w *Worker) maybeCollect() {
	if int(w.pending.Load()) < w.c.opts.BatchSize && time.Since(w.lastCollect) < w.interval {
		return
	}
	w.c.TryAdvance()
	w.Collect()
}

// Collect drains every bag the current global epoch makes safe and adapts
// the collection interval to the observed garbage rate. It returns the
// number of actions run.
func (w *Worker) Collect() int {
	before := int(w.pending.Load())
	global := w.c.epoch.Load()
	n := 0
	for i := range w.bags {
		b := &w.bags[i]
		if len(b.actions) > 0 && global >= b.epoch+2 {
			n += w.drain(b)
		}
	}
	w.lastCollect = time.Now()

	batch := w.c.opts.BatchSize
	switch {
	case before > 2*batch:
		w.interval = time.Duration(float64(w.interval) * 0.8)
	case before < batch/2:
		w.interval = time.Duration(float64(w.interval) * 1.2)
	}
	w.interval = clampDuration(w.interval, w.c.opts.MinCollectInterval, w.c.opts.MaxCollectInterval)
	w.intervalN.Store(int64(w.interval))
	return n
}

func (w *Worker) drain(b *bag) int {
	_ = testutil.SP(testutil.SPEpochDrainBag)
	n := w.c.run(b.actions)
	clear(b.actions)
	b.actions = b.actions[:0]
	w.pending.Add(-int64(n))
	w.reclaimed.Add(uint64(n))
	w.batches.Add(1)
	return n
}

// Flush advances the epoch as far as possible and drains what became safe.
// Call it unpinned; a pinned worker holds back its own garbage.
func (w *Worker) Flush() int {
	n := 0
	for range numBags {
		w.c.TryAdvance()
		n += w.Collect()
		if w.pending.Load() == 0 {
			break
		}
	}
	return n
}

// Close unregisters the worker. Garbage that is not yet safe is handed to
// the collector and reclaimed by a later advance.
func (w *Worker) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.Collect()
	w.c.adopt(w.bags[:])
	for i := range w.bags {
		w.bags[i] = bag{}
	}
	w.pending.Store(0)
	w.c.Unregister(w.p)
}

// WorkerStats describes a worker's garbage collector.
type WorkerStats struct {
	Pending         int
	Deferred        uint64
	Reclaimed       uint64
	Batches         uint64
	CollectInterval time.Duration
}

// Stats returns the worker counters. Safe to call from any goroutine.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Pending:         int(w.pending.Load()),
		Deferred:        w.deferred.Load(),
		Reclaimed:       w.reclaimed.Load(),
		Batches:         w.batches.Load(),
		CollectInterval: time.Duration(w.intervalN.Load()),
	}
}

// WorkerPool lends workers to short-lived callers such as lock lookups and
// transactions. Idle workers stay registered but unpinned, so they never
// hold the epoch back.
type WorkerPool struct {
	c    *Collector
	idle chan *Worker
}

// NewWorkerPool creates a pool keeping at most Options.WorkerPoolSize idle
// workers.
func (c *Collector) NewWorkerPool() *WorkerPool {
	return &WorkerPool{c: c, idle: make(chan *Worker, c.opts.WorkerPoolSize)}
}

// Get returns an idle worker or creates one.
func (wp *WorkerPool) Get() *Worker {
	select {
	case w := <-wp.idle:
		return w
	default:
		return wp.c.NewWorker()
	}
}

// Put returns w to the pool. w must be unpinned.
func (wp *WorkerPool) Put(w *Worker) {
	if w.p.Pinned() {
		wp.c.logger.Fatalf("%sworker %d returned to pool while pinned", logging.NSEpoch, w.p.id)
		return
	}
	w.Collect()
	select {
	case wp.idle <- w:
	default:
		w.Close()
	}
}

// Flush flushes every idle worker and returns the number of actions run.
// Workers lent out during the call are skipped.
func (wp *WorkerPool) Flush() int {
	var taken []*Worker
	n := 0
	for len(taken) < cap(wp.idle) {
		select {
		case w := <-wp.idle:
			n += w.Flush()
			taken = append(taken, w)
			continue
		default:
		}
		break
	}
	for _, w := range taken {
		wp.Put(w)
	}
	return n
}

// Close closes every idle worker.
func (wp *WorkerPool) Close() {
	for {
		select {
		case w := <-wp.idle:
			w.Close()
		default:
			return
		}
	}
}
