// Package stats collects counters and latency histograms for the
// concurrency core.
//
// Every component takes an optional *Statistics. All methods are safe on a
// nil receiver, so a component built without statistics records nothing and
// pays only a nil check.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Ticker identifies a monotonically increasing counter.
type Ticker int

const (
	// LockAcquires counts granted lock requests (including upgrades).
	LockAcquires Ticker = iota
	// LockAlreadyHeld counts requests answered with AlreadyHeld.
	LockAlreadyHeld
	// LockReleases counts released locks.
	LockReleases
	// LockWaits counts requests that had to queue.
	LockWaits
	// LockTimeouts counts requests that timed out or were cancelled.
	LockTimeouts
	// LockDeadlocks counts requests that failed as deadlock victims.
	LockDeadlocks
	// LockUpgrades counts in-place and queued upgrades that were granted.
	LockUpgrades
	// LockGroupGrants counts release passes that woke more than one waiter.
	LockGroupGrants
	// DeadlockScans counts full wait-for graph scans.
	DeadlockScans
	// DeadlockIncrementalChecks counts bounded searches from a single waiter.
	DeadlockIncrementalChecks
	// DeadlockCyclesFound counts cycles reported by any search.
	DeadlockCyclesFound
	// EpochAdvances counts successful global epoch advances.
	EpochAdvances
	// EpochAdvanceFailures counts advance attempts blocked by a lagging participant.
	EpochAdvanceFailures
	// GarbageDeferred counts reclamation actions handed to a worker.
	GarbageDeferred
	// GarbageReclaimed counts reclamation actions executed.
	GarbageReclaimed
	// VersionsAdded counts versions installed in the store.
	VersionsAdded
	// VersionsCollected counts versions removed by GC.
	VersionsCollected
	// VersionsTrimmed counts versions dropped by the per-key bound.
	VersionsTrimmed
	// PayloadBytesCompressed counts payload bytes saved by compression.
	PayloadBytesCompressed
	// TxnBegins counts started transactions.
	TxnBegins
	// TxnCommits counts committed transactions.
	TxnCommits
	// TxnAborts counts aborted transactions.
	TxnAborts
	// TxnRetries counts retries performed after a deadlock or conflict.
	TxnRetries

	// TickerMax is the number of tickers.
	TickerMax
)

var tickerNames = [TickerMax]string{
	"lockyard.lock.acquires",
	"lockyard.lock.already.held",
	"lockyard.lock.releases",
	"lockyard.lock.waits",
	"lockyard.lock.timeouts",
	"lockyard.lock.deadlocks",
	"lockyard.lock.upgrades",
	"lockyard.lock.group.grants",
	"lockyard.deadlock.scans",
	"lockyard.deadlock.incremental.checks",
	"lockyard.deadlock.cycles",
	"lockyard.epoch.advances",
	"lockyard.epoch.advance.failures",
	"lockyard.garbage.deferred",
	"lockyard.garbage.reclaimed",
	"lockyard.mvcc.versions.added",
	"lockyard.mvcc.versions.collected",
	"lockyard.mvcc.versions.trimmed",
	"lockyard.mvcc.payload.bytes.saved",
	"lockyard.txn.begins",
	"lockyard.txn.commits",
	"lockyard.txn.aborts",
	"lockyard.txn.retries",
}

// String returns the name of the ticker.
func (t Ticker) String() string {
	if t >= 0 && t < TickerMax {
		return tickerNames[t]
	}
	return "unknown"
}

// Histogram identifies a latency distribution in microseconds.
type Histogram int

const (
	// LockWaitMicros is the time spent blocked in Acquire.
	LockWaitMicros Histogram = iota
	// DeadlockScanMicros is the duration of a full graph scan.
	DeadlockScanMicros
	// GCMicros is the duration of a version store GC pass.
	GCMicros
	// CommitMicros is the duration of the commit critical section.
	CommitMicros

	// HistogramMax is the number of histograms.
	HistogramMax
)

var histogramNames = [HistogramMax]string{
	"lockyard.lock.wait.micros",
	"lockyard.deadlock.scan.micros",
	"lockyard.mvcc.gc.micros",
	"lockyard.txn.commit.micros",
}

// String returns the name of the histogram.
func (h Histogram) String() string {
	if h >= 0 && h < HistogramMax {
		return histogramNames[h]
	}
	return "unknown"
}

// HistogramData summarizes a histogram.
type HistogramData struct {
	Count   uint64
	Sum     uint64
	Min     uint64
	Max     uint64
	Average float64
}

type histogram struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func (h *histogram) reset() {
	h.min.Store(^uint64(0))
	h.max.Store(0)
	h.sum.Store(0)
	h.count.Store(0)
}

// Statistics holds the tickers and histograms.
type Statistics struct {
	tickers    [TickerMax]atomic.Uint64
	histograms [HistogramMax]histogram
}

// New creates an empty Statistics.
func New() *Statistics {
	s := &Statistics{}
	for i := range s.histograms {
		s.histograms[i].reset()
	}
	return s
}

// Record adds n to ticker t.
func (s *Statistics) Record(t Ticker, n uint64) {
	if s == nil || t < 0 || t >= TickerMax {
		return
	}
	s.tickers[t].Add(n)
}

// Inc adds one to ticker t.
func (s *Statistics) Inc(t Ticker) { s.Record(t, 1) }

// Get returns the current value of ticker t.
func (s *Statistics) Get(t Ticker) uint64 {
	if s == nil || t < 0 || t >= TickerMax {
		return 0
	}
	return s.tickers[t].Load()
}

// Measure records value in histogram h.
func (s *Statistics) Measure(h Histogram, value uint64) {
	if s == nil || h < 0 || h >= HistogramMax {
		return
	}
	hist := &s.histograms[h]
	hist.count.Add(1)
	hist.sum.Add(value)
	for {
		old := hist.min.Load()
		if value >= old || hist.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := hist.max.Load()
		if value <= old || hist.max.CompareAndSwap(old, value) {
			break
		}
	}
}

// HistogramData returns a summary of histogram h.
func (s *Statistics) HistogramData(h Histogram) HistogramData {
	if s == nil || h < 0 || h >= HistogramMax {
		return HistogramData{}
	}
	hist := &s.histograms[h]
	count := hist.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := hist.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     hist.min.Load(),
		Max:     hist.max.Load(),
		Average: float64(sum) / float64(count),
	}
}

// Reset zeroes every ticker and histogram.
func (s *Statistics) Reset() {
	if s == nil {
		return
	}
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].reset()
	}
}

// Snapshot returns every non-zero ticker keyed by name.
func (s *Statistics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if s == nil {
		return out
	}
	for t := range TickerMax {
		if v := s.Get(t); v > 0 {
			out[t.String()] = v
		}
	}
	return out
}

// String formats non-zero tickers and histograms, sorted by name.
func (s *Statistics) String() string {
	var b strings.Builder
	b.WriteString("TICKERS:\n")
	snap := s.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %s : %d\n", name, snap[name])
	}
	b.WriteString("\nHISTOGRAMS:\n")
	for h := range HistogramMax {
		d := s.HistogramData(h)
		if d.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s : count=%d avg=%.2f min=%d max=%d\n",
			h, d.Count, d.Average, d.Min, d.Max)
	}
	return b.String()
}
