package lockyard

// engine.go wires the concurrency core together: the epoch collector, the
// deadlock detector, the sharded lock manager and the version store, plus
// the timestamp oracle and snapshot tracker transactions read through.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"

	"github.com/aalhour/lockyard/internal/deadlock"
	"github.com/aalhour/lockyard/internal/epoch"
	"github.com/aalhour/lockyard/internal/lock"
	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/mvcc"
	"github.com/aalhour/lockyard/internal/stats"
	"github.com/aalhour/lockyard/internal/txn"
)

// Mode is a hierarchical lock mode.
type Mode = lock.Mode

// Lock modes
const (
	ModeIS  = lock.ModeIS
	ModeIX  = lock.ModeIX
	ModeS   = lock.ModeS
	ModeU   = lock.ModeU
	ModeSIX = lock.ModeSIX
	ModeX   = lock.ModeX
)

// Resource names a database, table, page or row in the lock hierarchy.
type Resource = lock.Resource

// Engine is the concurrency-control core of an embedded database. It is safe
// for concurrent use by multiple goroutines.
type Engine struct {
	opts   Options
	logger Logger
	stats  *stats.Statistics

	collector *epoch.Collector
	workers   *epoch.WorkerPool
	detector  *deadlock.Detector
	locks     *lock.Manager
	store     *mvcc.Store
	oracle    *mvcc.Oracle

	// snapMu makes taking a snapshot and computing the GC horizon atomic
	// with respect to each other.
	snapMu    sync.Mutex
	snapshots *mvcc.SnapshotTracker

	// commitMu orders commit timestamps with their publication.
	commitMu sync.Mutex

	nextID  atomic.Uint64
	active  sync.Map // uint64 -> *Txn
	stopped atomic.Pointer[string]
	closed  atomic.Bool

	maint *maintainer
}

// fatalLogger forwards to the user's logger and stops the engine on Fatalf.
type fatalLogger struct {
	Logger
	stop func(msg string)
}

func (l fatalLogger) Fatalf(format string, args ...any) {
	l.Logger.Fatalf(format, args...)
	l.stop(fmt.Sprintf(format, args...))
}

// Open creates an engine and starts its background maintenance.
func Open(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts:      opts,
		stats:     opts.Statistics,
		oracle:    mvcc.NewOracle(nil),
		snapshots: mvcc.NewSnapshotTracker(),
	}
	e.logger = fatalLogger{Logger: logging.OrDefault(opts.Logger), stop: e.stop}

	e.collector = epoch.NewCollector(opts.epochOptions(e.logger))
	e.workers = e.collector.NewWorkerPool()
	e.detector = deadlock.New(opts.deadlockOptions(e.logger))
	e.locks = lock.NewManager(e.collector, e.workers, e.detector, opts.lockOptions(e.logger))
	e.store = mvcc.NewStore(e.collector, opts.mvccOptions(e.logger))

	// Timestamp 0 means "no version"; start reads above it.
	e.oracle.Publish(e.oracle.Next())

	e.maint = startMaintainer(e)
	e.logger.Infof("%sengine open: %d lock shards, isolation %s", logging.NSTxn, e.locks.Options().Shards, opts.DefaultIsolation)
	return e, nil
}

// stop rejects new transactions from now on.
func (e *Engine) stop(reason string) {
	e.stopped.CompareAndSwap(nil, &reason)
}

// Stopped returns the reason the engine stopped admitting transactions.
func (e *Engine) Stopped() (string, bool) {
	if p := e.stopped.Load(); p != nil {
		return *p, true
	}
	return "", false
}

// Close stops maintenance, aborts the transactions still open and drains
// deferred garbage.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stop("closed")
	err := e.maint.stop()

	e.active.Range(func(_, v any) bool {
		_ = v.(*Txn).Abort()
		return true
	})
	e.workers.Flush()
	e.collector.Flush()
	e.workers.Close()
	return err
}

// Options returns the options the engine was opened with.
func (e *Engine) Options() Options { return e.opts }

// Begin starts a top-level transaction.
func (e *Engine) Begin(opts TxnOptions) (*Txn, error) {
	if reason, ok := e.Stopped(); ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineStopped, reason)
	}
	return e.begin(opts, nil), nil
}

func (e *Engine) begin(opts TxnOptions, parent *Txn) *Txn {
	opts = opts.withDefaults(&e.opts)
	id := e.nextID.Add(1)
	to := txn.Options{Isolation: opts.Isolation, Timeout: opts.Timeout, ReadOnly: opts.ReadOnly}
	x := &Txn{e: e, opts: opts}
	if parent != nil {
		to.Parent = parent.t
		x.parent = parent
		x.owner = parent.owner
	} else {
		x.owner = id
	}
	x.t = txn.New(id, to)

	if parent != nil {
		x.t.SetSnapshotTS(parent.t.SnapshotTS())
	} else {
		x.t.SetSnapshotTS(e.acquireSnapshot())
		e.active.Store(id, x)
	}
	e.stats.Inc(stats.TxnBegins)
	return x
}

// acquireSnapshot registers and returns the current read timestamp.
func (e *Engine) acquireSnapshot() uint64 {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	ts := e.oracle.ReadTS()
	e.snapshots.Acquire(ts)
	return ts
}

// refreshSnapshot moves a registered snapshot to the current read
// timestamp.
func (e *Engine) refreshSnapshot(old uint64) uint64 {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	ts := e.oracle.ReadTS()
	e.snapshots.Move(old, ts)
	return ts
}

func (e *Engine) releaseSnapshot(ts uint64) {
	e.snapMu.Lock()
	e.snapshots.Release(ts)
	e.snapMu.Unlock()
}

// gcHorizon is the oldest timestamp any current or future reader can use.
func (e *Engine) gcHorizon() uint64 {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	if ts, ok := e.snapshots.Oldest(); ok {
		return ts
	}
	return e.oracle.ReadTS()
}

// RowResource returns the lock resource of key in table. Rows hash onto
// PagesPerTable pages.
func (e *Engine) RowResource(table uint64, key string) Resource {
	page := xxh3.HashString(key) % e.opts.PagesPerTable
	return lock.Row(e.opts.DB, table, page, key)
}

// TableResource returns the lock resource of table.
func (e *Engine) TableResource(table uint64) Resource {
	return lock.Table(e.opts.DB, table)
}

// RetryBackoff returns how long to wait before retrying the transaction
// first started as txnID. Each call doubles the delay up to the configured
// cap; a successful retry resets it.
func (e *Engine) RetryBackoff(txnID uint64) time.Duration {
	return e.detector.GetBackoffTimeout(txnID)
}

// RunInTxn runs fn in a transaction and commits it, retrying after
// deadlocks and write conflicts up to MaxTxnRetries times. fn must not
// commit or abort the transaction itself.
func (e *Engine) RunInTxn(ctx context.Context, opts TxnOptions, fn func(*Txn) error) error {
	var first uint64
	for attempt := 0; ; attempt++ {
		x, err := e.Begin(opts)
		if err != nil {
			return err
		}
		if first == 0 {
			first = x.ID()
		}
		err = fn(x)
		if err == nil {
			err = x.Commit()
		}
		if err == nil {
			e.detector.ResetBackoff(first)
			return nil
		}
		_ = x.Abort()
		if !retryable(err) || attempt >= e.opts.MaxTxnRetries {
			e.detector.ResetBackoff(first)
			return err
		}

		e.stats.Inc(stats.TxnRetries)
		d := e.RetryBackoff(first)
		e.logger.Debugf("%stxn %d retry %d in %v: %v", logging.NSTxn, first, attempt+1, d, err)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			e.detector.ResetBackoff(first)
			return ctx.Err()
		case <-t.C:
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrDeadlock) || errors.Is(err, ErrWriteConflict)
}

// EngineStats is a snapshot of every component's counters.
type EngineStats struct {
	ActiveTransactions int               `json:"active_transactions"`
	ReadTS             uint64            `json:"read_ts"`
	Snapshots          int               `json:"snapshots"`
	Lock               lock.Stats        `json:"lock"`
	Deadlock           deadlock.Stats    `json:"deadlock"`
	Epoch              epoch.Stats       `json:"epoch"`
	MVCC               mvcc.Stats        `json:"mvcc"`
	Tickers            map[string]uint64 `json:"tickers,omitempty"`
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	s := EngineStats{
		ReadTS:   e.oracle.ReadTS(),
		Lock:     e.locks.Stats(),
		Deadlock: e.detector.Stats(),
		Epoch:    e.collector.Stats(),
		MVCC:     e.store.Stats(),
	}
	e.active.Range(func(_, _ any) bool {
		s.ActiveTransactions++
		return true
	})
	e.snapMu.Lock()
	s.Snapshots = e.snapshots.Len()
	e.snapMu.Unlock()
	if e.stats != nil {
		s.Tickers = e.stats.Snapshot()
	}
	return s
}

// StatsJSON returns Stats encoded as JSON.
func (e *Engine) StatsJSON() ([]byte, error) {
	return json.Marshal(e.Stats())
}

// Locks returns the lock manager, for diagnostics.
func (e *Engine) Locks() *lock.Manager { return e.locks }
