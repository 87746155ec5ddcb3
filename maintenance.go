package lockyard

// maintenance.go runs the engine's background loops: a deadlock sweep that
// resolves every cycle the incremental checks missed, epoch advancement on
// the collector's adaptive interval, and version garbage collection below
// the oldest live snapshot.

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
)

type maintainer struct {
	e      *Engine
	cancel context.CancelFunc
	g      *errgroup.Group
}

func startMaintainer(e *Engine) *maintainer {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	m := &maintainer{e: e, cancel: cancel, g: g}

	if d := e.opts.DeadlockSweepInterval; d > 0 {
		g.Go(func() error { return m.every(ctx, func() time.Duration { return d }, m.sweepDeadlocks) })
	}
	if e.opts.EpochAdvance {
		g.Go(func() error { return m.every(ctx, e.collector.AdvanceInterval, m.advanceEpoch) })
	}
	if d := e.opts.GCInterval; d > 0 {
		g.Go(func() error { return m.every(ctx, func() time.Duration { return d }, m.collectVersions) })
	}
	return m
}

// every runs fn after each interval until ctx is done.
func (m *maintainer) every(ctx context.Context, interval func() time.Duration, fn func()) error {
	t := time.NewTimer(interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		fn()
		t.Reset(interval())
	}
}

func (m *maintainer) stop() error {
	m.cancel()
	if err := m.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *maintainer) sweepDeadlocks() {
	if n := m.e.locks.ResolveDeadlocks(); n > 0 {
		m.e.logger.Infof("%sdeadlock sweep aborted %d waiters", logging.NSMaint, n)
	}
}

func (m *maintainer) advanceEpoch() {
	m.e.collector.MaybeAdvance()
}

// CollectGarbage prunes versions no snapshot can read any more and runs
// the reclamation that became safe. It returns the number of versions
// removed. Background maintenance calls it every GCInterval.
func (e *Engine) CollectGarbage() int {
	start := time.Now()
	horizon := e.gcHorizon()
	w := e.workers.Get()
	n := e.store.PruneObsolete(w, horizon)
	e.workers.Put(w)
	e.workers.Flush()
	e.stats.Measure(stats.GCMicros, uint64(time.Since(start).Microseconds()))
	return n
}

func (m *maintainer) collectVersions() {
	if n := m.e.CollectGarbage(); n > 0 {
		m.e.logger.Debugf("%spruned %d versions below %d", logging.NSMaint, n, m.e.gcHorizon())
	}
}
