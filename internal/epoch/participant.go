package epoch

import (
	"sync/atomic"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/testutil"
)

// Participant is a registered reader. It belongs to a single goroutine at a
// time; the collector only reads its published epoch.
type Participant struct {
	id        uint64
	collector *Collector

	// epoch is the global epoch observed on first pin, 0 while unpinned.
	epoch atomic.Uint64
	depth atomic.Int32
	pins  atomic.Uint64
}

// ID returns the participant id.
func (p *Participant) ID() uint64 { return p.id }

// Epoch returns the pinned epoch, or 0 when unpinned.
func (p *Participant) Epoch() uint64 { return p.epoch.Load() }

// Pinned reports whether p is inside a critical section.
func (p *Participant) Pinned() bool { return p.depth.Load() > 0 }

// Pins returns how many outermost pins p has taken.
func (p *Participant) Pins() uint64 { return p.pins.Load() }

// Pin enters a critical section. Pins nest; only the outermost pin
// publishes an epoch, and nested pins keep it.
func (p *Participant) Pin() Guard {
	if p.depth.Add(1) > 1 {
		return Guard{p: p}
	}
	c := p.collector
	e := c.epoch.Load()
	for {
		p.epoch.Store(e)
		_ = testutil.SP(testutil.SPEpochPinPublished)
		cur := c.epoch.Load()
		if cur == e {
			break
		}
		e = cur
	}
	p.pins.Add(1)
	return Guard{p: p}
}

func (p *Participant) unpin() {
	d := p.depth.Add(-1)
	switch {
	case d == 0:
		p.epoch.Store(0)
	case d < 0:
		p.depth.Store(0)
		p.collector.logger.Fatalf("%sparticipant %d unpinned more often than pinned", logging.NSEpoch, p.id)
	}
}

// Guard marks one Pin. Call Unpin exactly once.
type Guard struct {
	p *Participant
}

// Unpin leaves the critical section entered by the matching Pin.
func (g Guard) Unpin() {
	if g.p != nil {
		g.p.unpin()
	}
}
