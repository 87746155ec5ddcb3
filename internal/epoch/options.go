package epoch

import (
	"time"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
)

// Options configures a Collector and the Workers it creates.
type Options struct {
	// MinAdvanceInterval and MaxAdvanceInterval bound the adaptive delay
	// between advancement attempts made through MaybeAdvance.
	MinAdvanceInterval time.Duration
	MaxAdvanceInterval time.Duration

	// AdvanceShrink and AdvanceGrow multiply the advance interval after a
	// successful and a failed attempt.
	AdvanceShrink float64
	AdvanceGrow   float64

	// BatchSize is the pending-garbage count that forces a worker to collect.
	BatchSize int

	// MinCollectInterval and MaxCollectInterval bound the adaptive time
	// trigger of a worker's collection.
	MinCollectInterval time.Duration
	MaxCollectInterval time.Duration

	// WorkerPoolSize caps the idle workers kept by a WorkerPool.
	WorkerPoolSize int

	Logger     logging.Logger
	Statistics *stats.Statistics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		MinAdvanceInterval: 100 * time.Microsecond,
		MaxAdvanceInterval: 10 * time.Millisecond,
		AdvanceShrink:      0.9,
		AdvanceGrow:        1.1,
		BatchSize:          128,
		MinCollectInterval: time.Millisecond,
		MaxCollectInterval: 100 * time.Millisecond,
		WorkerPoolSize:     64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinAdvanceInterval <= 0 {
		o.MinAdvanceInterval = d.MinAdvanceInterval
	}
	if o.MaxAdvanceInterval < o.MinAdvanceInterval {
		o.MaxAdvanceInterval = max(d.MaxAdvanceInterval, o.MinAdvanceInterval)
	}
	if o.AdvanceShrink <= 0 || o.AdvanceShrink >= 1 {
		o.AdvanceShrink = d.AdvanceShrink
	}
	if o.AdvanceGrow <= 1 {
		o.AdvanceGrow = d.AdvanceGrow
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MinCollectInterval <= 0 {
		o.MinCollectInterval = d.MinCollectInterval
	}
	if o.MaxCollectInterval < o.MinCollectInterval {
		o.MaxCollectInterval = max(d.MaxCollectInterval, o.MinCollectInterval)
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = d.WorkerPoolSize
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}
