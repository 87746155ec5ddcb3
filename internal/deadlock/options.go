package deadlock

import (
	"time"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
)

// Options configures a Detector.
type Options struct {
	// BatchThreshold is the number of new wait edges AddWait tolerates
	// before it asks the caller to run a full scan.
	BatchThreshold uint64

	// IncrementalDepth bounds the search of IncrementalCheck.
	IncrementalDepth int

	// BackoffBase is the first retry delay handed out per transaction; each
	// call doubles it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger     logging.Logger
	Statistics *stats.Statistics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		BatchThreshold:   100,
		IncrementalDepth: 64,
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       5000 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchThreshold == 0 {
		o.BatchThreshold = d.BatchThreshold
	}
	if o.IncrementalDepth <= 0 {
		o.IncrementalDepth = d.IncrementalDepth
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = max(d.BackoffMax, o.BackoffBase)
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}
