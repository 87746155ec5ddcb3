package lock

import (
	"time"

	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
)

// Options configures a Manager.
type Options struct {
	// Shards is the number of lock table partitions. It must be a power of
	// two; other values are rounded up.
	Shards int

	// DefaultTimeout applies when Acquire is called with a zero timeout.
	DefaultTimeout time.Duration

	Logger     logging.Logger
	Statistics *stats.Statistics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Shards:         64,
		DefaultTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Shards <= 0 {
		o.Shards = d.Shards
	}
	o.Shards = nextPowerOfTwo(o.Shards)
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = d.DefaultTimeout
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
