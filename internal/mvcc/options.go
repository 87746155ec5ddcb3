package mvcc

import (
	"github.com/aalhour/lockyard/internal/compression"
	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/mempool"
	"github.com/aalhour/lockyard/internal/stats"
)

// Options configures a Store.
type Options struct {
	// MaxVersionsPerKey bounds a chain when no GC has run. Inserting past the
	// bound drops the oldest versions not protected by Record.RetainFrom, so
	// a chain under an old reader can grow past it. Negative disables the
	// bound.
	MaxVersionsPerKey int

	// MinRetainedVersions is the number of newest versions per key that GC
	// never removes.
	MinRetainedVersions int

	// Compression encodes payloads of at least CompressionMinSize bytes.
	Compression        compression.Type
	CompressionMinSize int

	// Pool supplies payload buffers. Defaults to mempool.GlobalPool.
	Pool *mempool.Pool

	Logger     logging.Logger
	Statistics *stats.Statistics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		MaxVersionsPerKey:  64,
		Compression:        compression.NoCompression,
		CompressionMinSize: 512,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxVersionsPerKey == 0 {
		o.MaxVersionsPerKey = d.MaxVersionsPerKey
	}
	if o.MinRetainedVersions < 0 {
		o.MinRetainedVersions = 0
	}
	if o.MaxVersionsPerKey > 0 && o.MinRetainedVersions > o.MaxVersionsPerKey {
		o.MinRetainedVersions = o.MaxVersionsPerKey
	}
	if o.CompressionMinSize <= 0 {
		o.CompressionMinSize = d.CompressionMinSize
	}
	if !o.Compression.IsSupported() {
		o.Compression = compression.NoCompression
	}
	if o.Pool == nil {
		o.Pool = mempool.GlobalPool
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}
