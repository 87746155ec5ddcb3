package lockyard

// options.go implements engine configuration options.

import (
	"errors"
	"fmt"
	"time"

	"github.com/aalhour/lockyard/internal/compression"
	"github.com/aalhour/lockyard/internal/deadlock"
	"github.com/aalhour/lockyard/internal/epoch"
	"github.com/aalhour/lockyard/internal/lock"
	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/mvcc"
	"github.com/aalhour/lockyard/internal/txn"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType is an alias for the payload compression type.
type CompressionType = compression.Type

// Compression type constants
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	LZ4HCCompression  = compression.LZ4HCCompression
	ZstdCompression   = compression.ZstdCompression
)

// Isolation is the isolation level of a transaction.
type Isolation = txn.Isolation

// Isolation levels
const (
	ReadCommitted   = txn.ReadCommitted
	ReadUncommitted = txn.ReadUncommitted
	RepeatableRead  = txn.RepeatableRead
	Serializable    = txn.Serializable
	Snapshot        = txn.Snapshot
)

// ParseIsolation parses an isolation level name such as "snapshot" or
// "read-committed".
func ParseIsolation(name string) (Isolation, error) { return txn.ParseIsolation(name) }

// Options configures an Engine.
type Options struct {
	// DB is the database id at the root of every lock resource.
	DB uint64

	// PagesPerTable is the number of page nodes rows of a table hash onto.
	// Page locks let a scan lock a slice of a table without locking the rest.
	PagesPerTable uint64

	// Lock manager
	LockShards         int
	DefaultLockTimeout time.Duration

	// Deadlock detector
	DeadlockBatchThreshold   uint64
	DeadlockIncrementalDepth int
	DeadlockBackoffBase      time.Duration
	DeadlockBackoffMax       time.Duration

	// Epoch reclamation
	MinEpochAdvanceInterval time.Duration
	MaxEpochAdvanceInterval time.Duration
	GCBatchSize             int
	MinCollectInterval      time.Duration
	MaxCollectInterval      time.Duration

	// Version store
	MaxVersionsPerKey   int
	MinRetainedVersions int
	Compression         CompressionType
	CompressionMinSize  int

	// Background maintenance. A zero interval disables the loop.
	DeadlockSweepInterval time.Duration
	GCInterval            time.Duration
	EpochAdvance          bool

	// Transactions
	DefaultIsolation Isolation
	MaxTxnRetries    int

	// Logger receives engine log output. Nil uses a WARN-level default.
	Logger Logger

	// Statistics collects tickers and histograms. Nil disables collection.
	Statistics *Statistics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	lo := lock.DefaultOptions()
	do := deadlock.DefaultOptions()
	eo := epoch.DefaultOptions()
	mo := mvcc.DefaultOptions()
	return Options{
		DB:                       1,
		PagesPerTable:            64,
		LockShards:               lo.Shards,
		DefaultLockTimeout:       lo.DefaultTimeout,
		DeadlockBatchThreshold:   do.BatchThreshold,
		DeadlockIncrementalDepth: do.IncrementalDepth,
		DeadlockBackoffBase:      do.BackoffBase,
		DeadlockBackoffMax:       do.BackoffMax,
		MinEpochAdvanceInterval:  eo.MinAdvanceInterval,
		MaxEpochAdvanceInterval:  eo.MaxAdvanceInterval,
		GCBatchSize:              eo.BatchSize,
		MinCollectInterval:       eo.MinCollectInterval,
		MaxCollectInterval:       eo.MaxCollectInterval,
		MaxVersionsPerKey:        mo.MaxVersionsPerKey,
		MinRetainedVersions:      mo.MinRetainedVersions,
		Compression:              mo.Compression,
		CompressionMinSize:       mo.CompressionMinSize,
		DeadlockSweepInterval:    100 * time.Millisecond,
		GCInterval:               time.Second,
		EpochAdvance:             true,
		DefaultIsolation:         ReadCommitted,
		MaxTxnRetries:            10,
	}
}

// errInvalidOptions is wrapped by every Validate failure.
var errInvalidOptions = errors.New("lockyard: invalid options")

// Validate reports the first inconsistent setting.
func (o *Options) Validate() error {
	switch {
	case o.LockShards <= 0 || o.LockShards&(o.LockShards-1) != 0:
		return fmt.Errorf("%w: LockShards %d is not a power of two", errInvalidOptions, o.LockShards)
	case o.PagesPerTable == 0:
		return fmt.Errorf("%w: PagesPerTable must be positive", errInvalidOptions)
	case o.DefaultLockTimeout <= 0:
		return fmt.Errorf("%w: DefaultLockTimeout must be positive", errInvalidOptions)
	case o.DeadlockBackoffBase <= 0 || o.DeadlockBackoffMax < o.DeadlockBackoffBase:
		return fmt.Errorf("%w: deadlock backoff [%v, %v]", errInvalidOptions, o.DeadlockBackoffBase, o.DeadlockBackoffMax)
	case o.MinEpochAdvanceInterval <= 0 || o.MaxEpochAdvanceInterval < o.MinEpochAdvanceInterval:
		return fmt.Errorf("%w: epoch advance interval [%v, %v]", errInvalidOptions, o.MinEpochAdvanceInterval, o.MaxEpochAdvanceInterval)
	case o.MinCollectInterval <= 0 || o.MaxCollectInterval < o.MinCollectInterval:
		return fmt.Errorf("%w: collect interval [%v, %v]", errInvalidOptions, o.MinCollectInterval, o.MaxCollectInterval)
	case o.GCBatchSize <= 0:
		return fmt.Errorf("%w: GCBatchSize must be positive", errInvalidOptions)
	case o.MaxVersionsPerKey > 0 && o.MinRetainedVersions > o.MaxVersionsPerKey:
		return fmt.Errorf("%w: MinRetainedVersions %d exceeds MaxVersionsPerKey %d", errInvalidOptions, o.MinRetainedVersions, o.MaxVersionsPerKey)
	case !o.Compression.IsSupported():
		return fmt.Errorf("%w: compression %s", errInvalidOptions, o.Compression)
	case o.DeadlockSweepInterval < 0 || o.GCInterval < 0:
		return fmt.Errorf("%w: negative maintenance interval", errInvalidOptions)
	}
	return nil
}

func (o *Options) epochOptions(l Logger) epoch.Options {
	eo := epoch.DefaultOptions()
	eo.MinAdvanceInterval = o.MinEpochAdvanceInterval
	eo.MaxAdvanceInterval = o.MaxEpochAdvanceInterval
	eo.BatchSize = o.GCBatchSize
	eo.MinCollectInterval = o.MinCollectInterval
	eo.MaxCollectInterval = o.MaxCollectInterval
	eo.Logger = l
	eo.Statistics = o.Statistics
	return eo
}

func (o *Options) deadlockOptions(l Logger) deadlock.Options {
	return deadlock.Options{
		BatchThreshold:   o.DeadlockBatchThreshold,
		IncrementalDepth: o.DeadlockIncrementalDepth,
		BackoffBase:      o.DeadlockBackoffBase,
		BackoffMax:       o.DeadlockBackoffMax,
		Logger:           l,
		Statistics:       o.Statistics,
	}
}

func (o *Options) lockOptions(l Logger) lock.Options {
	return lock.Options{
		Shards:         o.LockShards,
		DefaultTimeout: o.DefaultLockTimeout,
		Logger:         l,
		Statistics:     o.Statistics,
	}
}

func (o *Options) mvccOptions(l Logger) mvcc.Options {
	mo := mvcc.DefaultOptions()
	mo.MaxVersionsPerKey = o.MaxVersionsPerKey
	mo.MinRetainedVersions = o.MinRetainedVersions
	mo.Compression = o.Compression
	mo.CompressionMinSize = o.CompressionMinSize
	mo.Logger = l
	mo.Statistics = o.Statistics
	return mo
}
