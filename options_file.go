package lockyard

// options_file.go loads engine options from a Java-style properties file.
//
// Format:
//
//	# lock manager
//	lock.shards = 64
//	lock.default_timeout = 5s
//
//	deadlock.batch_threshold = 100
//	deadlock.backoff_base = 10ms
//
//	mvcc.compression = snappy
//
// Keys that are absent keep their DefaultOptions value; unknown keys are
// ignored. A value that does not parse fails the whole load.

import (
	"fmt"
	"strconv"
	"time"

	"github.com/magiconair/properties"

	"github.com/aalhour/lockyard/internal/compression"
	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/txn"
)

// LoadOptionsFile reads options from the properties file at path, starting
// from DefaultOptions.
func LoadOptionsFile(path string) (Options, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return Options{}, fmt.Errorf("lockyard: load options: %w", err)
	}
	return LoadOptions(p)
}

// LoadOptions applies p on top of DefaultOptions and validates the result.
func LoadOptions(p *properties.Properties) (Options, error) {
	opts := DefaultOptions()
	if err := ApplyOptions(&opts, p); err != nil {
		return Options{}, err
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ApplyOptions overwrites the fields of opts named in p.
func ApplyOptions(opts *Options, p *properties.Properties) error {
	r := propReader{p: p}
	r.uint64("engine.db", &opts.DB)
	r.uint64("engine.pages_per_table", &opts.PagesPerTable)
	r.duration("engine.deadlock_sweep_interval", &opts.DeadlockSweepInterval)
	r.duration("engine.gc_interval", &opts.GCInterval)
	r.bool("engine.epoch_advance", &opts.EpochAdvance)
	r.int("engine.max_txn_retries", &opts.MaxTxnRetries)
	if v, ok := p.Get("engine.isolation"); ok && r.err == nil {
		iso, err := txn.ParseIsolation(v)
		r.fail("engine.isolation", err)
		opts.DefaultIsolation = iso
	}
	if v, ok := p.Get("engine.log_level"); ok && r.err == nil {
		lvl, err := logging.ParseLevel(v)
		r.fail("engine.log_level", err)
		opts.Logger = logging.NewDefaultLogger(lvl)
	}

	r.int("lock.shards", &opts.LockShards)
	r.duration("lock.default_timeout", &opts.DefaultLockTimeout)

	r.uint64("deadlock.batch_threshold", &opts.DeadlockBatchThreshold)
	r.int("deadlock.incremental_depth", &opts.DeadlockIncrementalDepth)
	r.duration("deadlock.backoff_base", &opts.DeadlockBackoffBase)
	r.duration("deadlock.backoff_max", &opts.DeadlockBackoffMax)

	r.duration("epoch.min_advance_interval", &opts.MinEpochAdvanceInterval)
	r.duration("epoch.max_advance_interval", &opts.MaxEpochAdvanceInterval)
	r.int("epoch.gc_batch_size", &opts.GCBatchSize)
	r.duration("epoch.min_collect_interval", &opts.MinCollectInterval)
	r.duration("epoch.max_collect_interval", &opts.MaxCollectInterval)

	r.int("mvcc.max_versions_per_key", &opts.MaxVersionsPerKey)
	r.int("mvcc.min_retained_versions", &opts.MinRetainedVersions)
	r.int("mvcc.compression_min_size", &opts.CompressionMinSize)
	if v, ok := p.Get("mvcc.compression"); ok && r.err == nil {
		t, err := compression.ParseType(v)
		r.fail("mvcc.compression", err)
		opts.Compression = t
	}
	return r.err
}

// propReader parses typed values and keeps the first error.
type propReader struct {
	p   *properties.Properties
	err error
}

func (r *propReader) fail(key string, err error) {
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("lockyard: option %s: %w", key, err)
	}
}

func (r *propReader) get(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	return r.p.Get(key)
}

func (r *propReader) int(key string, dst *int) {
	if v, ok := r.get(key); ok {
		n, err := strconv.Atoi(v)
		r.fail(key, err)
		*dst = n
	}
}

func (r *propReader) uint64(key string, dst *uint64) {
	if v, ok := r.get(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		r.fail(key, err)
		*dst = n
	}
}

func (r *propReader) bool(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := strconv.ParseBool(v)
		r.fail(key, err)
		*dst = b
	}
}

func (r *propReader) duration(key string, dst *time.Duration) {
	if v, ok := r.get(key); ok {
		d, err := time.ParseDuration(v)
		r.fail(key, err)
		*dst = d
	}
}
