// Package mvcc implements the multi-version store: per-key version chains
// ordered by creation timestamp, snapshot reads and garbage collection of
// versions no snapshot can observe.
//
// Chains are skip lists traversed without locks. Writers of one key are
// serialized by that chain's latch. A version unlinked by GC or by the
// per-key bound stays reachable from readers that already stood on it, so
// its payload buffer goes back to the pool only after the epoch collector
// confirms every such reader has left.
package mvcc

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/aalhour/lockyard/internal/compression"
	"github.com/aalhour/lockyard/internal/epoch"
	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/mempool"
	"github.com/aalhour/lockyard/internal/stats"
	"github.com/aalhour/lockyard/internal/testutil"
)

// Store is the version store. All methods are safe for concurrent use; each
// caller passes its own epoch worker.
type Store struct {
	opts   Options
	logger logging.Logger
	stats  *stats.Statistics
	pool   *mempool.Pool

	chains sync.Map // string -> *chain
	nodes  epoch.Arena[*versionNode]
	seed   atomic.Uint64

	keys      atomic.Int64
	versions  atomic.Int64
	added     atomic.Uint64
	collected atomic.Uint64
	trimmed   atomic.Uint64
}

// NewStore creates a store whose unlinked versions are reclaimed through c.
func NewStore(c *epoch.Collector, opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:   opts,
		logger: opts.Logger,
		stats:  opts.Statistics,
		pool:   opts.Pool,
	}
	c.SetReclaimer(epoch.KindVersionNode, s.reclaimNode)
	return s
}

// Options returns the effective options.
func (s *Store) Options() Options { return s.opts }

func (s *Store) reclaimNode(h epoch.Handle) {
	n, ok := s.nodes.Take(h)
	if !ok {
		return
	}
	if n.payload != nil {
		s.pool.Put(n.payload)
		n.payload = nil
	}
}

func (s *Store) load(key string) *chain {
	if v, ok := s.chains.Load(key); ok {
		return v.(*chain)
	}
	return nil
}

// latch returns the live chain for key, creating it if needed, with its
// latch held.
func (s *Store) latch(key string) *chain {
	for {
		c := s.load(key)
		if c == nil {
			fresh := newChain(s.seed.Add(0x9e3779b97f4a7c15))
			v, loaded := s.chains.LoadOrStore(key, fresh)
			c = v.(*chain)
			if !loaded {
				s.keys.Add(1)
			}
		}
		c.latch.Lock()
		if !c.dead.Load() {
			return c
		}
		c.latch.Unlock()
	}
}

// AddVersion installs a version of key created at ts. The version that
// precedes it in the chain is marked as superseded by it, and it inherits the
// marker of the version that follows it, if any.
func (s *Store) AddVersion(w *epoch.Worker, key string, ts uint64, rec Record) error {
	if ts == 0 {
		return ErrInvalidTimestamp
	}
	var (
		payload []byte
		codec   = compression.NoCompression
	)
	if !rec.Tombstone {
		enc, t, err := compression.Encode(s.opts.Compression, s.opts.CompressionMinSize, rec.Value)
		if err != nil {
			return err
		}
		if t != compression.NoCompression {
			s.stats.Record(stats.PayloadBytesCompressed, uint64(len(rec.Value)-len(enc)))
		}
		payload = s.pool.Clone(enc)
		codec = t
	}

	c := s.latch(key)
	var prev [chainMaxHeight]*versionNode
	if at := c.findGreaterOrEqual(ts, prev[:]); at != nil && at.createdAt == ts {
		c.latch.Unlock()
		s.pool.Put(payload)
		return ErrDuplicateVersion
	}

	n := newVersionNode(ts, c.randomHeight())
	n.createdBy = rec.Txn
	n.tombstone = rec.Tombstone
	n.payload = payload
	n.codec = codec

	_ = testutil.SP(testutil.SPMVCCBeforeLink)
	pred, succ := c.insert(n, prev[:])
	if succ != nil {
		n.deleted.Store(&marker{by: succ.createdBy, at: succ.createdAt})
	}
	if pred != nil {
		pred.deleted.Store(&marker{by: n.createdBy, at: n.createdAt})
	}
	s.versions.Add(1)
	s.added.Add(1)
	s.stats.Inc(stats.VersionsAdded)

	var trimmed []*versionNode
	if limit := s.opts.MaxVersionsPerKey; limit > 0 && int(c.count.Load()) > limit {
		cutoff := uint64(math.MaxUint64)
		if rec.RetainFrom != 0 {
			cutoff = 0
			if floor := c.findLessOrEqual(rec.RetainFrom); floor != nil {
				cutoff = floor.createdAt
			}
		}
		trimmed = c.unlinkBefore(cutoff, limit)
	}
	c.latch.Unlock()

	if len(trimmed) > 0 {
		s.retire(w, trimmed)
		s.trimmed.Add(uint64(len(trimmed)))
		s.stats.Record(stats.VersionsTrimmed, uint64(len(trimmed)))
	}
	return nil
}

// Delete adds a tombstone for key at ts.
func (s *Store) Delete(w *epoch.Worker, key string, ts, txn uint64) error {
	return s.AddVersion(w, key, ts, Record{Txn: txn, Tombstone: true})
}

// GetVersionAt returns the version of key with the greatest creation
// timestamp not exceeding readTS, tombstones included.
func (s *Store) GetVersionAt(w *epoch.Worker, key string, readTS uint64) (Version, bool) {
	c := s.load(key)
	if c == nil {
		return Version{}, false
	}
	g := w.Pin()
	defer g.Unpin()
	n := c.findLessOrEqual(readTS)
	if n == nil {
		return Version{}, false
	}
	return s.copyOut(key, n)
}

// Read returns the newest version of key visible to reader at readTS. A
// reader of 0 is anonymous and sees only versions created at or before
// readTS. A visible tombstone reads as absent.
func (s *Store) Read(w *epoch.Worker, key string, readTS, reader uint64) (Version, bool) {
	c := s.load(key)
	if c == nil {
		return Version{}, false
	}
	g := w.Pin()
	defer g.Unpin()

	var best *versionNode
	start := c.findLessOrEqual(readTS)
	if start != nil && start.visibleTo(reader, readTS) {
		best = start
	}
	if reader != 0 {
		// The reader's own versions may be newer than its snapshot.
		var n *versionNode
		if start == nil {
			n = c.first()
		} else {
			n = start.getNext(0)
		}
		for ; n != nil; n = n.getNext(0) {
			if n.createdBy == reader && n.visibleTo(reader, readTS) {
				best = n
			}
		}
	}
	if best == nil || best.tombstone {
		return Version{}, false
	}
	return s.copyOut(key, best)
}

// Latest returns the newest version of key, tombstones included.
func (s *Store) Latest(w *epoch.Worker, key string) (Version, bool) {
	c := s.load(key)
	if c == nil {
		return Version{}, false
	}
	g := w.Pin()
	defer g.Unpin()
	n := c.findLast()
	if n == nil {
		return Version{}, false
	}
	return s.copyOut(key, n)
}

// Versions returns every version of key, oldest first.
func (s *Store) Versions(w *epoch.Worker, key string) []Version {
	c := s.load(key)
	if c == nil {
		return nil
	}
	g := w.Pin()
	defer g.Unpin()
	var out []Version
	for n := c.first(); n != nil; n = n.getNext(0) {
		if v, ok := s.copyOut(key, n); ok {
			out = append(out, v)
		}
	}
	return out
}

func (s *Store) copyOut(key string, n *versionNode) (Version, bool) {
	v, err := n.snapshot(key)
	if err != nil {
		s.logger.Fatalf("%s%v", logging.NSMVCC, err)
		return Version{}, false
	}
	return v, true
}

// GCKeyBefore removes the versions of key created before cutoff, keeping at
// least MinRetainedVersions of the newest. It returns the number removed.
func (s *Store) GCKeyBefore(w *epoch.Worker, key string, cutoff uint64) int {
	return s.collectKey(w, key, func(*chain) uint64 { return cutoff })
}

// GCBefore runs GCKeyBefore on every key.
func (s *Store) GCBefore(w *epoch.Worker, cutoff uint64) int {
	return s.collectAll(w, func(*chain) uint64 { return cutoff })
}

// PruneObsolete removes the versions no reader at or after horizon can see:
// everything older than the newest version created at or before horizon,
// and that version too when it is a tombstone.
func (s *Store) PruneObsolete(w *epoch.Worker, horizon uint64) int {
	return s.collectAll(w, func(c *chain) uint64 {
		n := c.findLessOrEqual(horizon)
		switch {
		case n == nil:
			return 0
		case n.tombstone:
			return n.createdAt + 1
		default:
			return n.createdAt
		}
	})
}

func (s *Store) collectAll(w *epoch.Worker, cutoffOf func(*chain) uint64) int {
	total := 0
	s.chains.Range(func(k, _ any) bool {
		total += s.collectKey(w, k.(string), cutoffOf)
		return true
	})
	return total
}

// collectKey unlinks the versions of key older than cutoffOf(chain), which
// is evaluated under the latch.
func (s *Store) collectKey(w *epoch.Worker, key string, cutoffOf func(*chain) uint64) int {
	c := s.load(key)
	if c == nil {
		return 0
	}
	c.latch.Lock()
	if c.dead.Load() {
		c.latch.Unlock()
		return 0
	}
	cutoff := cutoffOf(c)
	if cutoff == 0 {
		c.latch.Unlock()
		return 0
	}
	_ = testutil.SP(testutil.SPMVCCUnlinkPrefix)
	removed := c.unlinkBefore(cutoff, s.opts.MinRetainedVersions)
	if c.count.Load() == 0 {
		_ = testutil.SP(testutil.SPMVCCRetireChain)
		c.dead.Store(true)
		if s.chains.CompareAndDelete(key, c) {
			s.keys.Add(-1)
		}
	}
	c.latch.Unlock()

	if len(removed) > 0 {
		s.retire(w, removed)
		s.collected.Add(uint64(len(removed)))
		s.stats.Record(stats.VersionsCollected, uint64(len(removed)))
	}
	return len(removed)
}

// retire hands unlinked nodes to the epoch collector.
func (s *Store) retire(w *epoch.Worker, nodes []*versionNode) {
	s.versions.Add(-int64(len(nodes)))
	for _, n := range nodes {
		n.handle = s.nodes.Put(n)
		w.Defer(epoch.Action{Kind: epoch.KindVersionNode, Handle: n.handle})
	}
}

// Stats describes the store.
type Stats struct {
	Keys           int64
	Versions       int64
	Added          uint64
	Collected      uint64
	Trimmed        uint64
	PendingReclaim int
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Keys:           s.keys.Load(),
		Versions:       s.versions.Load(),
		Added:          s.added.Load(),
		Collected:      s.collected.Load(),
		Trimmed:        s.trimmed.Load(),
		PendingReclaim: s.nodes.Len(),
	}
}
