package mvcc

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aalhour/lockyard/internal/compression"
	"github.com/aalhour/lockyard/internal/epoch"
	"github.com/aalhour/lockyard/internal/logging"
	"github.com/aalhour/lockyard/internal/stats"
)

func newTestStore(t *testing.T, opts Options) (*Store, *epoch.Worker) {
	t.Helper()
	eo := epoch.DefaultOptions()
	eo.Logger = logging.Discard
	eo.MinCollectInterval = time.Hour
	eo.MaxCollectInterval = time.Hour
	c := epoch.NewCollector(eo)
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	s := NewStore(c, opts)
	w := c.NewWorker()
	t.Cleanup(w.Close)
	return s, w
}

func mustAdd(t *testing.T, s *Store, w *epoch.Worker, key string, ts, txn uint64, value string) {
	t.Helper()
	if err := s.AddVersion(w, key, ts, Record{Txn: txn, Value: []byte(value)}); err != nil {
		t.Fatalf("AddVersion(%s, %d): %v", key, ts, err)
	}
}

func TestGetVersionAtRoundTrip(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	mustAdd(t, s, w, "k", 100, 1, "v1")
	mustAdd(t, s, w, "k", 200, 2, "v2")
	mustAdd(t, s, w, "k", 300, 3, "v3")

	tests := []struct {
		readTS uint64
		want   string
		found  bool
	}{
		{50, "", false},
		{100, "v1", true},
		{150, "v1", true},
		{250, "v2", true},
		{300, "v3", true},
		{1000, "v3", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.readTS), func(t *testing.T) {
			v, ok := s.GetVersionAt(w, "k", tt.readTS)
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if ok && string(v.Value) != tt.want {
				t.Errorf("value = %q, want %q", v.Value, tt.want)
			}
		})
	}

	if _, ok := s.GetVersionAt(w, "missing", 1000); ok {
		t.Error("missing key returned a version")
	}
}

func TestAtMostOneCurrentVersion(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	// Out of order inserts land in the middle of the chain.
	for _, ts := range []uint64{300, 100, 200, 250, 50} {
		mustAdd(t, s, w, "k", ts, ts, fmt.Sprint(ts))
	}

	vs := s.Versions(w, "k")
	if len(vs) != 5 {
		t.Fatalf("len = %d, want 5", len(vs))
	}
	current := 0
	for i, v := range vs {
		if i > 0 && vs[i-1].CreatedAt >= v.CreatedAt {
			t.Fatalf("chain not increasing at %d: %d >= %d", i, vs[i-1].CreatedAt, v.CreatedAt)
		}
		if v.Current() {
			current++
			continue
		}
		next := vs[i+1]
		if v.DeletedAt != next.CreatedAt || v.DeletedBy != next.CreatedBy {
			t.Errorf("version %d marked deleted by %d@%d, want %d@%d",
				v.CreatedAt, v.DeletedBy, v.DeletedAt, next.CreatedBy, next.CreatedAt)
		}
	}
	if current != 1 || !vs[len(vs)-1].Current() {
		t.Errorf("current versions = %d, want only the newest", current)
	}
}

func TestDuplicateAndZeroTimestamp(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	mustAdd(t, s, w, "k", 10, 1, "a")
	if err := s.AddVersion(w, "k", 10, Record{Txn: 2, Value: []byte("b")}); !errors.Is(err, ErrDuplicateVersion) {
		t.Errorf("duplicate ts: err = %v, want ErrDuplicateVersion", err)
	}
	if err := s.AddVersion(w, "k", 0, Record{Txn: 2}); !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("zero ts: err = %v, want ErrInvalidTimestamp", err)
	}
	if v, _ := s.GetVersionAt(w, "k", 10); string(v.Value) != "a" {
		t.Errorf("duplicate overwrote the original: %q", v.Value)
	}
}

func TestVisibility(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	mustAdd(t, s, w, "k", 100, 1, "committed")
	// Txn 7 has an in-flight write at 500, beyond every snapshot below.
	mustAdd(t, s, w, "k", 500, 7, "mine")

	tests := []struct {
		name   string
		reader uint64
		readTS uint64
		want   string
		found  bool
	}{
		{"other reader before write", 2, 200, "committed", true},
		{"writer sees own write", 7, 200, "mine", true},
		{"anonymous reader", 0, 200, "committed", true},
		{"reader before anything", 2, 50, "", false},
		{"reader after write", 2, 600, "mine", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := s.Read(w, "k", tt.readTS, tt.reader)
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if ok && string(v.Value) != tt.want {
				t.Errorf("value = %q, want %q", v.Value, tt.want)
			}
		})
	}
}

func TestVersionVisibleTo(t *testing.T) {
	v := Version{CreatedBy: 1, CreatedAt: 100, DeletedBy: 2, DeletedAt: 200}
	tests := []struct {
		reader, readTS uint64
		want           bool
	}{
		{3, 50, false},
		{3, 150, true},
		{3, 200, false},
		{1, 50, true},   // own version
		{2, 150, false}, // superseded by the reader itself
	}
	for _, tt := range tests {
		if got := v.VisibleTo(tt.reader, tt.readTS); got != tt.want {
			t.Errorf("VisibleTo(%d, %d) = %v, want %v", tt.reader, tt.readTS, got, tt.want)
		}
	}
}

func TestTombstoneReadsAsAbsent(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	mustAdd(t, s, w, "k", 100, 1, "v")
	if err := s.Delete(w, "k", 200, 2); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Read(w, "k", 250, 3); ok {
		t.Error("read after delete found a value")
	}
	if v, ok := s.Read(w, "k", 150, 3); !ok || string(v.Value) != "v" {
		t.Errorf("read before delete = %q, %v", v.Value, ok)
	}
	if v, ok := s.GetVersionAt(w, "k", 250); !ok || !v.Tombstone {
		t.Errorf("GetVersionAt should return the tombstone, got %+v %v", v, ok)
	}
}

func TestGCBefore(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	mustAdd(t, s, w, "k", 100, 1, "v1")
	mustAdd(t, s, w, "k", 200, 2, "v2")
	mustAdd(t, s, w, "k", 300, 3, "v3")

	if n := s.GCKeyBefore(w, "k", 250); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	for _, v := range s.Versions(w, "k") {
		if v.CreatedAt < 250 {
			t.Errorf("version %d survived GC at 250", v.CreatedAt)
		}
	}
	if v, ok := s.GetVersionAt(w, "k", 300); !ok || string(v.Value) != "v3" {
		t.Errorf("newest version lost: %q %v", v.Value, ok)
	}
	if st := s.Stats(); st.Versions != 1 || st.Collected != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGCRetentionFloor(t *testing.T) {
	opts := DefaultOptions()
	opts.MinRetainedVersions = 2
	s, w := newTestStore(t, opts)
	for ts := uint64(1); ts <= 5; ts++ {
		mustAdd(t, s, w, "k", ts*10, ts, "v")
	}
	if n := s.GCBefore(w, 1000); n != 3 {
		t.Fatalf("removed %d, want 3", n)
	}
	vs := s.Versions(w, "k")
	if len(vs) != 2 || vs[0].CreatedAt != 40 || vs[1].CreatedAt != 50 {
		t.Errorf("retained %+v, want versions 40 and 50", vs)
	}
}

func TestGCRetiresEmptyChain(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	mustAdd(t, s, w, "k", 10, 1, "v")
	if n := s.GCBefore(w, 100); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if st := s.Stats(); st.Keys != 0 {
		t.Errorf("keys = %d after emptying the only chain", st.Keys)
	}
	// Writing again creates a fresh chain.
	mustAdd(t, s, w, "k", 20, 2, "again")
	if v, ok := s.GetVersionAt(w, "k", 20); !ok || string(v.Value) != "again" {
		t.Errorf("write after retire: %q %v", v.Value, ok)
	}
}

func TestPruneObsolete(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	mustAdd(t, s, w, "a", 10, 1, "a1")
	mustAdd(t, s, w, "a", 20, 2, "a2")
	mustAdd(t, s, w, "a", 40, 4, "a4")
	mustAdd(t, s, w, "b", 10, 1, "b1")
	if err := s.Delete(w, "b", 20, 2); err != nil {
		t.Fatal(err)
	}

	if n := s.PruneObsolete(w, 30); n != 3 {
		t.Fatalf("pruned %d, want 3", n)
	}
	// A reader at the horizon still sees what it saw before.
	if v, ok := s.Read(w, "a", 30, 0); !ok || string(v.Value) != "a2" {
		t.Errorf("a@30 = %q %v, want a2", v.Value, ok)
	}
	if _, ok := s.Read(w, "b", 30, 0); ok {
		t.Error("b@30 should be deleted")
	}
	if got := len(s.Versions(w, "b")); got != 0 {
		t.Errorf("b kept %d versions after its tombstone fell behind the horizon", got)
	}
}

func TestMaxVersionsPerKey(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVersionsPerKey = 4
	opts.Statistics = stats.New()
	s, w := newTestStore(t, opts)
	for ts := uint64(1); ts <= 10; ts++ {
		mustAdd(t, s, w, "k", ts, ts, "v")
	}
	vs := s.Versions(w, "k")
	if len(vs) != 4 || vs[0].CreatedAt != 7 {
		t.Fatalf("chain = %d versions starting at %d, want 4 starting at 7", len(vs), vs[0].CreatedAt)
	}
	if got := opts.Statistics.Get(stats.VersionsTrimmed); got != 6 {
		t.Errorf("trimmed ticker = %d, want 6", got)
	}
}

func TestMaxVersionsPerKeyKeepsRetainFrom(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVersionsPerKey = 4
	s, w := newTestStore(t, opts)
	mustAdd(t, s, w, "k", 1, 1, "old")
	mustAdd(t, s, w, "k", 2, 2, "snap")
	for ts := uint64(3); ts <= 20; ts++ {
		rec := Record{Txn: ts, Value: []byte("v"), RetainFrom: 2}
		if err := s.AddVersion(w, "k", ts, rec); err != nil {
			t.Fatal(err)
		}
	}
	// Only the version hidden behind the one visible at 2 may go.
	vs := s.Versions(w, "k")
	if len(vs) != 19 || vs[0].CreatedAt != 2 {
		t.Fatalf("chain = %d versions starting at %d, want 19 starting at 2", len(vs), vs[0].CreatedAt)
	}
	if v, ok := s.Read(w, "k", 2, 0); !ok || string(v.Value) != "snap" {
		t.Fatalf("read at 2 = %q, %v", v.Value, ok)
	}

	// Once the floor moves on, the next insert trims back to the bound.
	if err := s.AddVersion(w, "k", 21, Record{Txn: 21, Value: []byte("v"), RetainFrom: 21}); err != nil {
		t.Fatal(err)
	}
	if vs := s.Versions(w, "k"); len(vs) != 4 || vs[0].CreatedAt != 18 {
		t.Fatalf("chain = %d versions starting at %d, want 4 starting at 18", len(vs), vs[0].CreatedAt)
	}
}

func TestCompressedPayload(t *testing.T) {
	opts := DefaultOptions()
	opts.Compression = compression.SnappyCompression
	opts.CompressionMinSize = 64
	opts.Statistics = stats.New()
	s, w := newTestStore(t, opts)

	big := bytes.Repeat([]byte("lockyard "), 100)
	if err := s.AddVersion(w, "k", 1, Record{Txn: 1, Value: big}); err != nil {
		t.Fatal(err)
	}
	v, ok := s.GetVersionAt(w, "k", 1)
	if !ok || !bytes.Equal(v.Value, big) {
		t.Fatal("compressed payload did not round trip")
	}
	if opts.Statistics.Get(stats.PayloadBytesCompressed) == 0 {
		t.Error("no compression savings recorded")
	}
}

func TestReturnedValueIsACopy(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	src := []byte("value")
	if err := s.AddVersion(w, "k", 1, Record{Txn: 1, Value: src}); err != nil {
		t.Fatal(err)
	}
	src[0] = 'X'
	v, _ := s.GetVersionAt(w, "k", 1)
	v.Value[1] = 'Y'
	again, _ := s.GetVersionAt(w, "k", 1)
	if string(again.Value) != "value" {
		t.Errorf("stored value aliased caller memory: %q", again.Value)
	}
}

func TestUnlinkedVersionsReclaimedThroughEpochs(t *testing.T) {
	s, w := newTestStore(t, DefaultOptions())
	reader := w.Collector().NewWorker()
	defer reader.Close()

	for ts := uint64(1); ts <= 3; ts++ {
		mustAdd(t, s, w, "k", ts, ts, "v")
	}
	g := reader.Pin()
	s.GCBefore(w, 3)
	w.Flush()
	if got := s.Stats().PendingReclaim; got != 2 {
		t.Fatalf("pending = %d while a reader is pinned, want 2", got)
	}
	g.Unpin()
	w.Flush()
	if got := s.Stats().PendingReclaim; got != 0 {
		t.Errorf("pending = %d after the reader left, want 0", got)
	}
}

// Writers append increasing versions while readers check that every read
// returns a version consistent with its snapshot and GC trims behind them.
func TestConcurrentReadersWritersAndGC(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxVersionsPerKey = 16
	s, w := newTestStore(t, opts)
	c := w.Collector()
	oracle := NewOracle(nil)

	const keys = 8
	for k := range keys {
		ts := oracle.Next()
		mustAdd(t, s, w, fmt.Sprint(k), ts, 1, fmt.Sprint(ts))
		oracle.Publish(ts)
	}

	var (
		wg       sync.WaitGroup
		stop     atomic.Bool
		failures atomic.Int64
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ww := c.NewWorker()
			defer ww.Close()
			for j := 0; !stop.Load(); j++ {
				ts := oracle.Next()
				key := fmt.Sprint((i*7 + j) % keys)
				if err := s.AddVersion(ww, key, ts, Record{Txn: uint64(i + 2), Value: []byte(fmt.Sprint(ts))}); err != nil {
					failures.Add(1)
				}
				oracle.Publish(ts)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rw := c.NewWorker()
			defer rw.Close()
			for j := 0; !stop.Load(); j++ {
				readTS := oracle.ReadTS()
				v, ok := s.GetVersionAt(rw, fmt.Sprint(j%keys), readTS)
				if !ok {
					continue
				}
				if v.CreatedAt > readTS || string(v.Value) != fmt.Sprint(v.CreatedAt) {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		gw := c.NewWorker()
		defer gw.Close()
		for !stop.Load() {
			s.PruneObsolete(gw, oracle.ReadTS())
			gw.Flush()
		}
	}()

	time.Sleep(200 * time.Millisecond)
	stop.Store(true)
	wg.Wait()
	if n := failures.Load(); n != 0 {
		t.Fatalf("%d inconsistent operations", n)
	}
	if st := s.Stats(); st.Keys != keys {
		t.Errorf("keys = %d, want %d", st.Keys, keys)
	}
}
