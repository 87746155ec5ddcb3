package deadlock

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aalhour/lockyard/internal/logging"
)

func newTestDetector(t *testing.T, txns ...uint64) *Detector {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = logging.Discard
	d := New(opts)
	for _, id := range txns {
		d.Register(id)
	}
	return d
}

func TestTwoCycle(t *testing.T) {
	d := newTestDetector(t, 1, 2)
	d.AddWait(1, 2, "r2")
	if r := d.DetectDeadlock(); r.Found {
		t.Fatalf("single edge reported as deadlock: %+v", r)
	}
	d.AddWait(2, 1, "r1")

	r := d.DetectDeadlock()
	if !r.Found {
		t.Fatal("2-cycle not detected")
	}
	if r.Victim != 1 && r.Victim != 2 {
		t.Errorf("victim %d not in cycle", r.Victim)
	}
	if r.Victim != 1 {
		t.Errorf("victim = %d, want the smallest id", r.Victim)
	}
	if got := slices.Sorted(slices.Values(r.Cycle)); !slices.Equal(got, []uint64{1, 2}) {
		t.Errorf("cycle = %v", r.Cycle)
	}
}

func TestThreeCycle(t *testing.T) {
	d := newTestDetector(t, 1, 2, 3)
	d.AddWait(1, 2, "a")
	d.AddWait(2, 3, "b")
	d.AddWait(3, 1, "c")

	for _, r := range []Result{d.DetectDeadlock(), d.IncrementalCheck(2)} {
		if !r.Found {
			t.Fatal("3-cycle not detected")
		}
		for _, id := range []uint64{1, 2, 3} {
			if !slices.Contains(r.Cycle, id) {
				t.Errorf("cycle %v misses txn %d", r.Cycle, id)
			}
		}
		if r.Victim != 1 {
			t.Errorf("victim = %d, want 1", r.Victim)
		}
	}
}

func TestIndependentWaitersNoDeadlock(t *testing.T) {
	d := newTestDetector(t, 1, 2, 3)
	d.AddWait(1, 2, "r")
	d.AddWait(3, 2, "r")
	if r := d.DetectDeadlock(); r.Found {
		t.Errorf("false deadlock %+v", r)
	}
	if r := d.IncrementalCheck(1); r.Found {
		t.Errorf("false incremental deadlock %+v", r)
	}
	if got := d.Waiters(2); !slices.Equal(got, []uint64{1, 3}) {
		t.Errorf("Waiters(2) = %v", got)
	}
}

func TestCycleRemoval(t *testing.T) {
	t.Run("remove closing edge", func(t *testing.T) {
		d := newTestDetector(t, 1, 2, 3)
		d.AddWait(1, 2, "a")
		d.AddWait(2, 3, "b")
		d.AddWait(3, 1, "c")
		d.RemoveWait(3, 1)
		if r := d.DetectDeadlock(); r.Found {
			t.Errorf("cycle survived edge removal: %+v", r)
		}
	})
	t.Run("remove transaction", func(t *testing.T) {
		d := newTestDetector(t, 1, 2)
		d.AddWait(1, 2, "a")
		d.AddWait(2, 1, "b")
		d.RemoveTransaction(2)
		if r := d.DetectDeadlock(); r.Found {
			t.Errorf("cycle survived transaction removal: %+v", r)
		}
		if d.IsRegistered(2) {
			t.Error("removed transaction still registered")
		}
		if n := len(d.Edges()); n != 0 {
			t.Errorf("%d edges left", n)
		}
	})
}

func TestIncrementalCheckIsBounded(t *testing.T) {
	opts := DefaultOptions()
	opts.Logger = logging.Discard
	opts.IncrementalDepth = 3
	d := New(opts)
	for id := uint64(1); id <= 10; id++ {
		d.Register(id)
	}
	// 1 -> 2 -> ... -> 10 -> 1
	for id := uint64(1); id < 10; id++ {
		d.AddWait(id, id+1, "r")
	}
	d.AddWait(10, 1, "r")

	if r := d.IncrementalCheck(1); r.Found {
		t.Errorf("depth-3 search found a 10-cycle: %v", r.Cycle)
	}
	if r := d.DetectDeadlock(); !r.Found || len(r.Cycle) != 10 {
		t.Errorf("full scan = %+v", r)
	}
}

func TestBatchThreshold(t *testing.T) {
	opts := DefaultOptions()
	opts.Logger = logging.Discard
	opts.BatchThreshold = 5
	d := New(opts)
	for id := uint64(1); id <= 20; id++ {
		d.Register(id)
	}
	for id := uint64(2); id <= 6; id++ {
		if d.AddWait(1, id, "r") {
			t.Fatalf("scan requested after %d edges, threshold is 5", id-1)
		}
	}
	if !d.AddWait(1, 7, "r") {
		t.Fatal("no scan requested once the threshold was exceeded")
	}
	// Re-adding an existing edge does not count.
	if d.AddWait(1, 2, "r") != true {
		t.Error("threshold exceeded but no scan requested")
	}
	d.DetectDeadlock()
	if d.AddWait(1, 8, "r") {
		t.Error("scan requested right after a scan")
	}
	if got := d.EdgeEpoch(); got != 7 {
		t.Errorf("EdgeEpoch = %d, want 7", got)
	}
}

func TestReplaceWaits(t *testing.T) {
	d := newTestDetector(t, 1, 2, 3, 4)
	d.ReplaceWaits(1, "r", []uint64{2, 3})
	before := d.EdgeEpoch()
	d.ReplaceWaits(1, "r", []uint64{3, 4})

	var holders []uint64
	for _, e := range d.Edges() {
		if e.Waiter == 1 {
			holders = append(holders, e.Holder)
		}
	}
	if !slices.Equal(holders, []uint64{3, 4}) {
		t.Errorf("holders = %v, want [3 4]", holders)
	}
	if got := d.EdgeEpoch() - before; got != 1 {
		t.Errorf("new edges counted = %d, want 1", got)
	}
	if got := d.Waiters(2); len(got) != 0 {
		t.Errorf("reverse index kept %v for a dropped edge", got)
	}
	d.ReplaceWaits(1, "r", nil)
	if n := len(d.Edges()); n != 0 {
		t.Errorf("%d edges after clearing", n)
	}
}

func TestStructuralViolationsAreFatal(t *testing.T) {
	var fatals atomic.Int32
	l := logging.NewLogger(discard{}, logging.LevelError)
	l.SetFatalHandler(func(string) { fatals.Add(1) })
	opts := DefaultOptions()
	opts.Logger = l
	d := New(opts)
	d.Register(1)

	d.AddWait(1, 1, "self")
	d.AddWait(1, 99, "unknown holder")
	d.AddWait(98, 1, "unknown waiter")
	if got := fatals.Load(); got != 3 {
		t.Errorf("fatal reports = %d, want 3", got)
	}
	if n := len(d.Edges()); n != 0 {
		t.Errorf("invalid edges were recorded: %d", n)
	}
}

type discard struct{}

func (discard) Write(b []byte) (int, error) { return len(b), nil }

func TestBackoffSequence(t *testing.T) {
	d := newTestDetector(t)
	want := []time.Duration{10, 20, 40, 80, 160, 320, 640, 1280, 2560, 5000, 5000}
	for i, w := range want {
		if got := d.GetBackoffTimeout(7); got != w*time.Millisecond {
			t.Fatalf("call %d: %v, want %v", i, got, w*time.Millisecond)
		}
	}
	d.ResetBackoff(7)
	if got := d.GetBackoffTimeout(7); got != 10*time.Millisecond {
		t.Errorf("after reset: %v, want 10ms", got)
	}
	if got := d.GetBackoffTimeout(8); got != 10*time.Millisecond {
		t.Errorf("other txn: %v, want 10ms", got)
	}
}

func TestDetectAll(t *testing.T) {
	d := newTestDetector(t, 1, 2, 3, 4, 5, 6, 7)
	// Two disjoint cycles plus a tail waiting on the first.
	d.AddWait(1, 2, "a")
	d.AddWait(2, 1, "b")
	d.AddWait(4, 5, "c")
	d.AddWait(5, 6, "d")
	d.AddWait(6, 4, "e")
	d.AddWait(7, 1, "f")

	rs := d.DetectAll()
	if len(rs) != 2 {
		t.Fatalf("found %d deadlocks, want 2: %+v", len(rs), rs)
	}
	if !slices.Equal(rs[0].Cycle, []uint64{1, 2}) || rs[0].Victim != 1 {
		t.Errorf("first = %+v", rs[0])
	}
	if !slices.Equal(rs[1].Cycle, []uint64{4, 5, 6}) || rs[1].Victim != 4 {
		t.Errorf("second = %+v", rs[1])
	}
}

func TestDetectAllHighIDs(t *testing.T) {
	const (
		top  = math.MaxUint64
		half = uint64(1) << 63
	)
	d := newTestDetector(t, 5, half, top)
	d.AddWait(top, half, "a")
	d.AddWait(half, 5, "b")
	d.AddWait(5, top, "c")

	rs := d.DetectAll()
	if len(rs) != 1 {
		t.Fatalf("found %d deadlocks, want 1: %+v", len(rs), rs)
	}
	if want := []uint64{5, half, top}; !slices.Equal(rs[0].Cycle, want) || rs[0].Victim != 5 {
		t.Errorf("deadlock = %+v, want cycle %v with victim 5", rs[0], want)
	}
}

func TestSelectVictim(t *testing.T) {
	if got := SelectVictim([]uint64{9, 4, 7}); got != 4 {
		t.Errorf("SelectVictim = %d", got)
	}
	if got := SelectVictim(nil); got != 0 {
		t.Errorf("SelectVictim(nil) = %d", got)
	}
}

func TestConcurrentEdgesAndScans(t *testing.T) {
	d := newTestDetector(t)
	const n = 64
	for id := uint64(1); id <= n; id++ {
		d.Register(id)
	}
	var wg sync.WaitGroup
	for w := uint64(1); w <= n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				// Edges only point to larger ids, so no cycle can form.
				h := w + 1 + uint64(i)%4
				if h > n {
					continue
				}
				if d.AddWait(w, h, "r") {
					if r := d.DetectDeadlock(); r.Found {
						t.Errorf("false deadlock %v", r.Cycle)
					}
				}
				d.IncrementalCheck(w)
				d.RemoveWait(w, h)
			}
		}()
	}
	wg.Wait()
	if s := d.Stats(); s.Edges != 0 || s.Transactions != n {
		t.Errorf("stats = %+v", s)
	}
}
