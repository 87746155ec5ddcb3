package mvcc

import (
	"sync"
	"testing"
	"time"
)

func TestOracleMonotonic(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	o := NewOracle(func() time.Time { return frozen })

	a := o.Next()
	b := o.Next()
	if b != a+1 {
		t.Errorf("logical step: %d then %d", a, b)
	}
	if got := PhysicalTime(a); !got.Equal(frozen) {
		t.Errorf("PhysicalTime = %v, want %v", got, frozen)
	}

	// A clock going backwards never produces a smaller timestamp.
	earlier := frozen.Add(-time.Hour)
	o.now = func() time.Time { return earlier }
	if c := o.Next(); c <= b {
		t.Errorf("timestamp went backwards: %d after %d", c, b)
	}
}

func TestOracleConcurrentNextIsUnique(t *testing.T) {
	o := NewOracle(nil)
	const goroutines, per = 8, 1000
	out := make([][]uint64, goroutines)
	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range per {
				out[g] = append(out[g], o.Next())
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool, goroutines*per)
	for _, ts := range out {
		for i, v := range ts {
			if seen[v] {
				t.Fatalf("duplicate timestamp %d", v)
			}
			seen[v] = true
			if i > 0 && v <= ts[i-1] {
				t.Fatalf("per-goroutine order broken: %d after %d", v, ts[i-1])
			}
		}
	}
}

func TestOraclePublishAndObserve(t *testing.T) {
	o := NewOracle(nil)
	if o.ReadTS() != 0 {
		t.Fatalf("initial ReadTS = %d", o.ReadTS())
	}
	ts := o.Next()
	o.Publish(ts)
	o.Publish(ts - 1)
	if o.ReadTS() != ts {
		t.Errorf("ReadTS = %d, want %d", o.ReadTS(), ts)
	}

	far := o.Last() + 1<<40
	o.Observe(far)
	if next := o.Next(); next <= far {
		t.Errorf("Next = %d did not move past observed %d", next, far)
	}
}

func TestSnapshotTracker(t *testing.T) {
	tr := NewSnapshotTracker()
	if _, ok := tr.Oldest(); ok {
		t.Fatal("empty tracker reported an oldest snapshot")
	}
	tr.Acquire(30)
	tr.Acquire(10)
	tr.Acquire(10)
	tr.Acquire(20)

	if ts, _ := tr.Oldest(); ts != 10 {
		t.Fatalf("Oldest = %d, want 10", ts)
	}
	tr.Release(10)
	if ts, _ := tr.Oldest(); ts != 10 {
		t.Errorf("Oldest after one release = %d, want 10 (still referenced)", ts)
	}
	tr.Release(10)
	if ts, _ := tr.Oldest(); ts != 20 {
		t.Errorf("Oldest = %d, want 20", ts)
	}
	if tr.Release(99) {
		t.Error("releasing an unknown snapshot succeeded")
	}
	tr.Move(20, 40)
	if ts, _ := tr.Oldest(); ts != 30 {
		t.Errorf("Oldest after move = %d, want 30", ts)
	}
	if tr.Len() != 2 {
		t.Errorf("Len = %d, want 2", tr.Len())
	}
}
