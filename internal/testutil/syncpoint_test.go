//go:build synctest

package testutil

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSyncPointManagerBasic(t *testing.T) {
	sp := NewSyncPointManager()
	if sp.IsEnabled() {
		t.Error("new manager should be disabled")
	}
	sp.EnableProcessing()
	if !sp.IsEnabled() {
		t.Error("manager should be enabled after EnableProcessing")
	}
	sp.DisableProcessing()
	if sp.IsEnabled() {
		t.Error("manager should be disabled after DisableProcessing")
	}
}

func TestSyncPointCallbackAndHits(t *testing.T) {
	sp := NewSyncPointManager()
	sp.EnableProcessing()

	var calls atomic.Int32
	sp.SetCallback("p", func(string) error { calls.Add(1); return nil })

	for range 3 {
		if err := sp.Process("p"); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if sp.GetHitCount("p") != 3 {
		t.Errorf("hits = %d, want 3", sp.GetHitCount("p"))
	}

	sp.ClearCallback("p")
	_ = sp.Process("p")
	if calls.Load() != 3 {
		t.Error("callback ran after ClearCallback")
	}
}

func TestSyncPointDisabledIsNoop(t *testing.T) {
	sp := NewSyncPointManager()
	sp.SetErrorInjection("p", errors.New("boom"))
	if err := sp.Process("p"); err != nil {
		t.Errorf("disabled Process returned %v", err)
	}
	if sp.GetHitCount("p") != 0 {
		t.Error("disabled manager counted a hit")
	}
}

func TestSyncPointErrorInjection(t *testing.T) {
	sp := NewSyncPointManager()
	sp.EnableProcessing()
	want := errors.New("injected")
	sp.SetErrorInjection("p", want)
	if err := sp.Process("p"); !errors.Is(err, want) {
		t.Errorf("Process = %v, want %v", err, want)
	}
}

func TestSyncPointBlockAndClear(t *testing.T) {
	sp := NewSyncPointManager()
	sp.EnableProcessing()
	sp.BlockSyncPoint("gate")

	var passed atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sp.Process("gate")
		passed.Store(true)
	}()

	if !sp.WaitUntilHit("gate", time.Second) {
		t.Fatal("goroutine never reached gate")
	}
	time.Sleep(10 * time.Millisecond)
	if passed.Load() {
		t.Fatal("goroutine passed a blocked point")
	}

	sp.ClearSyncPoint("gate")
	<-done
	if !passed.Load() {
		t.Error("goroutine did not pass after clear")
	}
}

func TestSyncPointDependency(t *testing.T) {
	sp := NewSyncPointManager()
	sp.EnableProcessing()
	sp.LoadDependency([]SyncPointDependency{{Before: "A", After: "B"}})

	var order []string
	var mu sync.Mutex
	record := func(name string) error {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return nil
	}
	sp.SetCallback("A", record)
	sp.SetCallback("B", record)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sp.Process("B")
	}()
	time.Sleep(10 * time.Millisecond)
	_ = sp.Process("A")
	wg.Wait()

	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Errorf("order = %v, want [A B]", order)
	}
}

func TestSyncPointGlobal(t *testing.T) {
	sp := EnableSyncPoints()
	defer DisableSyncPoints()

	_ = SP(SPLockGranted)
	if sp.GetHitCount(SPLockGranted) != 1 {
		t.Error("global SP did not reach the manager")
	}

	DisableSyncPoints()
	if err := SP(SPLockGranted); err != nil {
		t.Errorf("SP without manager = %v", err)
	}
}

func TestSyncPointResetReleasesParked(t *testing.T) {
	sp := NewSyncPointManager()
	sp.EnableProcessing()
	sp.BlockSyncPoint("gate")

	done := make(chan struct{})
	go func() {
		_ = sp.Process("gate")
		close(done)
	}()
	sp.WaitUntilHit("gate", time.Second)
	sp.Reset()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Reset did not release parked goroutine")
	}
	if sp.IsEnabled() {
		t.Error("Reset should disable the manager")
	}
}

func BenchmarkSyncPointDisabled(b *testing.B) {
	for b.Loop() {
		_ = SP("bench")
	}
}
