//go:build synctest

// Package testutil provides sync points for deterministic concurrency tests.
//
// A sync point is a named location in production code, marked with
// testutil.SP(name). With the synctest build tag a test can attach
// callbacks to a point, park goroutines on it until released, order it
// after another point, or wait until it has been reached. Without the tag
// every call is an inlined no-op.
//
//	sp := testutil.EnableSyncPoints()
//	defer testutil.DisableSyncPoints()
//	sp.BlockSyncPoint(testutil.SPLockBeforeWait)
//	go acquire()
//	sp.WaitUntilHit(testutil.SPLockEnqueued, time.Second)
//	sp.ClearSyncPoint(testutil.SPLockBeforeWait)
package testutil

import (
	"sync"
	"sync/atomic"
	"time"
)

// SyncPointCallback runs when its point is reached. A non-nil error is
// returned from SP to the production caller.
type SyncPointCallback func(name string) error

// SyncPointDependency orders two points: After cannot pass until Before has
// been reached at least once.
type SyncPointDependency struct {
	Before string
	After  string
}

// SyncPointManager holds the per-test sync point configuration.
type SyncPointManager struct {
	enabled atomic.Bool

	mu        sync.Mutex
	callbacks map[string][]SyncPointCallback
	hits      map[string]int64
	blocked   map[string]chan struct{}
	errors    map[string]error
	delays    map[string]time.Duration
	waitsFor  map[string][]string
	reached   map[string]chan struct{}
}

var globalSyncPointManager atomic.Pointer[SyncPointManager]

// NewSyncPointManager creates a disabled manager.
func NewSyncPointManager() *SyncPointManager {
	sp := &SyncPointManager{}
	sp.resetLocked()
	return sp
}

func (sp *SyncPointManager) resetLocked() {
	sp.callbacks = make(map[string][]SyncPointCallback)
	sp.hits = make(map[string]int64)
	sp.blocked = make(map[string]chan struct{})
	sp.errors = make(map[string]error)
	sp.delays = make(map[string]time.Duration)
	sp.waitsFor = make(map[string][]string)
	sp.reached = make(map[string]chan struct{})
}

// EnableProcessing turns the manager on.
func (sp *SyncPointManager) EnableProcessing() { sp.enabled.Store(true) }

// DisableProcessing turns the manager off. Parked goroutines stay parked
// until their point is cleared.
func (sp *SyncPointManager) DisableProcessing() { sp.enabled.Store(false) }

// IsEnabled reports whether the manager processes points.
func (sp *SyncPointManager) IsEnabled() bool { return sp.enabled.Load() }

// SetGlobal installs the manager for SP.
func (sp *SyncPointManager) SetGlobal() { globalSyncPointManager.Store(sp) }

// ClearGlobal uninstalls the global manager.
func ClearGlobal() { globalSyncPointManager.Store(nil) }

// SetCallback appends a callback for name.
func (sp *SyncPointManager) SetCallback(name string, cb SyncPointCallback) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.callbacks[name] = append(sp.callbacks[name], cb)
}

// ClearCallback removes all callbacks for name.
func (sp *SyncPointManager) ClearCallback(name string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	delete(sp.callbacks, name)
}

// SetDelay sleeps for d every time name is reached.
func (sp *SyncPointManager) SetDelay(name string, d time.Duration) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.delays[name] = d
}

// SetErrorInjection makes SP(name) return err.
func (sp *SyncPointManager) SetErrorInjection(name string, err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.errors[name] = err
}

// BlockSyncPoint parks every goroutine reaching name until ClearSyncPoint.
func (sp *SyncPointManager) BlockSyncPoint(name string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if _, ok := sp.blocked[name]; !ok {
		sp.blocked[name] = make(chan struct{})
	}
}

// ClearSyncPoint releases goroutines parked on name.
func (sp *SyncPointManager) ClearSyncPoint(name string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if ch, ok := sp.blocked[name]; ok {
		close(ch)
		delete(sp.blocked, name)
	}
}

// ClearAllSyncPoints releases every parked goroutine.
func (sp *SyncPointManager) ClearAllSyncPoints() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for name, ch := range sp.blocked {
		close(ch)
		delete(sp.blocked, name)
	}
}

// LoadDependency installs ordering constraints.
func (sp *SyncPointManager) LoadDependency(deps []SyncPointDependency) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, d := range deps {
		sp.waitsFor[d.After] = append(sp.waitsFor[d.After], d.Before)
		if _, ok := sp.reached[d.Before]; !ok {
			sp.reached[d.Before] = make(chan struct{})
		}
	}
}

// GetHitCount returns how often name was reached while enabled.
func (sp *SyncPointManager) GetHitCount(name string) int64 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.hits[name]
}

// Reset clears all configuration and disables the manager. Parked
// goroutines are released.
func (sp *SyncPointManager) Reset() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, ch := range sp.blocked {
		close(ch)
	}
	sp.resetLocked()
	sp.enabled.Store(false)
}

// Process runs the configured behavior for name.
func (sp *SyncPointManager) Process(name string) error {
	if !sp.enabled.Load() {
		return nil
	}

	sp.mu.Lock()
	var before []chan struct{}
	for _, dep := range sp.waitsFor[name] {
		if ch, ok := sp.reached[dep]; ok {
			before = append(before, ch)
		}
	}
	delay := sp.delays[name]
	park := sp.blocked[name]
	sp.mu.Unlock()

	for _, ch := range before {
		<-ch
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	sp.mu.Lock()
	sp.hits[name]++
	if ch, ok := sp.reached[name]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	cbs := sp.callbacks[name]
	injected := sp.errors[name]
	sp.mu.Unlock()

	// Park after counting the hit so WaitUntilHit observes parked goroutines.
	if park != nil {
		<-park
	}

	for _, cb := range cbs {
		if err := cb(name); err != nil {
			return err
		}
	}
	return injected
}

// WaitUntilHit waits until name has been reached once or timeout elapses.
func (sp *SyncPointManager) WaitUntilHit(name string, timeout time.Duration) bool {
	return sp.WaitUntilHitCount(name, 1, timeout)
}

// WaitUntilHitCount waits until name has been reached n times or timeout
// elapses.
func (sp *SyncPointManager) WaitUntilHitCount(name string, n int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sp.GetHitCount(name) >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return sp.GetHitCount(name) >= n
}

// SP processes the named point on the global manager.
func SP(name string) error {
	mgr := globalSyncPointManager.Load()
	if mgr == nil {
		return nil
	}
	return mgr.Process(name)
}

// EnableSyncPoints installs and enables a fresh global manager.
func EnableSyncPoints() *SyncPointManager {
	mgr := NewSyncPointManager()
	mgr.EnableProcessing()
	mgr.SetGlobal()
	return mgr
}

// DisableSyncPoints uninstalls the global manager and releases anything
// parked on it.
func DisableSyncPoints() {
	if mgr := globalSyncPointManager.Swap(nil); mgr != nil {
		mgr.Reset()
	}
}
