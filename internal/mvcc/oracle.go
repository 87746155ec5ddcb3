package mvcc

import (
	"sync/atomic"
	"time"
)

// logicalBits is the width of the logical counter below the millisecond
// physical part of a timestamp.
const logicalBits = 16

// Oracle hands out monotonically increasing timestamps from a hybrid clock:
// wall-clock milliseconds in the high bits, a logical counter in the low
// bits. It also tracks the highest published commit timestamp, which is the
// snapshot new readers start from.
type Oracle struct {
	now       func() time.Time
	last      atomic.Uint64
	published atomic.Uint64
}

// NewOracle creates an oracle. A nil clock uses time.Now.
func NewOracle(now func() time.Time) *Oracle {
	if now == nil {
		now = time.Now
	}
	return &Oracle{now: now}
}

// Next returns a timestamp greater than every timestamp returned or observed
// before.
func (o *Oracle) Next() uint64 {
	for {
		old := o.last.Load()
		next := max(uint64(o.now().UnixMilli())<<logicalBits, old+1)
		if o.last.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Observe moves the clock past ts.
func (o *Oracle) Observe(ts uint64) {
	for {
		old := o.last.Load()
		if ts <= old || o.last.CompareAndSwap(old, ts) {
			return
		}
	}
}

// Publish marks ts as committed. Readers starting after Publish see it.
func (o *Oracle) Publish(ts uint64) {
	o.Observe(ts)
	for {
		old := o.published.Load()
		if ts <= old || o.published.CompareAndSwap(old, ts) {
			return
		}
	}
}

// ReadTS returns the highest published timestamp.
func (o *Oracle) ReadTS() uint64 { return o.published.Load() }

// Last returns the highest timestamp handed out or observed.
func (o *Oracle) Last() uint64 { return o.last.Load() }

// PhysicalTime returns the wall-clock part of ts.
func PhysicalTime(ts uint64) time.Time {
	return time.UnixMilli(int64(ts >> logicalBits))
}
