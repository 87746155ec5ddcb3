// Package mempool recycles the byte buffers that hold version payloads.
//
// A payload buffer is owned by exactly one version node. It goes back to the
// pool only when the node is reclaimed through the epoch collector, never when
// the node is merely unlinked, because readers pinned in an older epoch may
// still be copying out of it.
package mempool

import (
	"sync"
	"sync/atomic"
)

// BucketSizes defines the buffer size buckets.
var BucketSizes = [5]int{
	256,       // 256 bytes
	1024,      // 1KB
	4 * 1024,  // 4KB
	16 * 1024, // 16KB
	64 * 1024, // 64KB
}

// Pool manages reusable byte slices of various sizes.
type Pool struct {
	pools [len(BucketSizes)]sync.Pool

	gets     atomic.Uint64
	puts     atomic.Uint64
	oversize atomic.Uint64
}

// NewPool creates a new Pool.
func NewPool() *Pool {
	bp := &Pool{}
	for i := range bp.pools {
		size := BucketSizes[i]
		bp.pools[i] = sync.Pool{
			New: func() any {
				buf := make([]byte, 0, size)
				return &buf
			},
		}
	}
	return bp
}

// Get retrieves a zero-length byte slice with at least minSize capacity.
func (bp *Pool) Get(minSize int) []byte {
	bp.gets.Add(1)
	bucket := getBucket(minSize)
	if bucket < 0 {
		bp.oversize.Add(1)
		return make([]byte, 0, minSize)
	}

	bufPtr, ok := bp.pools[bucket].Get().(*[]byte)
	if !ok || cap(*bufPtr) < minSize {
		return make([]byte, 0, BucketSizes[bucket])
	}
	return (*bufPtr)[:0]
}

// Put returns a byte slice to the pool. The caller must not use buf again.
func (bp *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	// File the buffer under the largest bucket it can fully serve.
	bucket := -1
	for i, size := range BucketSizes {
		if cap(buf) >= size {
			bucket = i
		}
	}
	if bucket < 0 || cap(buf) > BucketSizes[len(BucketSizes)-1]*2 {
		return
	}
	bp.puts.Add(1)
	buf = buf[:0]
	bp.pools[bucket].Put(&buf)
}

// Clone copies data into a pooled buffer.
func (bp *Pool) Clone(data []byte) []byte {
	buf := bp.Get(len(data))
	return append(buf, data...)
}

// Stats reports how many buffers were handed out, returned, and allocated
// outside the buckets.
func (bp *Pool) Stats() (gets, puts, oversize uint64) {
	return bp.gets.Load(), bp.puts.Load(), bp.oversize.Load()
}

func getBucket(size int) int {
	for i, bucketSize := range BucketSizes {
		if size <= bucketSize {
			return i
		}
	}
	return -1
}

// GlobalPool is the default global buffer pool.
var GlobalPool = NewPool()
