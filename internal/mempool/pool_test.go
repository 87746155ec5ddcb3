package mempool

import (
	"bytes"
	"testing"
)

func TestPoolBasic(t *testing.T) {
	pool := NewPool()

	sizes := []int{100, 500, 2000, 10000, 50000}
	for _, size := range sizes {
		buf := pool.Get(size)
		if cap(buf) < size {
			t.Errorf("expected cap >= %d, got %d", size, cap(buf))
		}
		if len(buf) != 0 {
			t.Errorf("expected len 0, got %d", len(buf))
		}
		pool.Put(buf)
	}
}

func TestPoolUndersizedBufferNotReturnedForLargerRequest(t *testing.T) {
	pool := NewPool()

	// A 1000-byte buffer must not satisfy a later 1KB request.
	pool.Put(make([]byte, 0, 1000))
	for range 16 {
		buf := pool.Get(1024)
		if cap(buf) < 1024 {
			t.Fatalf("Get(1024) returned cap %d", cap(buf))
		}
	}
}

func TestPoolOversized(t *testing.T) {
	pool := NewPool()

	buf := pool.Get(1024 * 1024)
	if cap(buf) < 1024*1024 {
		t.Errorf("expected cap >= 1MB, got %d", cap(buf))
	}
	pool.Put(buf)

	_, _, oversize := pool.Stats()
	if oversize != 1 {
		t.Errorf("oversize = %d, want 1", oversize)
	}
}

func TestPoolNilPut(t *testing.T) {
	pool := NewPool()
	pool.Put(nil)
	if _, puts, _ := pool.Stats(); puts != 0 {
		t.Errorf("nil Put counted: %d", puts)
	}
}

func TestPoolClone(t *testing.T) {
	pool := NewPool()
	src := []byte("balance=100")
	dst := pool.Clone(src)
	if !bytes.Equal(dst, src) {
		t.Fatalf("Clone = %q, want %q", dst, src)
	}
	src[0] = 'X'
	if dst[0] == 'X' {
		t.Error("Clone shares memory with its input")
	}
}

func BenchmarkPoolGet(b *testing.B) {
	pool := NewPool()
	for b.Loop() {
		buf := pool.Get(1024)
		pool.Put(buf)
	}
}
