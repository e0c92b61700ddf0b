// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"

	"github.com/eapache/queue"
)

const (
	// DefaultSegmentSize is the block size rented when no hint is given.
	DefaultSegmentSize = 8192

	// MaxHeaderReserve is the largest possible frame header:
	// 2 base bytes + 8 extended-length bytes + 4 mask bytes.
	MaxHeaderReserve = 14

	// maxIdlePerClass bounds how many blocks a size class retains.
	maxIdlePerClass = 1024
)

// BytePool hands out reusable byte blocks grouped in power-of-two size
// classes. Rented blocks may be larger than requested. Blocks are
// single-owner once rented and must be returned exactly once.
type BytePool struct {
	mu      sync.Mutex
	classes map[int]*queue.Queue
}

// NewBytePool creates an empty pool.
func NewBytePool() *BytePool {
	return &BytePool{classes: make(map[int]*queue.Queue)}
}

var (
	defaultOnce sync.Once
	defaultPool *BytePool
)

// Default returns the process-wide pool so all components reuse the same
// free lists instead of fragmenting allocations.
func Default() *BytePool {
	defaultOnce.Do(func() {
		defaultPool = NewBytePool()
	})
	return defaultPool
}

// sizeClass rounds n up to the pool's block class for n.
func sizeClass(n int) int {
	c := DefaultSegmentSize
	for c < n {
		c <<= 1
	}
	return c
}

// Rent returns a block of at least max(DefaultSegmentSize, min) bytes,
// sliced to its full capacity.
func (p *BytePool) Rent(min int) []byte {
	class := sizeClass(min)

	p.mu.Lock()
	q := p.classes[class]
	if q != nil && q.Length() > 0 {
		buf := q.Remove().([]byte)
		p.mu.Unlock()
		return buf
	}
	p.mu.Unlock()

	return make([]byte, class)
}

// RentForHint sizes a rent for a user payload hint, raising it to cover the
// reserved frame-header prefix.
func (p *BytePool) RentForHint(hint int) []byte {
	if hint < 0 {
		hint = 0
	}
	return p.Rent(hint + MaxHeaderReserve)
}

// Return places a rented block back on its free list. Undersized or
// oddly-sized foreign slices are dropped for the GC.
func (p *BytePool) Return(buf []byte) {
	c := cap(buf)
	if c < DefaultSegmentSize || c != sizeClass(c) {
		return
	}

	p.mu.Lock()
	q := p.classes[c]
	if q == nil {
		q = queue.New()
		p.classes[c] = q
	}
	if q.Length() < maxIdlePerClass {
		q.Add(buf[:c])
	}
	p.mu.Unlock()
}

// Idle reports the number of retained blocks in the class for n.
// Used by tests and pool introspection.
func (p *BytePool) Idle(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q := p.classes[sizeClass(n)]; q != nil {
		return q.Length()
	}
	return 0
}
