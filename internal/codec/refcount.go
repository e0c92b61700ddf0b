// File: internal/codec/refcount.go
// Author: momentics <momentics@gmail.com>
//
// Reference-counted handle sharing one codec pair between the buffers that
// borrow it. The last release runs the cleanup; misuse fails loudly.

package codec

import "sync/atomic"

// Handle keeps a codec alive across lazy re-entry without rebuild cost.
// Every borrower holds one reference; Release on the last reference runs
// the cleanup exactly once.
type Handle struct {
	refs    atomic.Int32
	cleanup func()
}

// NewHandle creates a handle with one outstanding reference.
func NewHandle(cleanup func()) *Handle {
	h := &Handle{cleanup: cleanup}
	h.refs.Store(1)
	return h
}

// Acquire adds a reference. Acquiring a released handle is a programming
// error.
func (h *Handle) Acquire() *Handle {
	for {
		n := h.refs.Load()
		if n <= 0 {
			panic("codec: acquire of released handle")
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return h
		}
	}
}

// Release drops a reference, running the cleanup on the last drop.
// Underflow is a programming error.
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		if h.cleanup != nil {
			h.cleanup()
		}
	case n < 0:
		panic("codec: refcount underflow")
	}
}

// Refs reports the current reference count.
func (h *Handle) Refs() int32 { return h.refs.Load() }
