// File: pool/io.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// io.Writer / io.Reader adapters over segment chains so streaming codecs
// can produce into and consume from pooled memory directly.

package pool

import "io"

// ChainWriter appends written bytes to a chain, renting segments from the
// pool as needed. Reserve bytes are skipped at the front of the first
// segment the writer itself rents into an empty chain.
type ChainWriter struct {
	Chain   *Chain
	Pool    *BytePool
	Reserve int
}

func (w ChainWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		tail := w.Chain.Tail()
		if tail == nil || len(tail.Available()) == 0 {
			seg := NewSegment(w.Pool.Rent(0))
			if w.Chain.Empty() && w.Reserve > 0 {
				seg.Advance(w.Reserve)
			}
			w.Chain.Append(seg)
			tail = seg
		}
		n := copy(tail.Available(), p)
		tail.Advance(n)
		p = p[n:]
	}
	return total, nil
}

// ChainReader yields a chain's written bytes in order. The chain must not
// be mutated while reading.
type ChainReader struct {
	seg *Segment
	off int
}

// NewChainReader starts reading at the head of c.
func NewChainReader(c *Chain) *ChainReader {
	return &ChainReader{seg: c.Head()}
}

func (r *ChainReader) Read(p []byte) (int, error) {
	for r.seg != nil && r.off == r.seg.Len() {
		r.seg = r.seg.Next()
		r.off = 0
	}
	if r.seg == nil {
		return 0, io.EOF
	}
	n := copy(p, r.seg.Written()[r.off:])
	r.off += n
	return n, nil
}
