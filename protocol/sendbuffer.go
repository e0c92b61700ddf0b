// File: protocol/sendbuffer.go
// Package protocol: outgoing message assembly.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SendBuffer accumulates one outgoing message into a pooled segment chain,
// optionally compressing through the connection's deflater, and finalizes
// it into a framed Message with the header written into the reserved
// prefix of the first segment. Zero copies after the user's bytes land in
// a segment.

package protocol

import (
	"unicode/utf8"

	"github.com/momentics/wscore/internal/codec"
	"github.com/momentics/wscore/pool"
)

// finalizeMode selects the finalize strategy chosen at construction:
// framed writes an RFC 6455 header and masks on the client side; raw hands
// the accumulated bytes over untouched for already-framed pipes.
type finalizeMode int

const (
	finalizeFramed finalizeMode = iota
	finalizeRaw
)

// SendBuffer assembles one outgoing message. Not safe for concurrent use;
// the connection's send serialization provides exclusivity, which also
// guards the shared deflater.
type SendBuffer struct {
	p        *pool.BytePool
	chain    pool.Chain
	cur      *pool.Segment
	deflater *codec.Deflater
	handle   *codec.Handle
	masks    *maskSource
	mode     finalizeMode
	started  bool
	userLen  int
}

// newSendBuffer borrows the connection codec (when compressing) via its
// refcount handle. masks is nil on the server side.
func newSendBuffer(p *pool.BytePool, mode finalizeMode, masks *maskSource, deflater *codec.Deflater, handle *codec.Handle) *SendBuffer {
	b := &SendBuffer{
		p:        p,
		deflater: deflater,
		handle:   handle,
		masks:    masks,
		mode:     mode,
	}
	if deflater != nil {
		reserve := 0
		if mode == finalizeFramed {
			reserve = pool.MaxHeaderReserve
		}
		deflater.Begin(pool.ChainWriter{Chain: &b.chain, Pool: p, Reserve: reserve})
	}
	return b
}

// NewRawSendBuffer assembles an unframed message for already-framed pipes.
func NewRawSendBuffer(p *pool.BytePool) *SendBuffer {
	return newSendBuffer(p, finalizeRaw, nil, nil, nil)
}

func (b *SendBuffer) compressing() bool { return b.deflater != nil }

// rentScratch installs a fresh scratch segment sized for hint. The first
// rent of a framed uncompressed message advances past the header reserve;
// with compression the reserve lives in the first compressed-output
// segment instead.
func (b *SendBuffer) rentScratch(hint int) {
	b.cur = pool.NewSegment(b.p.RentForHint(hint))
	if b.mode == finalizeFramed && !b.compressing() && !b.started {
		b.cur.Advance(pool.MaxHeaderReserve)
	}
	b.started = true
}

// Get returns a writable span of at least hint bytes (hint bounded by the
// pool's block sizing). The caller writes into the span and calls Advance.
func (b *SendBuffer) Get(hint int) ([]byte, error) {
	if b.cur == nil {
		b.rentScratch(hint)
		return b.cur.Available(), nil
	}
	if len(b.cur.Available()) >= hint && len(b.cur.Available()) > 0 {
		return b.cur.Available(), nil
	}

	if b.compressing() {
		// Drain the scratch through the deflater and reuse it; only rent
		// a larger block when the hint exceeds its capacity.
		if b.cur.Len() > 0 {
			if err := b.deflater.Write(b.cur.Written()); err != nil {
				return nil, err
			}
			b.cur.Rewind(b.cur.Len())
			if len(b.cur.Available()) >= hint {
				return b.cur.Available(), nil
			}
		}
		b.cur.Release(b.p)
	} else {
		b.chain.Append(b.cur)
	}
	b.rentScratch(hint)
	return b.cur.Available(), nil
}

// Advance commits n bytes written into the span returned by Get.
func (b *SendBuffer) Advance(n int) {
	b.cur.Advance(n)
	b.userLen += n
}

// WriteString streams s into the buffer, encoding rune by rune into
// max-codepoint windows.
func (b *SendBuffer) WriteString(s string) error {
	for _, r := range s {
		dst, err := b.Get(6)
		if err != nil {
			return err
		}
		b.Advance(utf8.EncodeRune(dst, r))
	}
	return nil
}

// Write copies p into the buffer span by span.
func (b *SendBuffer) Write(p []byte) error {
	for len(p) > 0 {
		dst, err := b.Get(1)
		if err != nil {
			return err
		}
		n := copy(dst, p)
		b.Advance(n)
		p = p[n:]
	}
	return nil
}

// ToMessage finalizes the accumulated bytes into a Message that owns the
// chain. The buffer must not be reused afterwards.
func (b *SendBuffer) ToMessage(t MessageType) (*Message, error) {
	compressedOut := false
	if b.compressing() && b.userLen > 0 {
		if b.cur != nil {
			if b.cur.Len() > 0 {
				if err := b.deflater.Write(b.cur.Written()); err != nil {
					b.Abandon()
					return nil, err
				}
			}
			b.cur.Release(b.p)
			b.cur = nil
		}
		if err := b.deflater.Finish(); err != nil {
			b.Abandon()
			return nil, err
		}
		compressedOut = true
	} else if b.cur != nil {
		if b.compressing() {
			// Nothing was committed; the scratch never held user bytes.
			b.cur.Release(b.p)
		} else {
			b.chain.Append(b.cur)
		}
		b.cur = nil
	}

	// An empty message still needs a segment for the header reserve.
	if b.chain.Empty() && b.mode == finalizeFramed {
		seg := pool.NewSegment(b.p.Rent(0))
		seg.Advance(pool.MaxHeaderReserve)
		b.chain.Append(seg)
	}

	msg := &Message{typ: t, pool: b.p, framed: b.mode == finalizeFramed, compressed: compressedOut}
	if b.mode == finalizeRaw {
		msg.chain = b.chain
		b.chain = pool.Chain{}
		b.releaseHandle()
		return msg, nil
	}

	payloadLen := b.chain.Len() - pool.MaxHeaderReserve
	h := Header{
		Fin:        true,
		Compressed: compressedOut,
		Opcode:     byte(t),
		PayloadLen: int64(payloadLen),
		Masked:     b.masks != nil,
	}
	if h.Masked {
		h.MaskKey = b.masks.next()
	}

	// The reserved prefix is 14 bytes; shorter headers are written flush
	// against the payload and the gap before them is skipped via offset.
	first := b.chain.Head()
	start := pool.MaxHeaderReserve - h.EncodedSize()
	h.Encode(first.Written()[start:])

	if h.Masked {
		off := MaskBytes(h.MaskKey, 0, first.Written()[pool.MaxHeaderReserve:])
		for s := first.Next(); s != nil; s = s.Next() {
			off = MaskBytes(h.MaskKey, off, s.Written())
		}
	}

	msg.chain = b.chain
	msg.offset = start
	b.chain = pool.Chain{}
	b.releaseHandle()
	return msg, nil
}

// Abandon releases everything the buffer holds. Safe after partial writes
// on any failure path; every rented segment goes back exactly once.
func (b *SendBuffer) Abandon() {
	if b.cur != nil {
		b.cur.Release(b.p)
		b.cur = nil
	}
	b.chain.Release(b.p)
	b.releaseHandle()
}

func (b *SendBuffer) releaseHandle() {
	if b.handle != nil {
		b.handle.Release()
		b.handle = nil
		b.deflater = nil
	}
}
