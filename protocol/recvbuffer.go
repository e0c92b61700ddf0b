// File: protocol/recvbuffer.go
// Package protocol: incoming message assembly.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RecvBuffer accumulates the payload of one logical message across frames.
// Compressed input collects in its wire form and is inflated in one pass at
// finalize, with the RFC 7692 trailer re-appended; the inflater accounts
// its own output against the message size cap.

package protocol

import (
	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/internal/codec"
	"github.com/momentics/wscore/pool"
)

// RecvBuffer accumulates one incoming message.
type RecvBuffer struct {
	p          *pool.BytePool
	chain      pool.Chain
	cur        *pool.Segment
	typ        MessageType
	compressed bool
	success    bool
	length     int64
	maxSize    int64
	inflater   *codec.Inflater
	handle     *codec.Handle
}

func newRecvBuffer(p *pool.BytePool, maxSize int64, inflater *codec.Inflater, handle *codec.Handle) *RecvBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &RecvBuffer{p: p, maxSize: maxSize, inflater: inflater, handle: handle}
}

// SetType records the message kind from the first frame.
func (b *RecvBuffer) SetType(t MessageType) { b.typ = t }

// Type returns the message kind.
func (b *RecvBuffer) Type() MessageType { return b.typ }

// SetCompressed marks the message as permessage-deflate compressed.
func (b *RecvBuffer) SetCompressed() { b.compressed = true }

// Compressed reports whether the accumulating input is compressed.
func (b *RecvBuffer) Compressed() bool { return b.compressed }

// MarkSuccess records that the FIN frame completed.
func (b *RecvBuffer) MarkSuccess() { b.success = true }

// Success reports whether the message completed.
func (b *RecvBuffer) Success() bool { return b.success }

// Len returns the accumulated logical message length. Compressed input
// does not count until the inflate pass records its output size.
func (b *RecvBuffer) Len() int64 { return b.length }

// Get returns a writable span of at least hint bytes.
func (b *RecvBuffer) Get(hint int) []byte {
	if b.cur == nil {
		b.cur = pool.NewSegment(b.p.Rent(hint))
		return b.cur.Available()
	}
	if len(b.cur.Available()) >= hint && len(b.cur.Available()) > 0 {
		return b.cur.Available()
	}
	b.chain.Append(b.cur)
	b.cur = pool.NewSegment(b.p.Rent(hint))
	return b.cur.Available()
}

// Advance commits n received bytes. The logical length grows only when not
// accumulating compressed input; inflate accounts its own output.
func (b *RecvBuffer) Advance(n int) {
	b.cur.Advance(n)
	if !b.compressed {
		b.length += int64(n)
	}
}

// ToMessage finalizes the accumulated payload into a Message owning the
// chain. An incomplete buffer (no FIN seen) yields api.ErrProtocolViolation
// and releases everything.
func (b *RecvBuffer) ToMessage() (*Message, error) {
	if !b.success {
		b.Abandon()
		return nil, api.ErrProtocolViolation
	}
	if b.cur != nil {
		b.chain.Append(b.cur)
		b.cur = nil
	}

	if b.compressed {
		var inflated pool.Chain
		n, err := b.inflater.Inflate(
			pool.ChainWriter{Chain: &inflated, Pool: b.p},
			pool.NewChainReader(&b.chain),
			b.maxSize,
		)
		b.chain.Release(b.p)
		if err != nil {
			inflated.Release(b.p)
			b.Abandon()
			return nil, err
		}
		b.length = n
		b.chain = inflated
	}

	msg := &Message{typ: b.typ, pool: b.p, chain: b.chain}
	b.chain = pool.Chain{}
	b.releaseHandle()
	return msg, nil
}

// Abandon releases everything the buffer holds; every rented segment goes
// back exactly once.
func (b *RecvBuffer) Abandon() {
	if b.cur != nil {
		b.cur.Release(b.p)
		b.cur = nil
	}
	b.chain.Release(b.p)
	b.releaseHandle()
}

func (b *RecvBuffer) releaseHandle() {
	if b.handle != nil {
		b.handle.Release()
		b.handle = nil
		b.inflater = nil
	}
}
