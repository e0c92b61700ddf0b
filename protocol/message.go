// File: protocol/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"encoding/binary"

	"github.com/momentics/wscore/pool"
)

// Message is one finalized logical payload owning its segment chain.
// Outgoing messages are framed: the first segment's prefix holds the frame
// header starting at offset. Incoming messages hold payload bytes only.
// A message is consumed by exactly one send or one delivery, then released.
type Message struct {
	typ        MessageType
	chain      pool.Chain
	offset     int
	framed     bool
	compressed bool
	pool       *pool.BytePool
}

// Compressed reports whether the payload was deflated on the wire.
func (m *Message) Compressed() bool { return m.compressed }

// Type returns the message kind.
func (m *Message) Type() MessageType { return m.typ }

// Payload returns the message payload as one contiguous read-only span.
// For framed outgoing messages the header prefix is excluded. The span
// aliases pooled memory and is invalid after Release.
func (m *Message) Payload() []byte {
	if !m.framed {
		return m.chain.Flatten()
	}
	flat := m.chain.Flatten()
	return flat[pool.MaxHeaderReserve:]
}

// Len returns the payload length in bytes.
func (m *Message) Len() int {
	n := m.chain.Len()
	if m.framed {
		n -= pool.MaxHeaderReserve
	}
	return n
}

// CloseDetails parses a Close message payload into status and description.
// An empty payload maps to CloseEmpty per RFC 6455.
func (m *Message) CloseDetails() (CloseStatus, string) {
	p := m.Payload()
	if len(p) < 2 {
		return CloseEmpty, ""
	}
	return CloseStatus(binary.BigEndian.Uint16(p[:2])), string(p[2:])
}

// Release returns the chain's blocks to the pool. Idempotent: a second
// call finds an empty chain.
func (m *Message) Release() {
	if m.pool != nil {
		m.chain.Release(m.pool)
	}
}

// wireSpans invokes fn for each on-wire span of a framed message, in
// order: header plus payload of the first segment, then the remaining
// segments' payloads.
func (m *Message) wireSpans(fn func(p []byte) error) error {
	s := m.chain.Head()
	if s == nil {
		return nil
	}
	if err := fn(s.Written()[m.offset:]); err != nil {
		return err
	}
	for s = s.Next(); s != nil; s = s.Next() {
		if err := fn(s.Written()); err != nil {
			return err
		}
	}
	return nil
}

// WireLen returns the total number of bytes wireSpans will emit.
func (m *Message) WireLen() int {
	return m.chain.Len() - m.offset
}
