// File: protocol/header.go
// Package protocol implements the RFC 6455 frame header codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Headers are variable length: 2 base bytes, 2 or 8 extended big-endian
// length bytes for payloads above 125 bytes, and 4 mask bytes on
// client-to-server frames.

package protocol

import (
	"encoding/binary"
	"io"
)

// Header is one decoded frame header.
type Header struct {
	Fin        bool
	Compressed bool // RSV1, permessage-deflate
	Rsv2       bool
	Rsv3       bool
	Opcode     byte
	Masked     bool
	PayloadLen int64
	MaskKey    [4]byte
}

// EncodedSize returns the number of bytes Encode produces for h.
func (h *Header) EncodedSize() int {
	n := 2
	switch {
	case h.PayloadLen > MaxPayload16:
		n += 8
	case h.PayloadLen > MaxControlPayloadLen:
		n += 2
	}
	if h.Masked {
		n += 4
	}
	return n
}

// Encode writes h into dst, which must hold at least EncodedSize bytes.
// Returns the number of bytes written.
func (h *Header) Encode(dst []byte) int {
	var b0 byte
	if h.Fin {
		b0 |= FinBit
	}
	if h.Compressed {
		b0 |= Rsv1Bit
	}
	b0 |= h.Opcode & OpcodeBits
	dst[0] = b0

	var maskBit byte
	if h.Masked {
		maskBit = MaskBit
	}

	n := 2
	switch {
	case h.PayloadLen > MaxPayload16:
		dst[1] = maskBit | PayloadLen64
		binary.BigEndian.PutUint64(dst[2:], uint64(h.PayloadLen))
		n += 8
	case h.PayloadLen > MaxControlPayloadLen:
		dst[1] = maskBit | PayloadLen16
		binary.BigEndian.PutUint16(dst[2:], uint16(h.PayloadLen))
		n += 2
	default:
		dst[1] = maskBit | byte(h.PayloadLen)
	}

	if h.Masked {
		copy(dst[n:], h.MaskKey[:])
		n += 4
	}
	return n
}

// ReadHeader decodes one header from r. It reads the first 2 bytes,
// computes the remaining header size, and reads the remainder.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	var base [2]byte
	if _, err := io.ReadFull(r, base[:]); err != nil {
		return h, err
	}

	h.Fin = base[0]&FinBit != 0
	h.Compressed = base[0]&Rsv1Bit != 0
	h.Rsv2 = base[0]&Rsv2Bit != 0
	h.Rsv3 = base[0]&Rsv3Bit != 0
	h.Opcode = base[0] & OpcodeBits
	h.Masked = base[1]&MaskBit != 0
	h.PayloadLen = int64(base[1] & PayloadLen7)

	ext := 0
	switch h.PayloadLen {
	case PayloadLen16:
		ext = 2
	case PayloadLen64:
		ext = 8
	}

	rest := ext
	if h.Masked {
		rest += 4
	}
	if rest > 0 {
		var buf [12]byte
		if _, err := io.ReadFull(r, buf[:rest]); err != nil {
			return h, err
		}
		switch ext {
		case 2:
			h.PayloadLen = int64(binary.BigEndian.Uint16(buf[:2]))
		case 8:
			h.PayloadLen = int64(binary.BigEndian.Uint64(buf[:8]))
		}
		if h.Masked {
			copy(h.MaskKey[:], buf[ext:rest])
		}
	}
	return h, nil
}

// IsControl reports whether the opcode is a control frame.
func (h *Header) IsControl() bool {
	return h.Opcode >= OpcodeClose
}
