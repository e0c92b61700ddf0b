// File: protocol/mask.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Payload masking for client-to-server frames. Masking is a 32-bit XOR
// keyed per frame; the key index runs across all reads of one frame, so
// payloads can be unmasked span by span.

package protocol

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
)

// MaskBytes XORs p in place with key, starting at the running payload
// offset, and returns the offset advanced by len(p).
func MaskBytes(key [4]byte, offset int, p []byte) int {
	for i := range p {
		p[i] ^= key[(offset+i)&3]
	}
	return offset + len(p)
}

// maskSource generates frame mask keys. Each connection owns one, seeded
// from a cryptographic source at construction, so mask generation needs no
// process-global lock; the connection-local mutex covers control frames
// built outside the send chain. Mask quality is not cryptographic.
type maskSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newMaskSource() *maskSource {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("protocol: mask seed unavailable: " + err.Error())
	}
	return &maskSource{
		rng: rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:8])))),
	}
}

func (m *maskSource) next() [4]byte {
	m.mu.Lock()
	v := m.rng.Uint32()
	m.mu.Unlock()
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], v)
	return key
}
