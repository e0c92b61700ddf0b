// File: transport/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// NetStream adapts a net.Conn (TCP, TLS-over-TCP, or a hijacked HTTP
// upgrade connection) to the engine's Stream abstraction, including the
// close-after-write hint and abortive close.

package transport

import (
	"net"
	"sync/atomic"

	"github.com/momentics/wscore/api"
)

// NetStream implements api.Stream over a net.Conn.
type NetStream struct {
	conn            net.Conn
	closeAfterWrite atomic.Bool
	closed          atomic.Bool
}

var _ api.Stream = (*NetStream)(nil)

// NewNetStream wraps conn. The stream takes ownership of the connection.
func NewNetStream(conn net.Conn) *NetStream {
	return &NetStream{conn: conn}
}

// Read fills p with up to len(p) bytes.
func (s *NetStream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Write transmits all of p. When the close-after-write hint is set, the
// stream disposes itself once the pending write completes.
func (s *NetStream) Write(p []byte) error {
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	if s.closeAfterWrite.Load() {
		return s.Close(false)
	}
	return nil
}

// CloseAfterWrite arms self-disposal at the end of the current write.
func (s *NetStream) CloseAfterWrite() {
	s.closeAfterWrite.Store(true)
}

// Close tears the stream down. abort requests a hard reset: on TCP the
// linger timeout is zeroed so close sends RST instead of FIN.
func (s *NetStream) Close(abort bool) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if abort {
		if tc, ok := s.conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
	}
	return s.conn.Close()
}
