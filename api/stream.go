// File: api/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Defines the byte-oriented duplex stream abstraction consumed by the
// protocol engine. Upgrade adapters produce a Stream once the handshake
// succeeds; the engine never sees the TCP/TLS/hijack machinery behind it.

package api

// Stream is a full-duplex byte transport with explicit abortive close.
//
// Read fills p with up to len(p) bytes and returns the count; a return of
// (0, io.EOF) means the peer ended the stream. Write transmits all of p or
// fails. Close tears the stream down; abort requests a hard reset instead
// of an orderly shutdown.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) error

	// CloseAfterWrite marks the stream so it disposes itself once the
	// currently pending write completes. Best-effort: implementations
	// that cannot honor it ignore the hint, and callers must still close
	// explicitly.
	CloseAfterWrite()

	Close(abort bool) error
}
