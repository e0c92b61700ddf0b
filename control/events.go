// File: control/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Structured event surface for socket lifecycle, frame traffic, and errors.
// Events flow through a go-kit logger; the default sink discards them.

package control

import (
	"sync/atomic"

	"github.com/go-kit/log"
)

// EventLog emits the library's structured events. Safe for concurrent use;
// the zero value is unusable, construct with NewEventLog.
type EventLog struct {
	logger atomic.Pointer[log.Logger]
}

// NewEventLog wraps a go-kit logger. A nil logger discards all events.
func NewEventLog(l log.Logger) *EventLog {
	e := &EventLog{}
	if l == nil {
		l = log.NewNopLogger()
	}
	e.logger.Store(&l)
	return e
}

var defaultLog = NewEventLog(nil)

// DefaultEventLog returns the process-wide event log.
func DefaultEventLog() *EventLog { return defaultLog }

// SetLogger replaces the sink; nil restores the discarding default.
func (e *EventLog) SetLogger(l log.Logger) {
	if l == nil {
		l = log.NewNopLogger()
	}
	e.logger.Store(&l)
}

func (e *EventLog) log(keyvals ...any) {
	(*e.logger.Load()).Log(keyvals...)
}

// ListenerStarted records a server listener coming up.
func (e *EventLog) ListenerStarted(addr string) {
	e.log("event", "listener_started", "addr", addr)
}

// ListenerStopped records a server listener going away.
func (e *EventLog) ListenerStopped(addr string) {
	e.log("event", "listener_stopped", "addr", addr)
}

// SocketCreated records a new connection with its negotiated flags.
func (e *EventLog) SocketCreated(id string, server, compressed bool, peer string) {
	e.log("event", "socket_created", "id", id, "server", server, "permessage_deflate", compressed, "peer", peer)
}

// StateChange records a connection state transition.
func (e *EventLog) StateChange(id, from, to string) {
	e.log("event", "state_change", "id", id, "from", from, "to", to)
}

// FrameSent records an outgoing frame.
func (e *EventLog) FrameSent(id string, opcode byte, n int, compressed, fin bool) {
	e.log("event", "frame_sent", "id", id, "opcode", opcode, "len", n, "compressed", compressed, "fin", fin)
}

// FrameReceived records an incoming frame header.
func (e *EventLog) FrameReceived(id string, opcode byte, n int64, compressed, fin bool) {
	e.log("event", "frame_received", "id", id, "opcode", opcode, "len", n, "compressed", compressed, "fin", fin)
}

// Error records a connection-scoped failure.
func (e *EventLog) Error(id string, err error) {
	e.log("event", "error", "id", id, "err", err)
}
