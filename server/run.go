// File: server/run.go
// Author: momentics <momentics@gmail.com>
//
// Middleware factory and a minimal hosting runner wiring listener
// lifecycle events.

package server

import (
	"net"
	"net/http"

	"github.com/momentics/wscore/control"
	"github.com/momentics/wscore/protocol"
)

// Handler returns an http.Handler that upgrades each request and hands the
// resulting connection to process. Failed upgrades have already answered
// the request.
func Handler(process func(*protocol.WSConnection), opts Options) http.Handler {
	u := NewUpgrader(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := u.Upgrade(w, r)
		if err != nil {
			return
		}
		process(conn)
	})
}

// ListenAndServe runs an HTTP listener whose every request is a WebSocket
// upgrade. It blocks until the listener fails or is closed.
func ListenAndServe(addr string, process func(*protocol.WSConnection), opts Options) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	events := opts.Events
	if events == nil {
		events = control.DefaultEventLog()
	}
	events.ListenerStarted(ln.Addr().String())
	defer events.ListenerStopped(ln.Addr().String())

	srv := &http.Server{Handler: Handler(process, opts)}
	return srv.Serve(ln)
}
