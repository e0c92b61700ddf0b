// File: server/upgrader.go
// Package server implements the HTTP to WebSocket upgrade adapter with
// strict validation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Upgrade validates the handshake request headers per RFC 6455, enforces
// the origin allow-list, negotiates permessage-deflate, computes the
// Sec-WebSocket-Accept key, hijacks the underlying stream, and constructs
// a server-side connection.

package server

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/control"
	"github.com/momentics/wscore/protocol"
	"github.com/momentics/wscore/transport"
)

// WebSocketGUID is the fixed GUID, per RFC 6455, used in handshake
// computations.
const WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxHandshakeHeadersSize defines the maximum combined length of
// handshake headers.
const MaxHandshakeHeadersSize = 8192

// RequiredWebSocketVersion is the only supported protocol version.
const RequiredWebSocketVersion = "13"

var (
	ErrInvalidUpgradeHeaders = errors.New("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = errors.New("missing or malformed Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = errors.New("unsupported WebSocket version; only '13' is supported")
	ErrOriginNotAllowed      = errors.New("request origin is not in the allow-list")
)

// ErrNotHijackable is a hosting misconfiguration, not a peer failure.
var ErrNotHijackable = api.NewError(api.ErrCodeInternal,
	"response writer does not support hijacking")

// Options configures the server-side upgrade adapter.
type Options struct {
	// EnableMessageCompression negotiates permessage-deflate when the
	// client offers it.
	EnableMessageCompression bool

	// AllowedOrigins is a case-insensitive exact-match allow-list for the
	// Origin header. Empty means allow all.
	AllowedOrigins []string

	// EchoSubprotocol echoes the client's first offered subprotocol.
	EchoSubprotocol bool

	// MaxMessageSize caps one logical message; zero means the default.
	MaxMessageSize int64

	// OnException receives non-I/O connection failures.
	OnException func(error)

	Events  *control.EventLog
	Metrics *control.Metrics
}

// Upgrader performs the server side of the WebSocket handshake.
type Upgrader struct {
	opts Options
}

// NewUpgrader creates an upgrader with the given options.
func NewUpgrader(opts Options) *Upgrader {
	return &Upgrader{opts: opts}
}

// Upgrade validates the request, completes the 101 handshake, hijacks the
// stream, and returns the server-side connection. When validation fails
// the error response has already been written; a failed hijack or a failed
// 101 write returns without writing one.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*protocol.WSConnection, error) {
	metrics := u.opts.Metrics
	if metrics == nil {
		metrics = control.DefaultMetrics()
	}

	conn, err := u.upgrade(w, r)
	if err != nil {
		metrics.HandshakeFailures.Inc()
	}
	return conn, err
}

func (u *Upgrader) upgrade(w http.ResponseWriter, r *http.Request) (*protocol.WSConnection, error) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, ErrInvalidUpgradeHeaders
	}

	// Enforce maximum header size to mitigate header injection attacks.
	total := 0
	for k, vs := range r.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
		if total > MaxHandshakeHeadersSize {
			http.Error(w, "handshake headers too large", http.StatusBadRequest)
			return nil, ErrInvalidUpgradeHeaders
		}
	}

	if !headerContainsToken(r.Header, "Connection", "Upgrade") ||
		!headerContainsToken(r.Header, "Upgrade", "websocket") {
		http.Error(w, "invalid upgrade headers", http.StatusBadRequest)
		return nil, ErrInvalidUpgradeHeaders
	}

	if r.Header.Get("Sec-WebSocket-Version") != RequiredWebSocketVersion {
		http.Error(w, "unsupported websocket version", http.StatusBadRequest)
		return nil, ErrBadWebSocketVersion
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if decoded, err := base64.StdEncoding.DecodeString(key); err != nil || len(decoded) != 16 {
		http.Error(w, "invalid Sec-WebSocket-Key", http.StatusBadRequest)
		return nil, ErrMissingWebSocketKey
	}

	if len(u.opts.AllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if !originAllowed(origin, u.opts.AllowedOrigins) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return nil, ErrOriginNotAllowed
		}
	}

	compress := u.opts.EnableMessageCompression &&
		extensionOffered(r.Header, "permessage-deflate")

	subprotocol := ""
	if u.opts.EchoSubprotocol {
		subprotocol = firstSubprotocol(r.Header)
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return nil, ErrNotHijackable
	}
	netConn, bufrw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack: %w", err)
	}

	if err := writeHandshakeResponse(bufrw.Writer, ComputeAcceptKey(key), compress, subprotocol); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("handshake response: %w", err)
	}
	_ = transport.TuneTCP(netConn)

	// Bytes the client pipelined behind the request must reach the engine.
	if bufrw.Reader.Buffered() > 0 {
		netConn = &bufferedConn{Conn: netConn, r: bufrw.Reader}
	}

	return protocol.NewWSConnection(transport.NewNetStream(netConn), protocol.Config{
		Server:            true,
		PerMessageDeflate: compress,
		MaxMessageSize:    u.opts.MaxMessageSize,
		PeerAddr:          netConn.RemoteAddr().String(),
		OnException:       u.opts.OnException,
		Events:            u.opts.Events,
		Metrics:           u.opts.Metrics,
	}), nil
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the
// client's key, per RFC 6455 Section 1.3.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

func writeHandshakeResponse(w *bufio.Writer, accept string, compress bool, subprotocol string) error {
	w.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	w.WriteString("Upgrade: websocket\r\n")
	w.WriteString("Connection: Upgrade\r\n")
	w.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n")
	if compress {
		w.WriteString("Sec-WebSocket-Extensions: permessage-deflate\r\n")
	}
	if subprotocol != "" {
		w.WriteString("Sec-WebSocket-Protocol: " + subprotocol + "\r\n")
	}
	w.WriteString("\r\n")
	return w.Flush()
}

// headerContainsToken checks if headerName contains the given token,
// case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	token = strings.ToLower(token)
	for _, v := range h[http.CanonicalHeaderKey(headerName)] {
		for _, p := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}

// extensionOffered reports whether the named extension appears among the
// Sec-WebSocket-Extensions offers, ignoring per-offer parameters.
func extensionOffered(h http.Header, name string) bool {
	for _, v := range h["Sec-Websocket-Extensions"] {
		for _, offer := range strings.Split(v, ",") {
			ext := offer
			if i := strings.IndexByte(ext, ';'); i >= 0 {
				ext = ext[:i]
			}
			if strings.EqualFold(strings.TrimSpace(ext), name) {
				return true
			}
		}
	}
	return false
}

func firstSubprotocol(h http.Header) string {
	for _, v := range h["Sec-Websocket-Protocol"] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				return p
			}
		}
	}
	return ""
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(origin, a) {
			return true
		}
	}
	return false
}

// bufferedConn drains bytes the HTTP server buffered past the request
// before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
