// File: client/dial.go
// Package client implements the client-side WebSocket handshake and
// connection establishment.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dial resolves the target host, connects over TCP (TLS for wss), emits
// the HTTP/1.1 upgrade request, validates the 101 response strictly, and
// constructs a client-side connection.

package client

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/control"
	"github.com/momentics/wscore/protocol"
	"github.com/momentics/wscore/server"
	"github.com/momentics/wscore/transport"
)

// Options configures the client-side upgrade adapter.
type Options struct {
	// EnableMessageCompression offers permessage-deflate; compression is
	// active only if the server echoes the extension.
	EnableMessageCompression bool

	// Headers are extra request headers (case-insensitive keys). A Host
	// entry overrides the request's Host header.
	Headers map[string]string

	// Host overrides the Host header directly.
	Host string

	// TLSConfig applies to wss connections; nil uses defaults with the
	// target host as ServerName.
	TLSConfig *tls.Config

	// DialTimeout bounds each address attempt; zero means 10 seconds.
	DialTimeout time.Duration

	// MaxMessageSize caps one logical message; zero means the default.
	MaxMessageSize int64

	// OnException receives non-I/O connection failures.
	OnException func(error)

	Events  *control.EventLog
	Metrics *control.Metrics
}

const defaultDialTimeout = 10 * time.Second

// Dial connects to a ws:// or wss:// endpoint and performs the upgrade
// handshake.
func Dial(urlStr string, opts Options) (*protocol.WSConnection, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	var useTLS bool
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "80"
		}
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	netConn, err := dialSequential(host, port, timeout)
	if err != nil {
		return nil, err
	}
	_ = transport.TuneTCP(netConn)

	if useTLS {
		tlsCfg := opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg = tlsCfg.Clone()
			tlsCfg.ServerName = host
		}
		tlsConn := tls.Client(netConn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		netConn = tlsConn
	}

	conn, err := handshake(netConn, u, host, port, useTLS, opts)
	if err != nil {
		netConn.Close()
		if m := opts.Metrics; m != nil {
			m.HandshakeFailures.Inc()
		} else {
			control.DefaultMetrics().HandshakeFailures.Inc()
		}
		return nil, err
	}
	return conn, nil
}

// dialSequential resolves host and tries each address in order, returning
// the first connection that succeeds or a typed no-usable-address failure.
func dialSequential(host, port string, timeout time.Duration) (net.Conn, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrNoUsableAddress, err)
	}
	var lastErr error
	for _, addr := range addrs {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, port), timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, api.ErrNoUsableAddress
	}
	return nil, fmt.Errorf("%w: %v", api.ErrNoUsableAddress, lastErr)
}

// handshake emits the upgrade request and validates the response per
// RFC 6455, with strict duplicate-header detection.
func handshake(netConn net.Conn, u *url.URL, host, port string, useTLS bool, opts Options) (*protocol.WSConnection, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	hostHeader := host
	if (useTLS && port != "443") || (!useTLS && port != "80") {
		hostHeader = net.JoinHostPort(host, port)
	}
	if opts.Host != "" {
		hostHeader = opts.Host
	}

	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	var req strings.Builder
	req.WriteString("GET " + target + " HTTP/1.1\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	req.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	if opts.EnableMessageCompression {
		req.WriteString("Sec-WebSocket-Extensions: permessage-deflate\r\n")
	}
	for k, v := range opts.Headers {
		if strings.EqualFold(k, "Host") {
			hostHeader = v
			continue
		}
		req.WriteString(k + ": " + v + "\r\n")
	}
	req.WriteString("Host: " + hostHeader + "\r\n")
	req.WriteString("\r\n")

	if _, err := netConn.Write([]byte(req.String())); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	br := bufio.NewReader(netConn)
	status, err := readStatusLine(br)
	if err != nil {
		return nil, err
	}
	headers, err := readHeaders(br)
	if err != nil {
		return nil, err
	}
	if status != 101 {
		if status >= 400 {
			return nil, &api.RefusedError{StatusCode: status}
		}
		return nil, fmt.Errorf("%w: unexpected status %d", api.ErrBadHandshake, status)
	}

	if err := requireSingle(headers, "connection", "Upgrade"); err != nil {
		return nil, err
	}
	if err := requireSingle(headers, "upgrade", "websocket"); err != nil {
		return nil, err
	}
	if err := requireSingle(headers, "sec-websocket-accept", server.ComputeAcceptKey(key)); err != nil {
		return nil, err
	}

	compress := false
	if opts.EnableMessageCompression {
		for _, v := range headers["sec-websocket-extensions"] {
			ext := v
			if i := strings.IndexByte(ext, ';'); i >= 0 {
				ext = ext[:i]
			}
			if strings.EqualFold(strings.TrimSpace(ext), "permessage-deflate") {
				compress = true
			}
		}
	}

	// Frame bytes the server sent right behind the response stay in the
	// bufio reader; keep draining it first.
	if br.Buffered() > 0 {
		netConn = &bufferedConn{Conn: netConn, r: br}
	}

	return protocol.NewWSConnection(transport.NewNetStream(netConn), protocol.Config{
		Server:            false,
		PerMessageDeflate: compress,
		MaxMessageSize:    opts.MaxMessageSize,
		PeerAddr:          netConn.RemoteAddr().String(),
		OnException:       opts.OnException,
		Events:            opts.Events,
		Metrics:           opts.Metrics,
	}), nil
}

// generateKey produces the random 16-byte Sec-WebSocket-Key.
func generateKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// readStatusLine parses the HTTP/1.1 status line.
func readStatusLine(br *bufio.Reader) (int, error) {
	line, err := readLine(br)
	if err != nil {
		return 0, fmt.Errorf("read status line: %w", err)
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.1") {
		return 0, fmt.Errorf("%w: malformed status line %q", api.ErrBadHandshake, line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: malformed status code %q", api.ErrBadHandshake, fields[1])
	}
	return code, nil
}

// readHeaders reads CRLF-delimited header lines until the blank line,
// splitting liberally on the first colon and trimming whitespace.
func readHeaders(br *bufio.Reader) (map[string][]string, error) {
	headers := make(map[string][]string)
	total := 0
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		if line == "" {
			return headers, nil
		}
		total += len(line)
		if total > server.MaxHandshakeHeadersSize {
			return nil, fmt.Errorf("%w: response headers too large", api.ErrBadHandshake)
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(line[:i]))
		v := strings.TrimSpace(line[i+1:])
		headers[k] = append(headers[k], v)
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// requireSingle enforces presence, exact case-insensitive value, and the
// absence of duplicate occurrences.
func requireSingle(headers map[string][]string, key, want string) error {
	vs := headers[key]
	if len(vs) == 0 {
		return fmt.Errorf("%w: missing %s header", api.ErrBadHandshake, key)
	}
	if len(vs) > 1 {
		return fmt.Errorf("%w: duplicate %s header", api.ErrBadHandshake, key)
	}
	if !strings.EqualFold(vs[0], want) {
		return fmt.Errorf("%w: unexpected %s value %q", api.ErrBadHandshake, key, vs[0])
	}
	return nil
}

// bufferedConn drains bytes buffered past the handshake response before
// reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
