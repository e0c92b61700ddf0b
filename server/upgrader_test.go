package server_test

import (
	"bufio"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/momentics/wscore/protocol"
	"github.com/momentics/wscore/server"
)

const sampleKey = "dGhlIHNhbXBsZSBub25jZQ=="

func TestComputeAcceptKeyVector(t *testing.T) {
	got := server.ComputeAcceptKey(sampleKey)
	if got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("accept key = %q", got)
	}
}

// echoProcess echoes every data message back until the connection ends.
func echoProcess(conn *protocol.WSConnection) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		switch msg.Type() {
		case protocol.TextMessage:
			conn.SendText(string(msg.Payload()))
		case protocol.BinaryMessage:
			conn.SendBinary(msg.Payload())
		}
		msg.Release()
	}
}

// rawUpgrade performs a handwritten handshake and returns the connection,
// the response status, and the response headers.
func rawUpgrade(t *testing.T, addr string, extra []string) (net.Conn, int, map[string]string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	var req strings.Builder
	req.WriteString("GET / HTTP/1.1\r\n")
	req.WriteString("Host: " + addr + "\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	req.WriteString("Sec-WebSocket-Key: " + sampleKey + "\r\n")
	for _, h := range extra {
		req.WriteString(h + "\r\n")
	}
	req.WriteString("\r\n")
	if _, err := conn.Write([]byte(req.String())); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		t.Fatalf("malformed status line %q", statusLine)
	}
	status := 0
	for _, c := range fields[1] {
		status = status*10 + int(c-'0')
	}

	headers := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if i := strings.IndexByte(line, ':'); i >= 0 {
			headers[strings.ToLower(strings.TrimSpace(line[:i]))] = strings.TrimSpace(line[i+1:])
		}
	}
	if status == 101 && br.Buffered() > 0 {
		t.Fatal("unexpected bytes buffered past the handshake")
	}
	return conn, status, headers
}

func TestUpgradeHandshakeAndEcho(t *testing.T) {
	ts := httptest.NewServer(server.Handler(echoProcess, server.Options{}))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	conn, status, headers := rawUpgrade(t, addr, nil)
	defer conn.Close()

	if status != 101 {
		t.Fatalf("status = %d, want 101", status)
	}
	if headers["sec-websocket-accept"] != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("accept = %q", headers["sec-websocket-accept"])
	}
	if !strings.EqualFold(headers["upgrade"], "websocket") ||
		!strings.EqualFold(headers["connection"], "Upgrade") {
		t.Fatalf("upgrade headers = %v", headers)
	}

	// Masked "Hello", echoed back unmasked.
	key := [4]byte{0xA1, 0xB2, 0xC3, 0xD4}
	frame := []byte{0x81, 0x85, key[0], key[1], key[2], key[3], 'H', 'e', 'l', 'l', 'o'}
	protocol.MaskBytes(key, 0, frame[6:])
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}

	echo := make([]byte, 7)
	if _, err := io.ReadFull(conn, echo); err != nil {
		t.Fatal(err)
	}
	if echo[0] != 0x81 || echo[1] != 0x05 {
		t.Fatalf("echo header = %x", echo[:2])
	}
	if string(echo[2:]) != "Hello" {
		t.Fatalf("echo payload = %q", echo[2:])
	}
}

func TestOriginRejected(t *testing.T) {
	ts := httptest.NewServer(server.Handler(echoProcess, server.Options{
		AllowedOrigins: []string{"https://www.websocket.org"},
	}))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	conn, status, _ := rawUpgrade(t, addr, []string{"Origin: https://evil.example"})
	conn.Close()
	if status != 403 {
		t.Fatalf("status = %d, want 403", status)
	}
}

func TestOriginAllowedCaseInsensitive(t *testing.T) {
	ts := httptest.NewServer(server.Handler(echoProcess, server.Options{
		AllowedOrigins: []string{"https://www.websocket.org"},
	}))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	conn, status, _ := rawUpgrade(t, addr, []string{"Origin: HTTPS://WWW.WEBSOCKET.ORG"})
	conn.Close()
	if status != 101 {
		t.Fatalf("status = %d, want 101", status)
	}
}

func TestExtensionNegotiation(t *testing.T) {
	ts := httptest.NewServer(server.Handler(echoProcess, server.Options{
		EnableMessageCompression: true,
	}))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	conn, status, headers := rawUpgrade(t, addr, []string{
		"Sec-WebSocket-Extensions: permessage-deflate; client_max_window_bits",
	})
	conn.Close()
	if status != 101 {
		t.Fatalf("status = %d", status)
	}
	if headers["sec-websocket-extensions"] != "permessage-deflate" {
		t.Fatalf("extensions = %q", headers["sec-websocket-extensions"])
	}
}

func TestExtensionNotEchoedWhenDisabled(t *testing.T) {
	ts := httptest.NewServer(server.Handler(echoProcess, server.Options{}))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	conn, status, headers := rawUpgrade(t, addr, []string{
		"Sec-WebSocket-Extensions: permessage-deflate",
	})
	conn.Close()
	if status != 101 {
		t.Fatalf("status = %d", status)
	}
	if _, ok := headers["sec-websocket-extensions"]; ok {
		t.Fatal("extension echoed although compression is disabled")
	}
}

func TestBadVersionRejected(t *testing.T) {
	ts := httptest.NewServer(server.Handler(echoProcess, server.Options{}))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	req := "GET / HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 8\r\nSec-WebSocket-Key: " + sampleKey + "\r\n\r\n"
	conn.Write([]byte(req))
	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(statusLine, "400") {
		t.Fatalf("status line = %q", statusLine)
	}
}

func TestBadKeyRejected(t *testing.T) {
	ts := httptest.NewServer(server.Handler(echoProcess, server.Options{}))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	req := "GET / HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Key: dG9vc2hvcnQ=\r\n\r\n"
	conn.Write([]byte(req))
	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(statusLine, "400") {
		t.Fatalf("status line = %q", statusLine)
	}
}
