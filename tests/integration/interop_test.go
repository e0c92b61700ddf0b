// File: tests/integration/interop_test.go
// Author: momentics <momentics@gmail.com>
//
// Interoperability tests against gorilla/websocket as the peer
// implementation, in both directions, with and without compression.

package integration_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/momentics/wscore/client"
	"github.com/momentics/wscore/protocol"
	"github.com/momentics/wscore/server"
)

func wsURL(ts *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(ts.URL, "http://")
}

// gorillaEchoServer echoes every message back to the sender.
func gorillaEchoServer(t *testing.T, enableCompression bool) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{
		EnableCompression: enableCompression,
		CheckOrigin:       func(*http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func ourEchoServer(opts server.Options) *httptest.Server {
	return httptest.NewServer(server.Handler(func(conn *protocol.WSConnection) {
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
	}, opts))
}

func TestOurClientAgainstGorillaServer(t *testing.T) {
	ts := gorillaEchoServer(t, false)
	defer ts.Close()

	conn, err := client.Dial(wsURL(ts), client.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Abort("test cleanup")

	for _, text := range []string{"Hello", "", strings.Repeat("payload ", 4096)} {
		if err := conn.SendText(text); err != nil {
			t.Fatal(err)
		}
		msg, err := conn.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if got := string(msg.Payload()); got != text {
			t.Fatalf("echo mismatch: got %d bytes, want %d", len(got), len(text))
		}
		msg.Release()
	}
}

func TestGorillaClientAgainstOurServer(t *testing.T) {
	ts := ourEchoServer(server.Options{})
	defer ts.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payloads := [][]byte{[]byte("Hello"), []byte(strings.Repeat("x", 70000))}
	for _, p := range payloads {
		if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
			t.Fatal(err)
		}
		mt, data, err := c.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if mt != websocket.BinaryMessage || string(data) != string(p) {
			t.Fatalf("echo mismatch for %d byte payload", len(p))
		}
	}
}

func TestGorillaClientCompressedAgainstOurServer(t *testing.T) {
	received := make(chan string, 8)
	ts := httptest.NewServer(server.Handler(func(conn *protocol.WSConnection) {
		for {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			if msg.Type() == protocol.TextMessage {
				received <- string(msg.Payload())
			}
			msg.Release()
		}
	}, server.Options{EnableMessageCompression: true}))
	defer ts.Close()

	dialer := websocket.Dialer{EnableCompression: true}
	c, resp, err := dialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if ext := resp.Header.Get("Sec-WebSocket-Extensions"); !strings.Contains(ext, "permessage-deflate") {
		t.Fatalf("extension not negotiated: %q", ext)
	}

	// Gorilla compresses without context takeover, so each message is a
	// standalone deflate stream; several in a row must all inflate.
	original := strings.Repeat("ab", 10000)
	for i := 0; i < 3; i++ {
		if err := c.WriteMessage(websocket.TextMessage, []byte(original)); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-received:
			if got != original {
				t.Fatalf("round %d: received payload differs from original", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: server did not deliver the message", i)
		}
	}
}

func TestOurClientCompressedAgainstGorillaServer(t *testing.T) {
	ts := gorillaEchoServer(t, true)
	defer ts.Close()

	conn, err := client.Dial(wsURL(ts), client.Options{EnableMessageCompression: true})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Abort("test cleanup")

	// Gorilla reads without context takeover; send a single message per
	// connection so its reader sees a standalone deflate stream.
	original := strings.Repeat("ab", 10000)
	if err := conn.SendText(original); err != nil {
		t.Fatal(err)
	}
	msg, err := conn.Receive()
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Release()
	if string(msg.Payload()) != original {
		t.Fatal("compressed echo differs from original")
	}
}

func TestGracefulCloseWithGorillaPeer(t *testing.T) {
	ts := ourEchoServer(server.Options{})
	defer ts.Close()

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	// Reading surfaces the server's reflected close with the echoed code.
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want close error", err)
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want 1000", ce.Code)
	}
}
