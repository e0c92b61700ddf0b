package codec_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/momentics/wscore/internal/codec"
)

// deflateMessage runs one message through the deflater and returns the
// wire bytes (trailer already stripped).
func deflateMessage(t *testing.T, d *codec.Deflater, payload []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	d.Begin(&out)
	if err := d.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := d.Finish(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	d := codec.NewDeflater()
	inf := codec.NewInflater()

	payload := []byte(strings.Repeat("ab", 10000))
	wire := deflateMessage(t, d, payload)
	if len(wire) >= len(payload) {
		t.Fatalf("compressed size %d not smaller than %d", len(wire), len(payload))
	}

	var out bytes.Buffer
	n, err := inf.Inflate(&out, bytes.NewReader(wire), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(payload)) || !bytes.Equal(out.Bytes(), payload) {
		t.Fatal("inflated payload differs from original")
	}
}

func TestContextTakeoverAcrossMessages(t *testing.T) {
	d := codec.NewDeflater()
	inf := codec.NewInflater()

	msgs := [][]byte{
		[]byte(strings.Repeat("the quick brown fox ", 50)),
		[]byte(strings.Repeat("the quick brown fox ", 50)),
		[]byte("the quick brown fox jumps over the lazy dog"),
	}
	var sizes []int
	for _, m := range msgs {
		wire := deflateMessage(t, d, m)
		sizes = append(sizes, len(wire))

		var out bytes.Buffer
		if _, err := inf.Inflate(&out, bytes.NewReader(wire), 0); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out.Bytes(), m) {
			t.Fatal("takeover round trip corrupted the payload")
		}
	}
	// The second identical message should compress to back-references
	// into the first one's window.
	if sizes[1] >= sizes[0] {
		t.Errorf("context takeover gave no gain: %d then %d", sizes[0], sizes[1])
	}
}

func TestInflateSizeLimit(t *testing.T) {
	d := codec.NewDeflater()
	inf := codec.NewInflater()

	wire := deflateMessage(t, d, bytes.Repeat([]byte("z"), 4096))
	var out bytes.Buffer
	if _, err := inf.Inflate(&out, bytes.NewReader(wire), 100); err == nil {
		t.Fatal("expected the size cap to fail the inflate")
	}
}

func TestEmptyMessageTail(t *testing.T) {
	d := codec.NewDeflater()
	inf := codec.NewInflater()

	wire := deflateMessage(t, d, nil)
	// SyncFlush on an empty stream still emits output; the 4-byte strip
	// must leave at least the stored-block header byte.
	if len(wire) == 0 {
		t.Fatal("expected residual bytes after the tail strip")
	}
	var out bytes.Buffer
	n, err := inf.Inflate(&out, bytes.NewReader(wire), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("empty message inflated to %d bytes", n)
	}
}

func TestHandleReleaseRunsCleanupOnce(t *testing.T) {
	runs := 0
	h := codec.NewHandle(func() { runs++ })
	h.Acquire()
	h.Release()
	if runs != 0 {
		t.Fatal("cleanup ran with references outstanding")
	}
	h.Release()
	if runs != 1 {
		t.Fatalf("cleanup ran %d times", runs)
	}
}

func TestHandleUnderflowPanics(t *testing.T) {
	h := codec.NewHandle(nil)
	h.Release()
	defer func() {
		if recover() == nil {
			t.Error("refcount underflow must panic")
		}
	}()
	h.Release()
}

func TestHandleAcquireAfterReleasePanics(t *testing.T) {
	h := codec.NewHandle(nil)
	h.Release()
	defer func() {
		if recover() == nil {
			t.Error("acquire after release must panic")
		}
	}()
	h.Acquire()
}
