// File: internal/codec/flate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Streaming DEFLATE adapter for the permessage-deflate extension (RFC 7692)
// in context-takeover mode: one deflate stream and one inflate window per
// connection direction, reused across messages for the connection lifetime.

package codec

import (
	"compress/flate"
	"fmt"
	"io"
	"strings"

	"github.com/momentics/wscore/api"
)

// deflateMessageTail is the SyncFlush empty stored block every compressed
// message ends with on the wire boundary. The sender strips it; the
// receiver appends it back before inflating.
const deflateMessageTail = "\x00\x00\xff\xff"

// deflateFinalBlock terminates the appended stream so the flate reader
// returns a clean EOF instead of waiting for more input.
const deflateFinalBlock = "\x01\x00\x00\xff\xff"

// slidingWindowSize is the DEFLATE back-reference window kept across
// messages for context takeover.
const slidingWindowSize = 32 << 10

// compressionLevel follows the corpus default for interactive traffic.
const compressionLevel = flate.BestSpeed

// Deflater compresses outgoing message payloads. The underlying flate
// stream is never reset, so its sliding window carries over from message
// to message (context takeover).
type Deflater struct {
	fw   *flate.Writer
	trim trimTailWriter
}

// NewDeflater creates the connection's deflate stream.
func NewDeflater() *Deflater {
	d := &Deflater{}
	fw, err := flate.NewWriter(&d.trim, compressionLevel)
	if err != nil {
		// Only reachable with an invalid level constant.
		panic(err)
	}
	d.fw = fw
	return d
}

// Begin directs the current message's compressed output into dst and arms
// the tail strip for this message.
func (d *Deflater) Begin(dst io.Writer) {
	d.trim.reset(dst)
}

// Write compresses p into the destination set by Begin.
func (d *Deflater) Write(p []byte) error {
	if _, err := d.fw.Write(p); err != nil {
		return &api.IOError{Err: fmt.Errorf("deflate: %w", err)}
	}
	return nil
}

// Finish flushes the deflate stream, emitting the SyncFlush trailer, and
// drops the trailing 0x00 0x00 0xFF 0xFF held back by the trim writer.
func (d *Deflater) Finish() error {
	if err := d.fw.Flush(); err != nil {
		return &api.IOError{Err: fmt.Errorf("deflate flush: %w", err)}
	}
	d.trim.drop()
	return nil
}

// Inflater decompresses incoming message payloads, preserving a sliding
// window of prior output across messages (context takeover). The flate
// reader is created once and re-armed per message with the window as its
// preset dictionary.
type Inflater struct {
	fr     io.ReadCloser
	window []byte
}

// NewInflater creates the connection's inflate state.
func NewInflater() *Inflater {
	return &Inflater{
		fr:     flate.NewReader(strings.NewReader("")),
		window: make([]byte, 0, slidingWindowSize),
	}
}

// Inflate decompresses one message whose wire trailer was already stripped
// by the sender. The RFC 7692 tail and a terminating empty block are
// appended so the stream ends cleanly. Output is written to dst; limit > 0
// caps the inflated size and fails with api.ErrMessageTooBig beyond it.
// Returns the number of inflated bytes.
func (inf *Inflater) Inflate(dst io.Writer, compressed io.Reader, limit int64) (int64, error) {
	src := io.MultiReader(
		compressed,
		strings.NewReader(deflateMessageTail),
		strings.NewReader(deflateFinalBlock),
	)
	if err := inf.fr.(flate.Resetter).Reset(src, inf.window); err != nil {
		return 0, &api.IOError{Err: fmt.Errorf("inflate reset: %w", err)}
	}

	w := &windowWriter{inf: inf, dst: dst, limit: limit}
	if _, err := io.Copy(w, inf.fr); err != nil {
		if err == api.ErrMessageTooBig {
			return w.n, err
		}
		return w.n, &api.IOError{Err: fmt.Errorf("inflate: %w", err)}
	}
	return w.n, nil
}

// Close releases the underlying flate reader. Called by the codec handle's
// cleanup on the last reference drop.
func (inf *Inflater) Close() {
	inf.fr.Close()
	inf.window = nil
}

// windowWriter forwards inflated bytes to the destination while feeding the
// sliding window and enforcing the message size cap.
type windowWriter struct {
	inf   *Inflater
	dst   io.Writer
	n     int64
	limit int64
}

func (w *windowWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	if w.limit > 0 && w.n > w.limit {
		return 0, api.ErrMessageTooBig
	}
	if _, err := w.dst.Write(p); err != nil {
		return 0, err
	}
	w.inf.record(p)
	return len(p), nil
}

// record appends p to the sliding window, keeping only the most recent
// slidingWindowSize bytes.
func (inf *Inflater) record(p []byte) {
	if len(p) >= slidingWindowSize {
		inf.window = append(inf.window[:0], p[len(p)-slidingWindowSize:]...)
		return
	}
	if over := len(inf.window) + len(p) - slidingWindowSize; over > 0 {
		inf.window = append(inf.window[:0], inf.window[over:]...)
	}
	inf.window = append(inf.window, p...)
}

// trimTailWriter holds back the 4 most recent bytes so the SyncFlush
// trailer never reaches the wire. drop discards the held bytes at message
// end; reset re-arms the writer for the next message.
type trimTailWriter struct {
	w    io.Writer
	tail [4]byte
	n    int
}

func (tw *trimTailWriter) reset(w io.Writer) {
	tw.w = w
	tw.n = 0
}

func (tw *trimTailWriter) drop() {
	tw.n = 0
}

func (tw *trimTailWriter) Write(p []byte) (int, error) {
	total := len(p)

	extra := tw.n + len(p) - len(tw.tail)
	if extra <= 0 {
		copy(tw.tail[tw.n:], p)
		tw.n += len(p)
		return total, nil
	}

	// Flush the oldest held bytes first to preserve stream order.
	if tw.n > 0 {
		flush := extra
		if flush > tw.n {
			flush = tw.n
		}
		if _, err := tw.w.Write(tw.tail[:flush]); err != nil {
			return 0, err
		}
		copy(tw.tail[:], tw.tail[flush:tw.n])
		tw.n -= flush
	}

	if len(p) > len(tw.tail) {
		if _, err := tw.w.Write(p[:len(p)-len(tw.tail)]); err != nil {
			return 0, err
		}
		p = p[len(p)-len(tw.tail):]
	}

	copy(tw.tail[tw.n:], p)
	tw.n += len(p)
	return total, nil
}
