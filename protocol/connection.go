// File: protocol/connection.go
// Package protocol implements the core WebSocket connection engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WSConnection drives one connection's lifecycle: the receive state
// machine, control-frame handling, the RFC 6455 close handshake, send
// serialization, and abortive teardown. All state transitions move forward
// only and are guarded by a single connection mutex.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/control"
	"github.com/momentics/wscore/internal/codec"
	"github.com/momentics/wscore/internal/session"
	"github.com/momentics/wscore/pool"
)

// ConnState is a connection lifecycle state. Transitions are monotonic.
type ConnState int32

const (
	StateNone ConnState = iota
	StateOpen
	StateClosing
	StateClosed
	StateAborted
)

func (s ConnState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	}
	return "invalid"
}

// Config carries the negotiated handshake result and collaborators into a
// connection. Flags are immutable after construction.
type Config struct {
	// Server selects the frame direction rules: servers require masked
	// input and send unmasked; clients the reverse.
	Server bool

	// PerMessageDeflate enables the negotiated compression extension.
	PerMessageDeflate bool

	// MaxMessageSize caps one logical message; zero means the default.
	MaxMessageSize int64

	// PeerAddr is recorded in the socket-created event.
	PeerAddr string

	// OnException receives non-I/O failures before the connection aborts.
	OnException func(error)

	Pool    *pool.BytePool
	Events  *control.EventLog
	Metrics *control.Metrics
}

// WSConnection encapsulates one full-duplex WebSocket session over a
// byte-oriented stream.
type WSConnection struct {
	id      string
	stream  api.Stream
	server  bool
	deflate bool
	maxSize int64

	p           *pool.BytePool
	events      *control.EventLog
	metrics     *control.Metrics
	onException func(error)
	masks       *maskSource
	pongFrame   []byte

	mu          sync.Mutex
	state       ConnState
	closeSent   bool
	closeRecv   bool
	closeStatus CloseStatus
	closeDesc   string
	peerStatus  CloseStatus
	peerDesc    string
	abortReason string
	sendTail    chan struct{}
	deflater    *codec.Deflater
	inflater    *codec.Inflater
	codecHandle *codec.Handle

	// recvTok is the receive ownership token: one receive (user call or
	// close drain) may hold the stream's read side at a time.
	recvTok chan struct{}

	done chan struct{}
}

// NewWSConnection constructs a connection in the Open state. The stream
// must already have completed the upgrade handshake.
func NewWSConnection(stream api.Stream, cfg Config) *WSConnection {
	c := &WSConnection{
		id:          session.NextCorrelationID(),
		stream:      stream,
		server:      cfg.Server,
		deflate:     cfg.PerMessageDeflate,
		maxSize:     cfg.MaxMessageSize,
		p:           cfg.Pool,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		onException: cfg.OnException,
		state:       StateOpen,
		recvTok:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if c.maxSize <= 0 {
		c.maxSize = DefaultMaxMessageSize
	}
	if c.p == nil {
		c.p = pool.Default()
	}
	if c.events == nil {
		c.events = control.DefaultEventLog()
	}
	if c.metrics == nil {
		c.metrics = control.DefaultMetrics()
	}
	if !c.server {
		c.masks = newMaskSource()
	}
	c.pongFrame = c.buildControlFrame(OpcodePong, nil)
	c.recvTok <- struct{}{}

	c.events.SocketCreated(c.id, c.server, c.deflate, cfg.PeerAddr)
	c.metrics.ConnectionsOpened.Inc()
	return c
}

// ID returns the connection's correlation id.
func (c *WSConnection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *WSConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed after the connection reaches Closed or
// Aborted. Closure is scheduled off the state-changing call stack.
func (c *WSConnection) Done() <-chan struct{} { return c.done }

// PeerClose reports the close status received from the peer, if any.
func (c *WSConnection) PeerClose() (CloseStatus, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerStatus, c.peerDesc, c.closeRecv
}

// AbortReason returns the recorded reason after an abortive termination.
func (c *WSConnection) AbortReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortReason
}

// changeStateLocked applies a forward transition. Entering a terminal
// state closes the stream (abortively for Aborted), drops the codec
// reference, and completes Done from a spawned goroutine so awaiter
// continuations never run on the state-change stack.
func (c *WSConnection) changeStateLocked(to ConnState) {
	if c.state >= StateClosed || to <= c.state {
		return
	}
	from := c.state
	c.state = to
	c.events.StateChange(c.id, from.String(), to.String())

	if to < StateClosed {
		return
	}
	c.stream.Close(to == StateAborted)
	if c.codecHandle != nil {
		c.codecHandle.Release()
		c.codecHandle = nil
		c.deflater = nil
		c.inflater = nil
	}
	if to == StateClosed {
		c.metrics.ConnectionsClosed.Inc()
	} else {
		c.metrics.ConnectionsAborted.Inc()
	}
	done := c.done
	go close(done)
}

// Abort terminates the connection without a close handshake.
func (c *WSConnection) Abort(reason string) {
	c.mu.Lock()
	if c.state < StateClosed {
		c.abortReason = reason
	}
	c.changeStateLocked(StateAborted)
	c.mu.Unlock()
}

// borrowCodecs lazily builds the connection's deflate/inflate pair and
// hands out a refcounted share. Returns nils when compression was not
// negotiated.
func (c *WSConnection) borrowCodecs() (*codec.Deflater, *codec.Inflater, *codec.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosed {
		return nil, nil, nil, api.ErrConnectionClosed
	}
	if !c.deflate {
		return nil, nil, nil, nil
	}
	if c.codecHandle == nil {
		c.deflater = codec.NewDeflater()
		c.inflater = codec.NewInflater()
		inf := c.inflater
		c.codecHandle = codec.NewHandle(func() { inf.Close() })
	}
	return c.deflater, c.inflater, c.codecHandle.Acquire(), nil
}

// acquireSendSlot chains this send after all previously queued sends.
// The returned release completes the slot; it must always be called.
func (c *WSConnection) acquireSendSlot(allowClosing bool) (func(), error) {
	c.mu.Lock()
	if c.state >= StateClosed {
		c.mu.Unlock()
		return nil, api.ErrConnectionClosed
	}
	if !allowClosing && c.state != StateOpen {
		c.mu.Unlock()
		return nil, api.ErrWriteAfterClose
	}
	prev := c.sendTail
	slot := make(chan struct{})
	c.sendTail = slot
	c.mu.Unlock()

	if prev != nil {
		<-prev
	}
	return func() { close(slot) }, nil
}

// SendText sends one text message as a single FIN frame.
func (c *WSConnection) SendText(s string) error {
	return c.send(TextMessage, nil, s)
}

// SendBinary sends one binary message as a single FIN frame.
func (c *WSConnection) SendBinary(p []byte) error {
	return c.send(BinaryMessage, p, "")
}

// send serializes the whole build-and-write under the connection's send
// chain so message bytes never interleave and the shared deflater is held
// by one sender at a time.
func (c *WSConnection) send(t MessageType, payload []byte, str string) error {
	release, err := c.acquireSendSlot(false)
	if err != nil {
		return err
	}
	defer release()

	deflater, _, handle, err := c.borrowCodecs()
	if err != nil {
		return err
	}
	sb := newSendBuffer(c.p, finalizeFramed, c.masks, deflater, handle)
	if payload != nil {
		err = sb.Write(payload)
	} else {
		err = sb.WriteString(str)
	}
	if err != nil {
		sb.Abandon()
		c.sendFailure(err)
		return nil
	}
	msg, err := sb.ToMessage(t)
	if err != nil {
		c.sendFailure(err)
		return nil
	}
	if err := c.writeMessage(msg); err != nil {
		c.sendFailure(err)
	}
	return nil
}

// writeMessage emits a finalized message's wire spans. The caller holds
// the send slot. The message is consumed.
func (c *WSConnection) writeMessage(msg *Message) error {
	defer msg.Release()
	n := msg.Len()
	err := msg.wireSpans(func(p []byte) error { return c.stream.Write(p) })
	if err != nil {
		return err
	}
	c.events.FrameSent(c.id, byte(msg.typ), n, msg.compressed, true)
	c.metrics.FramesSent.Inc()
	c.metrics.BytesSent.Add(float64(n))
	return nil
}

// sendFailure logs, notifies the user callback for non-I/O failures, and
// aborts. Send errors never surface to the caller.
func (c *WSConnection) sendFailure(err error) {
	c.events.Error(c.id, err)
	if !api.IsIOError(err) && c.onException != nil {
		c.onException(err)
	}
	c.Abort("send failed: " + err.Error())
}

// buildControlFrame frames a control payload, masking on the client side.
func (c *WSConnection) buildControlFrame(opcode byte, payload []byte) []byte {
	h := Header{
		Fin:        true,
		Opcode:     opcode,
		PayloadLen: int64(len(payload)),
		Masked:     c.masks != nil,
	}
	if h.Masked {
		h.MaskKey = c.masks.next()
	}
	buf := make([]byte, h.EncodedSize()+len(payload))
	n := h.Encode(buf)
	copy(buf[n:], payload)
	if h.Masked {
		MaskBytes(h.MaskKey, 0, buf[n:])
	}
	return buf
}

// sendRaw writes a preframed control frame through the send chain.
// closeAfter hints the stream to dispose itself once the write completes.
func (c *WSConnection) sendRaw(opcode byte, frame []byte, closeAfter bool) error {
	release, err := c.acquireSendSlot(true)
	if err != nil {
		return err
	}
	defer release()

	if closeAfter {
		c.stream.CloseAfterWrite()
	}
	if err := c.stream.Write(frame); err != nil {
		c.sendFailure(err)
		return err
	}
	c.events.FrameSent(c.id, opcode, len(frame), false, true)
	c.metrics.FramesSent.Inc()
	return nil
}

// Close performs the graceful close handshake: transition to Closing, send
// one close frame serialized after queued sends, then drain until the
// peer's close arrives. No-op unless the connection is Open.
func (c *WSConnection) Close(status CloseStatus, desc string) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.changeStateLocked(StateClosing)
	c.closeSent = true
	c.closeStatus = status
	c.closeDesc = desc
	peerClosed := c.closeRecv
	c.mu.Unlock()

	payload := make([]byte, 2+len(desc))
	binary.BigEndian.PutUint16(payload, uint16(status))
	copy(payload[2:], desc)
	if err := c.sendRaw(OpcodeClose, c.buildControlFrame(OpcodeClose, payload), false); err != nil {
		return nil
	}

	if peerClosed {
		c.mu.Lock()
		c.changeStateLocked(StateClosed)
		c.mu.Unlock()
		return nil
	}
	go c.drainUntilClose()
	return nil
}

// drainUntilClose consumes frames after our close frame went out, until
// the peer's Close arrives. A data frame in this window aborts. The drain
// waits for any in-flight receive, which may complete the handshake first.
func (c *WSConnection) drainUntilClose() {
	<-c.recvTok
	defer func() { c.recvTok <- struct{}{} }()

	c.mu.Lock()
	finished := c.closeRecv || c.state >= StateClosed
	c.mu.Unlock()
	if finished {
		return
	}

	r := streamReader{c.stream}
	for {
		h, err := ReadHeader(r)
		if err != nil {
			c.Abort("close drain: " + err.Error())
			return
		}
		switch h.Opcode {
		case OpcodeClose:
			payload, err := c.readControlPayload(r, &h)
			if err != nil {
				c.Abort("close drain: " + err.Error())
				return
			}
			c.recordPeerClose(payload)
			c.mu.Lock()
			c.changeStateLocked(StateClosed)
			c.mu.Unlock()
			return
		default:
			c.Abort("non-close frame after close sent")
			return
		}
	}
}

// Receive blocks until one complete logical message arrives and delivers
// it in a single call; partial frames are never exposed. A concurrent
// Receive fails fast. The caller owns the returned message and must
// Release it.
func (c *WSConnection) Receive() (*Message, error) {
	select {
	case <-c.recvTok:
	default:
		return nil, api.ErrOperationInProgress
	}
	defer func() { c.recvTok <- struct{}{} }()

	if c.State() != StateOpen {
		return nil, api.ErrConnectionClosed
	}
	msg, err := c.receiveMessage()
	if err != nil {
		return nil, api.ErrConnectionClosed
	}
	return msg, nil
}

// receiveMessage runs the receive state machine for one logical message.
// All failures are converted to a close or abort before returning.
func (c *WSConnection) receiveMessage() (*Message, error) {
	_, inflater, handle, err := c.borrowCodecs()
	if err != nil {
		return nil, err
	}
	rb := newRecvBuffer(c.p, c.maxSize, inflater, handle)
	r := streamReader{c.stream}

	started := false
	var wireLen int64

	for {
		h, err := ReadHeader(r)
		if err != nil {
			rb.Abandon()
			return nil, c.receiveFailure(err)
		}
		if err := c.checkHeader(&h, started); err != nil {
			rb.Abandon()
			if h.Opcode == OpcodePing && h.PayloadLen != 0 {
				// Non-empty ping payload aborts outright.
				return nil, c.receiveFailure(err)
			}
			return nil, c.protocolClose(CloseProtocolError, err.Error())
		}

		if !started {
			switch h.Opcode {
			case OpcodePing:
				if err := c.sendRaw(OpcodePong, c.pongFrame, false); err != nil {
					rb.Abandon()
					return nil, err
				}
				continue
			case OpcodePong:
				if _, err := c.readControlPayload(r, &h); err != nil {
					rb.Abandon()
					return nil, c.receiveFailure(err)
				}
				continue
			case OpcodeClose:
				payload, err := c.readControlPayload(r, &h)
				if err != nil {
					rb.Abandon()
					return nil, c.receiveFailure(err)
				}
				rb.Abandon()
				return c.peerClose(payload)
			case OpcodeText, OpcodeBinary:
				rb.SetType(MessageType(h.Opcode))
				if h.Compressed {
					rb.SetCompressed()
				}
				started = true
			default:
				rb.Abandon()
				return nil, c.protocolClose(CloseInvalidPayloadData, "unexpected opcode")
			}
		} else if h.Opcode != OpcodeContinuation {
			rb.Abandon()
			return nil, c.protocolClose(CloseInvalidPayloadData, "expected continuation frame")
		}

		wireLen += h.PayloadLen
		if rb.Len()+h.PayloadLen > c.maxSize || wireLen > c.maxSize {
			rb.Abandon()
			return nil, c.protocolClose(CloseMessageTooBig, "message exceeds maximum size")
		}

		if err := c.readPayload(r, &h, rb); err != nil {
			rb.Abandon()
			return nil, c.receiveFailure(err)
		}
		c.events.FrameReceived(c.id, h.Opcode, h.PayloadLen, h.Compressed, h.Fin)
		c.metrics.FramesReceived.Inc()
		c.metrics.BytesReceived.Add(float64(h.PayloadLen))

		if h.Fin {
			rb.MarkSuccess()
			msg, err := rb.ToMessage()
			if err != nil {
				if err == api.ErrMessageTooBig {
					return nil, c.protocolClose(CloseMessageTooBig, "message exceeds maximum size")
				}
				return nil, c.receiveFailure(err)
			}
			return msg, nil
		}
	}
}

// checkHeader enforces the frame invariants that do not depend on payload
// content: reserved bits, mask direction, control-frame shape, and the
// compressed-bit placement rules.
func (c *WSConnection) checkHeader(h *Header, started bool) error {
	if h.Rsv2 || h.Rsv3 {
		return fmt.Errorf("reserved bits set")
	}
	if h.PayloadLen < 0 {
		return fmt.Errorf("invalid payload length")
	}
	if h.Masked != c.server {
		if c.server {
			return fmt.Errorf("unmasked client frame")
		}
		return fmt.Errorf("masked server frame")
	}
	if h.IsControl() {
		if !h.Fin {
			return fmt.Errorf("fragmented control frame")
		}
		if h.PayloadLen > MaxControlPayloadLen {
			return fmt.Errorf("oversized control payload")
		}
		if h.Compressed {
			return fmt.Errorf("compressed control frame")
		}
		if h.Opcode == OpcodePing && h.PayloadLen != 0 {
			return fmt.Errorf("ping with payload")
		}
	} else if h.Compressed && (started || !c.deflate) {
		return fmt.Errorf("unexpected compressed bit")
	}
	return nil
}

// readControlPayload reads and unmasks a control frame's payload.
func (c *WSConnection) readControlPayload(r io.Reader, h *Header) ([]byte, error) {
	if h.PayloadLen == 0 {
		return nil, nil
	}
	buf := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if h.Masked {
		MaskBytes(h.MaskKey, 0, buf)
	}
	return buf, nil
}

// readPayload streams one frame's payload into the receive buffer,
// unmasking span by span with the running frame offset.
func (c *WSConnection) readPayload(r io.Reader, h *Header, rb *RecvBuffer) error {
	remaining := h.PayloadLen
	offset := 0
	for remaining > 0 {
		hint := pool.DefaultSegmentSize
		if remaining < int64(hint) {
			hint = int(remaining)
		}
		span := rb.Get(hint)
		if int64(len(span)) > remaining {
			span = span[:remaining]
		}
		if _, err := io.ReadFull(r, span); err != nil {
			return err
		}
		if h.Masked {
			offset = MaskBytes(h.MaskKey, offset, span)
		}
		rb.Advance(len(span))
		remaining -= int64(len(span))
	}
	return nil
}

// recordPeerClose parses and stores the peer's close status under the lock.
func (c *WSConnection) recordPeerClose(payload []byte) (CloseStatus, string) {
	status := CloseEmpty
	desc := ""
	if len(payload) >= 2 {
		status = CloseStatus(binary.BigEndian.Uint16(payload[:2]))
		desc = string(payload[2:])
	}
	c.mu.Lock()
	c.closeRecv = true
	c.peerStatus = status
	c.peerDesc = desc
	c.mu.Unlock()
	return status, desc
}

// peerClose handles a Close frame arriving on the receive path. If we
// initiated, the handshake completes; otherwise the close is reflected
// (status only, no description) with a close-after-write hint, and the
// connection transitions to Closed once the reflected frame is written.
// The peer's close is delivered to the user as a Close message.
func (c *WSConnection) peerClose(payload []byte) (*Message, error) {
	status, _ := c.recordPeerClose(payload)

	c.mu.Lock()
	initiated := c.closeSent
	if !initiated {
		c.changeStateLocked(StateClosing)
	}
	c.mu.Unlock()

	if initiated {
		c.mu.Lock()
		c.changeStateLocked(StateClosed)
		c.mu.Unlock()
	} else {
		echo := make([]byte, 2)
		binary.BigEndian.PutUint16(echo, uint16(status))
		if err := c.sendRaw(OpcodeClose, c.buildControlFrame(OpcodeClose, echo), true); err == nil {
			c.mu.Lock()
			c.closeSent = true
			c.changeStateLocked(StateClosed)
			c.mu.Unlock()
		}
	}

	sb := NewRawSendBuffer(c.p)
	if err := sb.Write(payload); err != nil {
		sb.Abandon()
		return nil, err
	}
	return sb.ToMessage(CloseMessage)
}

// receiveFailure converts any receive-path error into an abort. I/O-class
// errors are expected on peer disconnect and bypass the user callback.
func (c *WSConnection) receiveFailure(err error) error {
	if err == io.EOF {
		err = fmt.Errorf("peer aborted connection without close handshake: %w", err)
	}
	c.events.Error(c.id, err)
	if !api.IsIOError(err) && c.onException != nil {
		c.onException(err)
	}
	c.Abort(err.Error())
	return err
}

// protocolClose reacts to a peer protocol violation: run the close
// handshake with the given status and report the violation to the caller.
func (c *WSConnection) protocolClose(status CloseStatus, reason string) error {
	c.events.Error(c.id, fmt.Errorf("protocol violation: %s", reason))
	_ = c.Close(status, reason)
	return api.ErrProtocolViolation
}

// streamReader adapts api.Stream to io.Reader for header decoding.
type streamReader struct {
	s api.Stream
}

func (r streamReader) Read(p []byte) (int, error) {
	return r.s.Read(p)
}
