// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/absmach/websock/pkg/deflate"
	"github.com/absmach/websock/pkg/errors"
	"github.com/absmach/websock/pkg/socket"
)

// heartbeatTick is the granularity of the ping, ping-timeout and idle
// checks.
const heartbeatTick = 100 * time.Millisecond

// MessagePriority selects the send path.
type MessagePriority int

const (
	// PriorityLow enqueues behind pending frames.
	PriorityLow MessagePriority = iota

	// PriorityHigh writes synchronously ahead of the queue. Used by
	// ping and close.
	PriorityHigh
)

// transportCallbacks are invoked from the transport's own goroutines.
type transportCallbacks struct {
	onMessage      OnMessageFunc
	onBackpressure OnBackpressureFunc
	onTraffic      OnTrafficFunc
}

// transport runs one open WebSocket connection: framing, fragmentation,
// ping/pong, the closing handshake, the send queue and backpressure.
type transport struct {
	conn   *socket.Conn
	server bool
	opts   Options
	codec  *deflate.Codec
	logger *slog.Logger
	stats  *Stats
	cb     transportCallbacks

	stateMu sync.Mutex
	state   ReadyState

	// writeMu serializes whole frames onto the socket. sendMu
	// additionally serializes message encoding so fragments of two
	// messages never interleave in the queue.
	writeMu sync.Mutex
	sendMu  sync.Mutex

	queueMu     sync.Mutex
	queue       [][]byte
	queuedBytes int
	bpActive    bool

	sendSignal chan struct{}

	closeMu   sync.Mutex
	closeInfo *CloseInfo
	closeSent bool
	closeRecv bool

	pingMu          sync.Mutex
	lastWrite       time.Time
	lastRead        time.Time
	pingOutstanding bool
	pingSentAt      time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	closeOnce sync.Once
	writerWG  sync.WaitGroup

	closeTimerMu sync.Mutex
	closeTimer   *time.Timer
}

// newTransport wraps an upgraded connection. The deflate options come
// from the handshake; a disabled Options leaves compression off.
func newTransport(conn *socket.Conn, server bool, opts Options, deflateOpts deflate.Options, stats *Stats, cb transportCallbacks) (*transport, error) {
	t := &transport{
		conn:       conn,
		server:     server,
		opts:       opts,
		logger:     opts.Logger,
		stats:      stats,
		cb:         cb,
		state:      Open,
		sendSignal: make(chan struct{}, 1),
	}
	t.runCtx, t.runCancel = context.WithCancel(context.Background())
	if t.logger == nil {
		t.logger = slog.Default()
	}

	if deflateOpts.Enabled {
		codec, err := deflate.NewCodec(deflateOpts, server)
		if err != nil {
			return nil, err
		}
		t.codec = codec
	}

	now := time.Now()
	t.lastWrite = now
	t.lastRead = now
	return t, nil
}

// readyState returns the transport state.
func (t *transport) readyState() ReadyState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *transport) setState(s ReadyState) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// bufferedAmount returns the bytes queued and not yet written.
func (t *transport) bufferedAmount() int {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()
	return t.queuedBytes
}

// run drives the connection until it is closed. It blocks on the read
// loop; the writer and heartbeat run as goroutines. The returned
// CloseInfo describes how the connection ended.
func (t *transport) run(ctx context.Context) CloseInfo {
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				t.teardown()
			case <-t.runCtx.Done():
			}
		}()
	}

	t.writerWG.Add(2)
	go t.writeLoop()
	go t.heartbeatLoop()

	t.readLoop()

	t.teardown()
	t.writerWG.Wait()

	t.closeMu.Lock()
	info := *t.closeInfo
	t.closeMu.Unlock()
	return info
}

// teardown force-closes the socket and finalizes the state. Safe to
// call more than once.
func (t *transport) teardown() {
	t.closeOnce.Do(func() {
		t.closeTimerMu.Lock()
		if t.closeTimer != nil {
			t.closeTimer.Stop()
		}
		t.closeTimerMu.Unlock()

		t.runCancel()
		t.conn.Close()

		t.closeMu.Lock()
		if t.closeInfo == nil {
			t.closeInfo = &CloseInfo{Code: CloseAbnormal, Reason: CloseReason(CloseAbnormal)}
		}
		t.closeMu.Unlock()

		t.setState(Closed)
	})
}

// deliver hands one event to the user callback.
func (t *transport) deliver(msg *Message) {
	if t.cb.onMessage != nil {
		t.cb.onMessage(msg)
	}
}

// failConnection records the failure, reports it, and tears the
// connection down without waiting for the peer.
func (t *transport) failConnection(code uint16, reason string) {
	t.closeMu.Lock()
	if t.closeInfo == nil {
		t.closeInfo = &CloseInfo{Code: code, Reason: reason}
	}
	t.closeMu.Unlock()

	t.logger.Debug("connection failed",
		slog.Int("code", int(code)),
		slog.String("reason", reason))

	t.deliver(&Message{Type: MessageError, Error: &ErrorInfo{Reason: reason}})

	// Best effort close frame so well-behaved peers see the code.
	if t.readyState() == Open {
		t.setState(Closing)
		t.writeClose(code, reason)
	}
	t.teardown()
}

// --- write path ---

// writeFrameBytes writes one encoded frame under the write lock,
// applying the send timeout.
func (t *transport) writeFrameBytes(encoded []byte) error {
	ctx := t.runCtx
	if t.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.SendTimeout)
		defer cancel()
	}

	t.writeMu.Lock()
	err := t.conn.WriteBytes(ctx, encoded)
	t.writeMu.Unlock()
	if err != nil {
		return err
	}

	t.pingMu.Lock()
	t.lastWrite = time.Now()
	t.pingMu.Unlock()

	t.stats.bytesSent.Add(int64(len(encoded)))
	if t.cb.onTraffic != nil {
		t.cb.onTraffic(len(encoded), false)
	}
	return nil
}

// writeLoop drains the send queue whenever signalled.
func (t *transport) writeLoop() {
	defer t.writerWG.Done()

	for {
		select {
		case <-t.runCtx.Done():
			return
		case <-t.sendSignal:
		}

		for {
			t.queueMu.Lock()
			if len(t.queue) == 0 {
				t.queueMu.Unlock()
				break
			}
			frame := t.queue[0]
			t.queue = t.queue[1:]
			t.queueMu.Unlock()

			if err := t.writeFrameBytes(frame); err != nil {
				if t.runCtx.Err() == nil {
					t.failConnection(CloseAbnormal, fmt.Sprintf("send failed: %v", err))
				}
				return
			}

			t.queueMu.Lock()
			t.queuedBytes -= len(frame)
			t.queueMu.Unlock()
			t.checkBackpressure()
		}
	}
}

// enqueueFrames appends encoded frames to the queue and wakes the
// writer.
func (t *transport) enqueueFrames(frames [][]byte) {
	t.queueMu.Lock()
	for _, f := range frames {
		t.queue = append(t.queue, f)
		t.queuedBytes += len(f)
	}
	t.queueMu.Unlock()

	t.checkBackpressure()

	select {
	case t.sendSignal <- struct{}{}:
	default:
	}
}

// checkBackpressure fires the callback exactly once per threshold
// crossing, in either direction.
func (t *transport) checkBackpressure() {
	threshold := t.opts.BackpressureThreshold
	if threshold <= 0 || t.cb.onBackpressure == nil {
		return
	}

	t.queueMu.Lock()
	above := t.queuedBytes > threshold
	crossed := above != t.bpActive
	size := t.queuedBytes
	if crossed {
		t.bpActive = above
	}
	t.queueMu.Unlock()

	if crossed {
		t.cb.onBackpressure(size, above)
	}
}

// encodeOne builds and serializes a single frame, masking on the client
// side.
func (t *transport) encodeOne(opcode Opcode, payload []byte, fin, rsv1 bool) ([]byte, error) {
	f := Frame{
		Fin:     fin,
		Rsv1:    rsv1,
		Opcode:  opcode,
		Payload: payload,
	}
	if !t.server {
		key, err := newMaskKey()
		if err != nil {
			return nil, err
		}
		f.Masked = true
		f.MaskKey = key
	}
	return EncodeFrame(f), nil
}

// sendData sends one text or binary message, compressing and
// fragmenting as negotiated.
func (t *transport) sendData(opcode Opcode, data []byte, priority MessagePriority, onProgress OnProgressFunc) SendInfo {
	if t.readyState() != Open {
		return SendInfo{}
	}
	if opcode == OpText && !utf8.Valid(data) {
		return SendInfo{}
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	payload := data
	compressed := false
	if t.codec != nil {
		var err error
		payload, err = t.codec.Compress(data)
		if err != nil {
			t.logger.Error("compression failed", slog.String("error", err.Error()))
			return SendInfo{}
		}
		compressed = true
	}

	chunk := t.opts.MaxFrameChunkSize
	total := (len(payload) + chunk - 1) / chunk
	if total == 0 {
		total = 1
	}

	info := SendInfo{Success: true, Compressed: compressed, PayloadSize: len(data)}
	frames := make([][]byte, 0, total)

	for i := 0; i < total; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}

		op := OpContinuation
		if i == 0 {
			op = opcode
		}
		encoded, err := t.encodeOne(op, payload[start:end], i == total-1, compressed && i == 0)
		if err != nil {
			return SendInfo{}
		}
		info.WireSize += len(encoded)
		frames = append(frames, encoded)

		if onProgress != nil && !onProgress(i+1, total) {
			info.Success = false
			frames = frames[:len(frames)-1]
			info.WireSize -= len(encoded)
			break
		}
	}

	if len(frames) == 0 {
		return info
	}

	if priority == PriorityHigh {
		for _, f := range frames {
			if err := t.writeFrameBytes(f); err != nil {
				t.failConnection(CloseAbnormal, fmt.Sprintf("send failed: %v", err))
				return SendInfo{}
			}
		}
	} else {
		t.enqueueFrames(frames)
	}

	t.stats.messagesSent.Add(1)
	return info
}

// sendControl writes one control frame at high priority.
func (t *transport) sendControl(opcode Opcode, payload []byte) error {
	if len(payload) > maxControlPayload {
		return errors.ErrControlPayloadTooLong
	}
	encoded, err := t.encodeOne(opcode, payload, true, false)
	if err != nil {
		return err
	}
	return t.writeFrameBytes(encoded)
}

// ping sends a ping with the given payload.
func (t *transport) ping(payload []byte) SendInfo {
	if t.readyState() != Open {
		return SendInfo{}
	}
	if len(payload) > maxControlPayload {
		return SendInfo{}
	}
	if err := t.sendControl(OpPing, payload); err != nil {
		return SendInfo{}
	}

	t.pingMu.Lock()
	if !t.pingOutstanding {
		t.pingOutstanding = true
		t.pingSentAt = time.Now()
	}
	t.pingMu.Unlock()

	t.stats.pingsSent.Add(1)
	wire := len(payload) + 2
	if !t.server {
		wire += 4 // mask key
	}
	return SendInfo{Success: true, PayloadSize: len(payload), WireSize: wire}
}

// writeClose emits a close frame with the code and reason.
func (t *transport) writeClose(code uint16, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	if len(payload) > maxControlPayload {
		payload = payload[:maxControlPayload]
	}

	t.closeMu.Lock()
	t.closeSent = true
	t.closeMu.Unlock()

	return t.sendControl(OpClose, payload)
}

// close starts the closing handshake. After the close frame no further
// application frames are accepted. The handshake is bounded by the
// close timeout, after which the socket is force-closed.
func (t *transport) close(code uint16, reason string) {
	t.stateMu.Lock()
	if t.state != Open {
		t.stateMu.Unlock()
		return
	}
	t.state = Closing
	t.stateMu.Unlock()

	t.closeMu.Lock()
	if t.closeInfo == nil {
		t.closeInfo = &CloseInfo{Code: code, Reason: reason}
	}
	alreadyRecv := t.closeRecv
	t.closeMu.Unlock()

	if err := t.writeClose(code, reason); err != nil {
		t.teardown()
		return
	}

	if alreadyRecv {
		t.teardown()
		return
	}

	// Bound the wait for the peer's close frame.
	t.closeTimerMu.Lock()
	t.closeTimer = time.AfterFunc(t.opts.CloseTimeout, t.teardown)
	t.closeTimerMu.Unlock()
}

// --- read path ---

// wireSize estimates the on-the-wire size of a received frame.
func wireSize(f Frame) int {
	n := 2 + len(f.Payload)
	switch {
	case len(f.Payload) > 65535:
		n += 8
	case len(f.Payload) > maxControlPayload:
		n += 2
	}
	if f.Masked {
		n += 4
	}
	return n
}

// readLoop parses frames until the connection ends.
func (t *transport) readLoop() {
	var (
		msgOpcode     Opcode
		msgCompressed bool
		msgBuf        []byte
		assembling    bool
	)

	for {
		f, err := ReadFrame(t.runCtx, t.conn, t.opts.MaxMessageSize)
		if err != nil {
			if t.runCtx.Err() != nil {
				return
			}
			switch {
			case stderrors.Is(err, errors.ErrMessageTooBig):
				t.failConnection(CloseMessageTooBig, err.Error())
			case stderrors.Is(err, errors.ErrProtocolViolation):
				t.failConnection(CloseProtocolError, err.Error())
			default:
				// Peer went away. A clean close that already completed
				// is not an error.
				t.closeMu.Lock()
				done := t.closeSent && t.closeRecv
				t.closeMu.Unlock()
				if !done {
					t.failConnection(CloseAbnormal, fmt.Sprintf("connection lost: %v", err))
				} else {
					t.teardown()
				}
			}
			return
		}

		t.pingMu.Lock()
		t.lastRead = time.Now()
		t.pingMu.Unlock()

		size := wireSize(f)
		t.stats.bytesReceived.Add(int64(size))
		if t.cb.onTraffic != nil {
			t.cb.onTraffic(size, true)
		}

		// Masking direction: clients mask, servers must not.
		if t.server && !f.Masked {
			t.failConnection(CloseProtocolError, "unmasked client frame")
			return
		}
		if !t.server && f.Masked {
			t.failConnection(CloseProtocolError, "masked server frame")
			return
		}

		if f.Rsv1 && t.codec == nil {
			t.failConnection(CloseProtocolError, "compressed frame without negotiated extension")
			return
		}

		switch f.Opcode {
		case OpText, OpBinary:
			if assembling {
				t.failConnection(CloseProtocolError, "data frame during fragmented message")
				return
			}
			msgOpcode = f.Opcode
			msgCompressed = f.Rsv1
			msgBuf = f.Payload
			if f.Fin {
				if !t.finishMessage(msgOpcode, msgBuf, msgCompressed) {
					return
				}
				msgBuf = nil
			} else {
				assembling = true
				t.deliver(&Message{Type: MessageFragment})
			}

		case OpContinuation:
			if !assembling {
				t.failConnection(CloseProtocolError, "continuation without started message")
				return
			}
			if f.Rsv1 {
				t.failConnection(CloseProtocolError, "rsv1 on continuation frame")
				return
			}
			msgBuf = append(msgBuf, f.Payload...)
			if t.opts.MaxMessageSize > 0 && int64(len(msgBuf)) > t.opts.MaxMessageSize {
				t.failConnection(CloseMessageTooBig, "assembled message too big")
				return
			}
			if f.Fin {
				assembling = false
				if !t.finishMessage(msgOpcode, msgBuf, msgCompressed) {
					return
				}
				msgBuf = nil
			} else {
				t.deliver(&Message{Type: MessageFragment})
			}

		case OpPing:
			t.stats.pingsReceived.Add(1)
			t.deliver(&Message{Type: MessagePing, Data: f.Payload})
			if !t.opts.DisablePong && t.readyState() == Open {
				if err := t.sendControl(OpPong, f.Payload); err == nil {
					t.stats.pongsSent.Add(1)
				}
			}

		case OpPong:
			t.stats.pongsReceived.Add(1)
			t.pingMu.Lock()
			t.pingOutstanding = false
			t.pingMu.Unlock()
			t.deliver(&Message{Type: MessagePong, Data: f.Payload})

		case OpClose:
			if t.handleClose(f) {
				return
			}
		}
	}
}

// finishMessage decompresses, validates and delivers one assembled
// message. It returns false when the connection was failed.
func (t *transport) finishMessage(opcode Opcode, data []byte, compressed bool) bool {
	if compressed {
		plain, err := t.codec.Decompress(data)
		if err != nil {
			// Deliver the raw payload with the flag set, then close
			// with 1007.
			t.deliver(&Message{
				Type:               MessageData,
				Data:               data,
				Binary:             opcode == OpBinary,
				DecompressionError: true,
			})
			t.failConnection(CloseInvalidPayload, fmt.Sprintf("decompression failed: %v", err))
			return false
		}
		data = plain
	}

	if opcode == OpText && !utf8.Valid(data) {
		t.failConnection(CloseInvalidPayload, CloseReason(CloseInvalidPayload))
		return false
	}

	t.stats.messagesReceived.Add(1)
	t.deliver(&Message{
		Type:   MessageData,
		Data:   data,
		Binary: opcode == OpBinary,
	})
	return true
}

// handleClose processes a peer close frame. It returns true when the
// read loop should exit.
func (t *transport) handleClose(f Frame) bool {
	code := CloseNoStatus
	reason := ""
	if len(f.Payload) >= 2 {
		code = binary.BigEndian.Uint16(f.Payload)
		reason = string(f.Payload[2:])
	}

	t.closeMu.Lock()
	t.closeRecv = true
	initiated := t.closeSent
	if t.closeInfo == nil {
		t.closeInfo = &CloseInfo{Code: code, Reason: reason, Remote: true}
	}
	t.closeMu.Unlock()

	if !initiated {
		t.setState(Closing)
		// Mirror the close back, then the handshake is complete. An
		// empty close stays empty: 1005 never goes on the wire.
		if len(f.Payload) >= 2 {
			t.writeClose(code, reason)
		} else {
			t.closeMu.Lock()
			t.closeSent = true
			t.closeMu.Unlock()
			t.sendControl(OpClose, nil)
		}
	}

	t.teardown()
	return true
}

// --- heartbeat ---

// heartbeatLoop schedules pings and enforces the ping and idle
// timeouts.
func (t *transport) heartbeatLoop() {
	defer t.writerWG.Done()

	ticker := time.NewTicker(heartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-t.runCtx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		t.pingMu.Lock()
		sinceWrite := now.Sub(t.lastWrite)
		sinceRead := now.Sub(t.lastRead)
		outstanding := t.pingOutstanding
		sincePing := now.Sub(t.pingSentAt)
		t.pingMu.Unlock()

		if t.opts.PingTimeout > 0 && outstanding && sincePing > t.opts.PingTimeout {
			t.failConnection(CloseInternalError, "ping timeout: no pong received")
			return
		}

		if t.opts.IdleTimeout > 0 && sinceRead > t.opts.IdleTimeout {
			t.failConnection(CloseInternalError, "idle timeout: no data received")
			return
		}

		if t.opts.PingInterval > 0 && sinceWrite >= t.opts.PingInterval && t.readyState() == Open {
			t.ping([]byte(t.opts.PingPayload))
		}
	}
}
