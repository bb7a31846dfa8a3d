// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/websock/pkg/backoff"
	"github.com/absmach/websock/pkg/errors"
	"github.com/absmach/websock/pkg/proxy"
	"github.com/absmach/websock/pkg/socket"
	"github.com/absmach/websock/pkg/urlx"
)

// Global traffic tracker, injectable per endpoint and overridable
// process-wide for quick instrumentation.
var (
	trafficMu            sync.RWMutex
	globalTrafficTracker OnTrafficFunc
)

// SetTrafficTrackerCallback installs a process-wide traffic observer
// used by endpoints without their own tracker.
func SetTrafficTrackerCallback(fn OnTrafficFunc) {
	trafficMu.Lock()
	globalTrafficTracker = fn
	trafficMu.Unlock()
}

// ResetTrafficTrackerCallback removes the process-wide observer.
func ResetTrafficTrackerCallback() {
	SetTrafficTrackerCallback(nil)
}

// WebSocket is a client endpoint with automatic reconnection. A
// dedicated worker goroutine owns the connection; user callbacks run on
// that goroutine and must not re-enter blocking operations on the same
// endpoint.
type WebSocket struct {
	mu    sync.Mutex
	opts  Options
	parts urlx.Parts

	onMessage      OnMessageFunc
	onBackpressure OnBackpressureFunc
	onTraffic      OnTrafficFunc

	transport  *transport
	connecting bool

	stopFlag   atomic.Bool
	wake       chan struct{}
	workerDone chan struct{}
	stopMu     sync.Mutex

	backoff *backoff.Backoff
	stats   Stats
}

// New validates the configuration and creates a stopped endpoint.
// Invalid URLs and ping payloads over 125 bytes are rejected here, with
// no socket opened.
func New(opts Options) (*WebSocket, error) {
	opts = opts.withDefaults()

	parts, err := urlx.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	if len(opts.PingPayload) > maxControlPayload {
		return nil, errors.ErrControlPayloadTooLong
	}

	return &WebSocket{
		opts:  opts,
		parts: parts,
		wake:  make(chan struct{}, 1),
		backoff: backoff.New(backoff.Config{
			MinWait: opts.MinReconnectWait,
			MaxWait: opts.MaxReconnectWait,
			Jitter:  true,
		}),
	}, nil
}

// SetOnMessage installs the event callback. Must be called before
// Start.
func (w *WebSocket) SetOnMessage(fn OnMessageFunc) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// SetOnBackpressure installs the backpressure callback. Must be called
// before Start.
func (w *WebSocket) SetOnBackpressure(fn OnBackpressureFunc) {
	w.mu.Lock()
	w.onBackpressure = fn
	w.mu.Unlock()
}

// SetTrafficTracker installs a per-endpoint traffic observer that
// overrides the process-wide one.
func (w *WebSocket) SetTrafficTracker(fn OnTrafficFunc) {
	w.mu.Lock()
	w.onTraffic = fn
	w.mu.Unlock()
}

// URL returns the configured endpoint URL.
func (w *WebSocket) URL() string {
	return w.opts.URL
}

// Stats returns a snapshot of the endpoint counters.
func (w *WebSocket) Stats() StatsSnapshot {
	return w.stats.Snapshot()
}

// ResetStats zeroes the endpoint counters.
func (w *WebSocket) ResetStats() {
	w.stats.Reset()
}

// ReadyState returns the current connection state.
func (w *WebSocket) ReadyState() ReadyState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.transport != nil {
		return w.transport.readyState()
	}
	if w.connecting {
		return Connecting
	}
	return Closed
}

// BufferedAmount returns the bytes queued for sending.
func (w *WebSocket) BufferedAmount() int {
	w.mu.Lock()
	t := w.transport
	w.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.bufferedAmount()
}

// Start launches the worker goroutine. It is idempotent while running
// and restarts a fresh connection after Stop.
func (w *WebSocket) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.workerDone != nil {
		return
	}

	w.stopFlag.Store(false)
	// Drain a stale wake-up from a previous stop.
	select {
	case <-w.wake:
	default:
	}

	done := make(chan struct{})
	w.workerDone = done
	go w.runWorker(done)
}

// Stop closes the connection with the given code and reason, disables
// reconnection, and waits for the worker to exit. It is idempotent.
func (w *WebSocket) Stop(code uint16, reason string) {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()

	w.mu.Lock()
	done := w.workerDone
	t := w.transport
	w.mu.Unlock()
	if done == nil {
		return
	}

	w.stopFlag.Store(true)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	if t != nil {
		t.close(code, reason)
	}

	<-done

	w.mu.Lock()
	w.workerDone = nil
	w.mu.Unlock()
}

// Close starts the closing handshake without disabling reconnection.
func (w *WebSocket) Close(code uint16, reason string) {
	w.mu.Lock()
	t := w.transport
	w.mu.Unlock()
	if t != nil {
		t.close(code, reason)
	}
}

// SendText sends a UTF-8 text message. Invalid UTF-8 is rejected
// locally.
func (w *WebSocket) SendText(text string) SendInfo {
	return w.send(OpText, []byte(text), nil)
}

// SendBinary sends a binary message.
func (w *WebSocket) SendBinary(data []byte) SendInfo {
	return w.send(OpBinary, data, nil)
}

// Send sends a message, binary or text, with an optional progress
// callback for fragmented payloads.
func (w *WebSocket) Send(data []byte, binary bool, onProgress OnProgressFunc) SendInfo {
	opcode := OpText
	if binary {
		opcode = OpBinary
	}
	return w.send(opcode, data, onProgress)
}

func (w *WebSocket) send(opcode Opcode, data []byte, onProgress OnProgressFunc) SendInfo {
	w.mu.Lock()
	t := w.transport
	w.mu.Unlock()
	if t == nil {
		return SendInfo{}
	}
	return t.sendData(opcode, data, PriorityLow, onProgress)
}

// Ping sends a ping frame with the payload. Payloads over 125 bytes are
// rejected locally.
func (w *WebSocket) Ping(payload string) SendInfo {
	w.mu.Lock()
	t := w.transport
	w.mu.Unlock()
	if t == nil {
		return SendInfo{}
	}
	return t.ping([]byte(payload))
}

// deliver invokes the user event callback.
func (w *WebSocket) deliver(msg *Message) {
	w.mu.Lock()
	fn := w.onMessage
	w.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// trafficTracker resolves the effective traffic observer.
func (w *WebSocket) trafficTracker() OnTrafficFunc {
	w.mu.Lock()
	own := w.onTraffic
	w.mu.Unlock()
	if own != nil {
		return own
	}
	trafficMu.RLock()
	defer trafficMu.RUnlock()
	return globalTrafficTracker
}

// runWorker is the supervisor loop: connect, run, reconnect with
// backoff until stopped.
func (w *WebSocket) runWorker(done chan struct{}) {
	defer close(done)
	logger := w.opts.Logger

	for !w.stopFlag.Load() {
		w.mu.Lock()
		w.connecting = true
		w.mu.Unlock()

		t, open, err := w.connectOnce()

		w.mu.Lock()
		w.connecting = false
		w.mu.Unlock()

		if err != nil {
			status := 0
			var he *HandshakeError
			if stderrors.As(err, &he) {
				status = he.Status
			}

			info := &ErrorInfo{Reason: err.Error(), HTTPStatus: status}
			retry := w.opts.EnableReconnect && !w.stopFlag.Load()
			if retry {
				info.Wait = w.backoff.Next()
				info.Retries = w.backoff.Retries()
			}

			logger.Debug("connection attempt failed",
				slog.String("url", w.opts.URL),
				slog.Int("retries", info.Retries),
				slog.Duration("wait", info.Wait),
				slog.String("error", err.Error()))

			w.deliver(&Message{Type: MessageError, Error: info})

			if !retry {
				break
			}
			select {
			case <-time.After(info.Wait):
			case <-w.wake:
			}
			continue
		}

		w.backoff.Reset()
		w.stats.markConnected()

		logger.Debug("connected", slog.String("url", w.opts.URL))
		w.deliver(&Message{Type: MessageOpen, Open: open})

		info := t.run(context.Background())

		w.mu.Lock()
		w.transport = nil
		w.mu.Unlock()

		closeMsg := info
		w.deliver(&Message{Type: MessageClose, Close: &closeMsg})

		if w.stopFlag.Load() || !w.opts.EnableReconnect {
			break
		}
	}
}

// connectOnce dials (through the proxy when configured), wraps TLS for
// wss, and runs the client handshake, all bounded by the handshake
// timeout.
func (w *WebSocket) connectOnce() (*transport, *OpenInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.HandshakeTimeout)
	defer cancel()

	var conn *socket.Conn
	if w.opts.Proxy != nil {
		tunneled, err := proxy.Dial(ctx, w.opts.Proxy, w.parts.Host, w.parts.Port)
		if err != nil {
			return nil, nil, err
		}
		conn = tunneled
	} else {
		raw, err := socket.Dial(ctx, w.parts.HostPort())
		if err != nil {
			return nil, nil, fmt.Errorf("unable to connect to %s: %w", w.parts.HostPort(), err)
		}
		conn = socket.New(raw)
	}

	if w.parts.Secure() {
		tlsConfig := w.opts.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		cfg := tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = w.parts.Host
		}
		if err := conn.StartTLS(ctx, cfg); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}

	hs, err := clientHandshake(ctx, conn, w.parts, w.opts)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	cb := transportCallbacks{
		onMessage:      w.deliver,
		onBackpressure: w.backpressure,
		onTraffic:      w.traffic,
	}
	t, err := newTransport(conn, false, w.opts, hs.deflate, &w.stats, cb)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	w.mu.Lock()
	w.transport = t
	w.mu.Unlock()

	open := &OpenInfo{
		URI:      hs.uri,
		Headers:  hs.headers,
		Protocol: hs.protocol,
	}
	return t, open, nil
}

// backpressure forwards threshold crossings to the user callback.
func (w *WebSocket) backpressure(size int, above bool) {
	w.mu.Lock()
	fn := w.onBackpressure
	w.mu.Unlock()
	if fn != nil {
		fn(size, above)
	}
}

// traffic forwards frame sizes to the effective tracker.
func (w *WebSocket) traffic(size int, incoming bool) {
	if fn := w.trafficTracker(); fn != nil {
		fn(size, incoming)
	}
}
