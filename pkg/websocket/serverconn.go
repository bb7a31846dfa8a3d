// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"sync"

	"github.com/absmach/websock/pkg/httpmsg"
	"github.com/absmach/websock/pkg/socket"
)

// Conn is the server side of one upgraded connection. The accept worker
// owns it: Run blocks until the connection closes and callbacks fire on
// the worker goroutine.
type Conn struct {
	t    *transport
	open OpenInfo

	mu        sync.Mutex
	onMessage OnMessageFunc

	stats Stats
}

// Upgrade validates the client's upgrade request, answers it, and wraps
// the socket in a server transport. On a rejected handshake the HTTP
// error response has already been written.
func Upgrade(ctx context.Context, conn *socket.Conn, req *httpmsg.Request, cfg ServerConfig, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	hs, err := serverHandshake(ctx, conn, req, cfg)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		open: OpenInfo{
			URI:      hs.uri,
			Headers:  hs.headers,
			Protocol: hs.protocol,
		},
	}

	cb := transportCallbacks{
		onMessage: c.deliver,
		onTraffic: func(size int, incoming bool) {
			trafficMu.RLock()
			fn := globalTrafficTracker
			trafficMu.RUnlock()
			if fn != nil {
				fn(size, incoming)
			}
		},
	}
	t, err := newTransport(conn, true, opts, hs.deflate, &c.stats, cb)
	if err != nil {
		return nil, err
	}
	c.t = t
	c.stats.markConnected()
	return c, nil
}

// SetOnMessage installs the event callback. Must be called before Run.
func (c *Conn) SetOnMessage(fn OnMessageFunc) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Conn) deliver(msg *Message) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// OpenInfo describes the handshake that produced this connection.
func (c *Conn) OpenInfo() OpenInfo {
	return c.open
}

// Run drives the connection until it closes and returns how it ended.
func (c *Conn) Run(ctx context.Context) CloseInfo {
	return c.t.run(ctx)
}

// ReadyState returns the connection state.
func (c *Conn) ReadyState() ReadyState {
	return c.t.readyState()
}

// BufferedAmount returns the bytes queued for sending.
func (c *Conn) BufferedAmount() int {
	return c.t.bufferedAmount()
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// SendText sends a UTF-8 text message.
func (c *Conn) SendText(text string) SendInfo {
	return c.t.sendData(OpText, []byte(text), PriorityLow, nil)
}

// SendBinary sends a binary message.
func (c *Conn) SendBinary(data []byte) SendInfo {
	return c.t.sendData(OpBinary, data, PriorityLow, nil)
}

// Send sends a message with an optional progress callback.
func (c *Conn) Send(data []byte, binary bool, onProgress OnProgressFunc) SendInfo {
	opcode := OpText
	if binary {
		opcode = OpBinary
	}
	return c.t.sendData(opcode, data, PriorityLow, onProgress)
}

// Ping sends a ping frame.
func (c *Conn) Ping(payload string) SendInfo {
	return c.t.ping([]byte(payload))
}

// Close starts the closing handshake.
func (c *Conn) Close(code uint16, reason string) {
	c.t.close(code, reason)
}
