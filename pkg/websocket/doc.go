// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements RFC 6455 WebSocket endpoints: the client
// handshake and supervisor, the server-side upgrade, and the shared
// frame transport.
//
// # Architecture
//
//	┌───────────┐   Start/Stop/Send    ┌────────────┐
//	│ User code │ ───────────────────→ │ WebSocket  │  supervisor goroutine
//	└───────────┘  ←─── OnMessage ───  └─────┬──────┘
//	                                         │ connect / reconnect
//	                                   ┌─────▼──────┐
//	                                   │ transport  │  read loop + writer + heartbeat
//	                                   └─────┬──────┘
//	                                   ┌─────▼──────┐
//	                                   │  socket    │  TCP / TLS / proxy tunnel
//	                                   └────────────┘
//
// # Client
//
// A WebSocket owns one worker goroutine. The worker connects (through
// an HTTP CONNECT or SOCKS5 proxy when configured), performs the
// upgrade, and then runs the transport until the connection drops. With
// EnableReconnect the worker retries failed connections with capped,
// jittered exponential backoff; Stop wakes any backoff sleep and joins
// the worker.
//
//	ws, err := websocket.New(websocket.Options{
//		URL:             "wss://example.com/feed",
//		EnableReconnect: true,
//		PingInterval:    30 * time.Second,
//	})
//	ws.SetOnMessage(func(msg *websocket.Message) {
//		switch msg.Type {
//		case websocket.MessageData:
//			// handle msg.Data
//		}
//	})
//	ws.Start()
//	defer ws.Stop(websocket.CloseNormal, "bye")
//
// # Server
//
// Upgrade answers a parsed HTTP request on an accepted socket and
// returns a Conn whose Run drives the connection on the accept worker.
// The pkg/server/ws package wires this into a listening server.
//
// # Transport
//
// The transport enforces the RFC 6455 invariants: control frames are
// unfragmented with payloads of at most 125 bytes, clients mask every
// frame, servers never mask, text messages are valid UTF-8, and a
// message is one Text or Binary frame followed by Continuation frames
// until fin. Violations close the connection with status 1002 (or 1007
// for UTF-8 and decompression failures) and surface an error event.
//
// Sends are queued and written in order by a writer goroutine; ping and
// close jump the queue but never interleave with a frame being written.
// Close frames are strictly last. BufferedAmount reports queued bytes
// and the backpressure callback fires once per threshold crossing.
//
// Messages compress as a whole with permessage-deflate when negotiated,
// before fragmentation, with rsv1 set on the first frame only.
package websocket
