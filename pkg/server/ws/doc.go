// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ws implements the WebSocket accept and upgrade server.
//
// # Overview
//
// The server accepts TCP (or TLS) connections, reads the first HTTP
// request, and demuxes: upgrade requests become WebSocket connections
// driven by a per-connection worker, everything else goes to the
// pluggable HTTP handler (the static-file server in pkg/server/httpfile
// fits there).
//
// # Architecture
//
//	┌─────────┐        ┌──────────┐   Upgrade    ┌───────────┐
//	│ Client  │ ←TCP─→ │  Server  │ ───────────→ │ websocket │
//	└─────────┘        └────┬─────┘              │   .Conn   │
//	                        │ plain HTTP         └───────────┘
//	                   ┌────▼─────┐
//	                   │ HTTP     │
//	                   │ handler  │
//	                   └──────────┘
//
// # Connection Flow
//
//  1. Accept; enforce the per-IP connection cap (429 on excess).
//  2. Read request line and headers.
//  3. Upgrade header present: run the server handshake, register the
//     client in the directory, call Handler.OnConnect, then run the
//     transport until it closes.
//  4. Otherwise: answer via the HTTP handler, honoring keep-alive.
//  5. On exit: remove the client from the directory, release the IP
//     count, call Handler.OnDisconnect.
//
// # Graceful Shutdown
//
// When the context is cancelled the listener closes, every live client
// receives a Close frame with code 1001, and the server waits up to
// ShutdownTimeout for workers to drain before forcing closure and
// returning ErrShutdownTimeout.
//
// # Example
//
//	srv := ws.New(ws.Config{
//		Address:             ":9001",
//		MaxConnectionsPerIP: 64,
//	}, handler)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package ws
