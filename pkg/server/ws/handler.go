// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"

	"github.com/absmach/websock/pkg/websocket"
)

// Handler defines server-side connection callbacks. They are invoked on
// the per-connection worker goroutine.
type Handler interface {
	// OnConnect is called after a successful upgrade. Returning an
	// error rejects the client with close code 1008.
	OnConnect(ctx context.Context, client *Client) error

	// OnMessage is called for every event on the connection: data
	// messages, pings, pongs, fragments and errors.
	OnMessage(ctx context.Context, client *Client, msg *websocket.Message)

	// OnDisconnect is called when the connection ends, with how it
	// closed.
	OnDisconnect(ctx context.Context, client *Client, info websocket.CloseInfo)
}

// NoopHandler accepts every connection and ignores all events.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, client *Client) error {
	return nil
}

func (h *NoopHandler) OnMessage(ctx context.Context, client *Client, msg *websocket.Message) {
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, client *Client, info websocket.CloseInfo) {
}
