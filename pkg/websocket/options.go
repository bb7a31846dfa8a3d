// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/websock/pkg/deflate"
	"github.com/absmach/websock/pkg/httpmsg"
	"github.com/absmach/websock/pkg/proxy"
)

// Version is reported in User-Agent and Server headers.
const Version = "1.0.0"

// UserAgent is the default identification string.
const UserAgent = "websock/" + Version

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultCloseTimeout     = 5 * time.Second
	defaultMinReconnectWait = time.Millisecond
	defaultMaxReconnectWait = 10 * time.Second
	defaultFrameChunkSize   = 32 * 1024
)

// Options configures a client endpoint. Immutable after Start.
type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// ExtraHeaders are added to the handshake request. A Host entry
	// overrides the derived Host header.
	ExtraHeaders *httpmsg.Headers

	// TLSConfig is used for wss URLs. A nil config uses defaults with
	// the server name taken from the URL.
	TLSConfig *tls.Config

	// Proxy tunnels the connection when set.
	Proxy *proxy.Config

	// Deflate requests permessage-deflate when Enabled.
	Deflate deflate.Options

	// SubProtocols are offered in Sec-WebSocket-Protocol.
	SubProtocols []string

	// HandshakeTimeout bounds connect plus upgrade (default 5s).
	HandshakeTimeout time.Duration

	// PingInterval sends a heartbeat ping whenever that much time has
	// passed since the last outbound frame. Zero disables pings.
	PingInterval time.Duration

	// PingTimeout fails the connection when a ping goes unanswered
	// that long. Zero disables the check.
	PingTimeout time.Duration

	// IdleTimeout closes the connection when no bytes arrive for that
	// long. Zero disables the check.
	IdleTimeout time.Duration

	// SendTimeout bounds one send call. Zero disables the bound.
	SendTimeout time.Duration

	// CloseTimeout bounds the closing handshake before the socket is
	// force-closed (default 5s).
	CloseTimeout time.Duration

	// EnableReconnect keeps the endpoint retrying with backoff after
	// failures.
	EnableReconnect bool

	// MinReconnectWait is the first backoff step (default 1ms).
	MinReconnectWait time.Duration

	// MaxReconnectWait caps the backoff (default 10s).
	MaxReconnectWait time.Duration

	// DisablePong turns off automatic pong replies to received pings.
	DisablePong bool

	// PingPayload is carried in heartbeat pings.
	PingPayload string

	// BackpressureThreshold arms the backpressure callback. Zero
	// disables it.
	BackpressureThreshold int

	// MaxFrameChunkSize caps one data frame's payload; larger messages
	// fragment (default 32 KiB).
	MaxFrameChunkSize int

	// MaxMessageSize rejects inbound frames beyond this payload size
	// with close code 1009. Zero means unlimited.
	MaxMessageSize int64

	// Logger receives endpoint events. Defaults to slog.Default().
	Logger *slog.Logger
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.MinReconnectWait == 0 {
		o.MinReconnectWait = defaultMinReconnectWait
	}
	if o.MaxReconnectWait == 0 {
		o.MaxReconnectWait = defaultMaxReconnectWait
	}
	if o.MaxFrameChunkSize == 0 {
		o.MaxFrameChunkSize = defaultFrameChunkSize
	}
	if o.ExtraHeaders == nil {
		o.ExtraHeaders = httpmsg.NewHeaders()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
