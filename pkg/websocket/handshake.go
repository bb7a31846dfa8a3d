// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/websock/pkg/deflate"
	"github.com/absmach/websock/pkg/errors"
	"github.com/absmach/websock/pkg/httpmsg"
	"github.com/absmach/websock/pkg/socket"
	"github.com/absmach/websock/pkg/urlx"
)

// acceptGUID is the fixed GUID of RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ComputeAcceptKey derives the Sec-WebSocket-Accept value for a
// Sec-WebSocket-Key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// generateKey draws 16 random bytes and base64-encodes them.
func generateKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate handshake key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// HandshakeError carries the HTTP response of a failed upgrade so
// callers can detect redirects or auth challenges.
type HandshakeError struct {
	Status  int
	Reason  string
	Headers *httpmsg.Headers
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: status %d %s", e.Status, e.Reason)
}

// Unwrap ties HandshakeError into the package taxonomy.
func (e *HandshakeError) Unwrap() error {
	return errors.ErrHandshakeFailed
}

// handshakeResult is the outcome of a successful upgrade exchange.
type handshakeResult struct {
	headers  *httpmsg.Headers
	protocol string
	deflate  deflate.Options
	uri      string
}

// clientHandshake drives the client side of the upgrade over an
// established (and, for wss, already TLS-wrapped) socket.
func clientHandshake(ctx context.Context, conn *socket.Conn, parts urlx.Parts, opts Options) (*handshakeResult, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	headers := httpmsg.NewHeaders()
	if opts.ExtraHeaders == nil || !opts.ExtraHeaders.Has("Host") {
		headers.Set("Host", parts.Host+":"+strconv.Itoa(parts.Port))
	}
	headers.Set("Upgrade", "websocket")
	headers.Set("Connection", "Upgrade")
	headers.Set("Sec-WebSocket-Version", "13")
	headers.Set("Sec-WebSocket-Key", key)
	if !opts.ExtraHeaders.Has("User-Agent") {
		headers.Set("User-Agent", UserAgent)
	}
	if len(opts.SubProtocols) > 0 {
		headers.Set("Sec-WebSocket-Protocol", strings.Join(opts.SubProtocols, ", "))
	}
	if opts.Deflate.Enabled {
		headers.Set("Sec-WebSocket-Extensions", opts.Deflate.Offer())
	}
	opts.ExtraHeaders.Each(func(name, value string) {
		headers.Set(name, value)
	})

	request := &httpmsg.Request{
		Method:  "GET",
		URI:     parts.Path,
		Version: "HTTP/1.1",
		Headers: headers,
	}
	if err := conn.WriteBytes(ctx, request.Encode()); err != nil {
		return nil, fmt.Errorf("failed to send handshake request: %w", err)
	}

	statusLine, err := conn.ReadLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake response: %w", err)
	}
	version, status, reason, err := httpmsg.ParseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	respHeaders, err := httpmsg.ReadHeaders(ctx, conn)
	if err != nil {
		return nil, err
	}

	if version != "HTTP/1.1" || status != 101 {
		return nil, &HandshakeError{Status: status, Reason: reason, Headers: respHeaders}
	}

	if !strings.EqualFold(respHeaders.Get("Connection"), "Upgrade") {
		return nil, &HandshakeError{Status: status, Reason: "missing Connection: Upgrade header", Headers: respHeaders}
	}
	if respHeaders.Get("Sec-WebSocket-Accept") != ComputeAcceptKey(key) {
		return nil, &HandshakeError{Status: status, Reason: "invalid Sec-WebSocket-Accept value", Headers: respHeaders}
	}

	result := &handshakeResult{
		headers:  respHeaders,
		protocol: respHeaders.Get("Sec-WebSocket-Protocol"),
		uri:      parts.Path,
	}

	if opts.Deflate.Enabled {
		negotiated, err := deflate.ParseExtension(respHeaders.Get("Sec-WebSocket-Extensions"))
		if err != nil {
			return nil, &HandshakeError{Status: status, Reason: err.Error(), Headers: respHeaders}
		}
		// A server that omits the extension disables compression.
		result.deflate = negotiated
	}

	return result, nil
}

// ServerConfig configures the server side of the upgrade.
type ServerConfig struct {
	// SubProtocols are matched in order against the client's
	// Sec-WebSocket-Protocol header; the first substring hit wins.
	SubProtocols []string

	// Deflate enables permessage-deflate negotiation.
	Deflate deflate.Options

	// ServerHeader overrides the Server response header.
	ServerHeader string
}

func (c ServerConfig) serverHeader() string {
	if c.ServerHeader != "" {
		return c.ServerHeader
	}
	return UserAgent
}

// writeHandshakeError emits an HTTP error response and returns the
// matching HandshakeError.
func writeHandshakeError(ctx context.Context, conn *socket.Conn, cfg ServerConfig, status int, reason string) error {
	headers := httpmsg.NewHeaders()
	headers.Set("Server", cfg.serverHeader())
	resp := &httpmsg.Response{Status: status, Reason: reason, Headers: headers}
	// Best effort: the handshake already failed.
	conn.WriteBytes(ctx, resp.Encode())
	return &HandshakeError{Status: status, Reason: reason}
}

// serverHandshake validates an upgrade request and answers 101, or
// answers with an HTTP error and returns it.
func serverHandshake(ctx context.Context, conn *socket.Conn, req *httpmsg.Request, cfg ServerConfig) (*handshakeResult, error) {
	if req.Method != "GET" {
		return nil, writeHandshakeError(ctx, conn, cfg, 400, "Invalid HTTP method, GET required")
	}
	if req.Version != "HTTP/1.1" {
		return nil, writeHandshakeError(ctx, conn, cfg, 400, "Invalid HTTP version, 1.1 required")
	}

	key := req.Headers.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, writeHandshakeError(ctx, conn, cfg, 400, "Missing Sec-WebSocket-Key value")
	}

	upgrade := req.Headers.Get("Upgrade")
	// Firefox sends "keep-alive, Upgrade" in the Connection header and
	// some stacks mirror the compound value here.
	if !strings.EqualFold(upgrade, "websocket") && !strings.EqualFold(upgrade, "keep-alive, Upgrade") {
		return nil, writeHandshakeError(ctx, conn, cfg, 400, "Invalid Upgrade header, websocket required")
	}

	if req.Headers.Get("Sec-WebSocket-Version") != "13" {
		return nil, writeHandshakeError(ctx, conn, cfg, 400, "Invalid Sec-WebSocket-Version, 13 required")
	}

	respHeaders := httpmsg.NewHeaders()
	respHeaders.Set("Server", cfg.serverHeader())
	respHeaders.Set("Upgrade", "websocket")
	respHeaders.Set("Connection", "Upgrade")
	respHeaders.Set("Sec-WebSocket-Accept", ComputeAcceptKey(key))

	result := &handshakeResult{headers: req.Headers, uri: req.URI}

	// Sub-protocol selection: first configured protocol that appears in
	// the client's header wins.
	if clientProtocols := req.Headers.Get("Sec-WebSocket-Protocol"); clientProtocols != "" {
		for _, p := range cfg.SubProtocols {
			if strings.Contains(clientProtocols, p) {
				respHeaders.Set("Sec-WebSocket-Protocol", p)
				result.protocol = p
				break
			}
		}
	}

	if cfg.Deflate.Enabled {
		offer, err := deflate.ParseExtension(req.Headers.Get("Sec-WebSocket-Extensions"))
		if err != nil {
			return nil, writeHandshakeError(ctx, conn, cfg, 400, "Invalid Sec-WebSocket-Extensions value")
		}
		if offer.Enabled {
			agreed := deflate.Negotiate(offer, cfg.Deflate)
			respHeaders.Set("Sec-WebSocket-Extensions", agreed.ResponseValue())
			result.deflate = agreed
		}
	}

	resp := &httpmsg.Response{Status: 101, Reason: "Switching Protocols", Headers: respHeaders}
	if err := conn.WriteBytes(ctx, resp.Encode()); err != nil {
		return nil, fmt.Errorf("failed to send handshake response: %w", err)
	}

	return result, nil
}
