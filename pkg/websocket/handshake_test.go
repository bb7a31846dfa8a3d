// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/absmach/websock/pkg/deflate"
	"github.com/absmach/websock/pkg/httpmsg"
	"github.com/absmach/websock/pkg/socket"
	"github.com/absmach/websock/pkg/urlx"
)

func TestComputeAcceptKeyFixedVector(t *testing.T) {
	// RFC 6455 section 1.3 sample.
	got := ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("ComputeAcceptKey = %q, want %q", got, want)
	}
}

func TestComputeAcceptKeyRandomRoundTrip(t *testing.T) {
	// The client and an independent computation must agree for any key.
	for i := 0; i < 1000; i++ {
		var raw [16]byte
		if _, err := rand.Read(raw[:]); err != nil {
			t.Fatal(err)
		}
		key := base64.StdEncoding.EncodeToString(raw[:])

		h := sha1.New()
		h.Write([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
		want := base64.StdEncoding.EncodeToString(h.Sum(nil))

		if got := ComputeAcceptKey(key); got != want {
			t.Fatalf("iteration %d: accept key mismatch", i)
		}
	}
}

// handshakePair runs the client handshake against the server handshake
// over a real socket pair.
func handshakePair(t *testing.T, opts Options, cfg ServerConfig) (*handshakeResult, *handshakeResult) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	type serverOut struct {
		res *handshakeResult
		err error
	}
	srvCh := make(chan serverOut, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			srvCh <- serverOut{err: err}
			return
		}
		defer conn.Close()

		sc := socket.New(conn)
		req, err := httpmsg.ReadRequest(ctx, sc)
		if err != nil {
			srvCh <- serverOut{err: err}
			return
		}
		res, err := serverHandshake(ctx, sc, req, cfg)
		srvCh <- serverOut{res: res, err: err}
		// Hold the socket until the client is done reading.
		time.Sleep(100 * time.Millisecond)
	}()

	raw, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	parts, err := urlx.Parse("ws://" + l.Addr().String() + "/chat")
	if err != nil {
		t.Fatal(err)
	}

	clientRes, err := clientHandshake(ctx, socket.New(raw), parts, opts.withDefaults())
	if err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}

	srv := <-srvCh
	if srv.err != nil {
		t.Fatalf("server handshake failed: %v", srv.err)
	}
	return clientRes, srv.res
}

func TestHandshakeBasic(t *testing.T) {
	client, server := handshakePair(t, Options{}, ServerConfig{})
	if client.protocol != "" || server.protocol != "" {
		t.Error("no sub-protocol was offered, none should be selected")
	}
	if client.deflate.Enabled || server.deflate.Enabled {
		t.Error("deflate was not requested")
	}
	if server.uri != "/chat" {
		t.Errorf("server saw uri %q", server.uri)
	}
}

func TestHandshakeSubProtocol(t *testing.T) {
	opts := Options{SubProtocols: []string{"graphql-ws", "mqtt"}}
	cfg := ServerConfig{SubProtocols: []string{"mqtt", "stomp"}}

	client, server := handshakePair(t, opts, cfg)
	if server.protocol != "mqtt" {
		t.Errorf("server selected %q, want mqtt", server.protocol)
	}
	if client.protocol != "mqtt" {
		t.Errorf("client saw %q, want mqtt", client.protocol)
	}
}

func TestHandshakeDeflate(t *testing.T) {
	opts := Options{Deflate: deflate.DefaultOptions()}
	cfg := ServerConfig{Deflate: deflate.DefaultOptions()}

	client, server := handshakePair(t, opts, cfg)
	if !client.deflate.Enabled {
		t.Error("client should have negotiated deflate")
	}
	if !server.deflate.Enabled {
		t.Error("server should have negotiated deflate")
	}
}

func TestHandshakeDeflateDeclined(t *testing.T) {
	opts := Options{Deflate: deflate.DefaultOptions()}

	client, _ := handshakePair(t, opts, ServerConfig{})
	if client.deflate.Enabled {
		t.Error("server did not enable deflate, client must disable it")
	}
}

// rawHandshakeExchange sends a raw request and returns the raw response
// head, for server-side validation tests.
func rawHandshakeExchange(t *testing.T, request string) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		sc := socket.New(conn)
		req, err := httpmsg.ReadRequest(ctx, sc)
		if err != nil {
			return
		}
		serverHandshake(ctx, sc, req, ServerConfig{})
		time.Sleep(100 * time.Millisecond)
	}()

	raw, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	if _, err := raw.Write([]byte(request)); err != nil {
		t.Fatal(err)
	}

	sc := socket.New(raw)
	status, err := sc.ReadLine(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return status
}

func TestServerHandshakeRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{
			name:    "missing key",
			request: "GET /chat HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nSec-WebSocket-Version: 13\r\n\r\n",
		},
		{
			name:    "wrong method",
			request: "POST /chat HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nSec-WebSocket-Key: abc\r\nSec-WebSocket-Version: 13\r\n\r\n",
		},
		{
			name:    "wrong version",
			request: "GET /chat HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nSec-WebSocket-Key: abc\r\nSec-WebSocket-Version: 8\r\n\r\n",
		},
		{
			name:    "missing upgrade",
			request: "GET /chat HTTP/1.1\r\nHost: x\r\nSec-WebSocket-Key: abc\r\nSec-WebSocket-Version: 13\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := rawHandshakeExchange(t, tt.request)
			if !strings.Contains(status, "400") {
				t.Errorf("expected 400 response, got %q", status)
			}
		})
	}
}

func TestServerHandshakeFirefoxUpgrade(t *testing.T) {
	request := "GET /chat HTTP/1.1\r\nHost: x\r\nUpgrade: keep-alive, Upgrade\r\nConnection: keep-alive, Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	status := rawHandshakeExchange(t, request)
	if !strings.Contains(status, "101") {
		t.Errorf("firefox-style upgrade should be accepted, got %q", status)
	}
}
