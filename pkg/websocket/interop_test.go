// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/absmach/websock/pkg/deflate"
)

// These tests prove wire compatibility against an independent RFC 6455
// implementation.

func startGorillaEchoServer(t *testing.T, enableCompression bool) string {
	t.Helper()

	upgrader := gws.Upgrader{EnableCompression: enableCompression}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestInteropClientAgainstGorillaServer(t *testing.T) {
	url := startGorillaEchoServer(t, false)

	col := &messageCollector{}
	ws := newTestClient(t, url, Options{}, col)
	ws.Start()

	if col.waitFor(MessageOpen, 3*time.Second) == nil {
		t.Fatal("connection never opened")
	}

	if info := ws.SendText("interop text"); !info.Success {
		t.Fatal("text send failed")
	}
	msg := col.waitFor(MessageData, 3*time.Second)
	if msg == nil {
		t.Fatal("text echo never arrived")
	}
	if string(msg.Data) != "interop text" || msg.Binary {
		t.Errorf("echo = %q binary=%v", msg.Data, msg.Binary)
	}

	if info := ws.SendBinary([]byte{0x00, 0x01, 0xFE, 0xFF}); !info.Success {
		t.Fatal("binary send failed")
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(col.byType(MessageData)) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	msgs := col.byType(MessageData)
	if len(msgs) < 2 {
		t.Fatal("binary echo never arrived")
	}
	if !msgs[1].Binary || len(msgs[1].Data) != 4 {
		t.Errorf("binary echo = %v binary=%v", msgs[1].Data, msgs[1].Binary)
	}
}

func TestInteropClientDeflateAgainstGorillaServer(t *testing.T) {
	url := startGorillaEchoServer(t, true)

	col := &messageCollector{}
	opts := Options{Deflate: deflate.DefaultOptions()}
	ws := newTestClient(t, url, opts, col)
	ws.Start()

	if col.waitFor(MessageOpen, 3*time.Second) == nil {
		t.Fatal("connection never opened")
	}

	payload := strings.Repeat("compressed interop payload. ", 100)
	if info := ws.SendText(payload); !info.Success {
		t.Fatal("send failed")
	}

	msg := col.waitFor(MessageData, 3*time.Second)
	if msg == nil {
		t.Fatal("echo never arrived")
	}
	if string(msg.Data) != payload {
		t.Error("deflated echo mismatch through gorilla")
	}
}

func TestInteropGorillaClientAgainstOurServer(t *testing.T) {
	srv := startEchoServer(t, ServerConfig{SubProtocols: []string{"chat"}})

	dialer := gws.Dialer{
		Subprotocols:     []string{"chat"},
		HandshakeTimeout: 3 * time.Second,
	}
	conn, resp, err := dialer.Dial("ws://"+srv.addr()+"/echo", nil)
	if err != nil {
		t.Fatalf("gorilla dial failed: %v", err)
	}
	defer conn.Close()

	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "chat" {
		t.Errorf("negotiated protocol = %q", got)
	}

	if err := conn.WriteMessage(gws.TextMessage, []byte("from gorilla")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("gorilla read failed: %v", err)
	}
	if mt != gws.TextMessage || string(data) != "from gorilla" {
		t.Errorf("echo = %q type=%d", data, mt)
	}

	// Ping must come back as a pong with the same payload.
	pong := make(chan string, 1)
	conn.SetPongHandler(func(appData string) error {
		select {
		case pong <- appData:
		default:
		}
		return nil
	})
	if err := conn.WriteControl(gws.PingMessage, []byte("probe"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	// Pongs surface only while reading; issue another echo round trip.
	conn.WriteMessage(gws.TextMessage, []byte("again"))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	conn.ReadMessage()

	select {
	case payload := <-pong:
		if payload != "probe" {
			t.Errorf("pong payload = %q", payload)
		}
	default:
		t.Error("no pong received")
	}
}

func TestInteropGorillaClientGracefulClose(t *testing.T) {
	srv := startEchoServer(t, ServerConfig{})

	conn, _, err := gws.DefaultDialer.Dial("ws://"+srv.addr()+"/echo", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	closeMsg := gws.FormatCloseMessage(int(CloseNormal), "done")
	if err := conn.WriteControl(gws.CloseMessage, closeMsg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	// The server mirrors the close frame.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *gws.CloseError
	if !asCloseError(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != int(CloseNormal) {
		t.Errorf("close code = %d", ce.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(srv.closeInfos()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	infos := srv.closeInfos()
	if len(infos) != 1 || infos[0].Code != CloseNormal || !infos[0].Remote {
		t.Errorf("server close infos = %+v", infos)
	}
}

func asCloseError(err error, target **gws.CloseError) bool {
	if ce, ok := err.(*gws.CloseError); ok {
		*target = ce
		return true
	}
	return false
}
