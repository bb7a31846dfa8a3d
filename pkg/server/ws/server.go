// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/websock/pkg/deflate"
	"github.com/absmach/websock/pkg/httpmsg"
	"github.com/absmach/websock/pkg/netutil"
	"github.com/absmach/websock/pkg/ratelimit"
	"github.com/absmach/websock/pkg/socket"
	"github.com/absmach/websock/pkg/websocket"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the
	// configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// HTTPHandlerFunc answers plain HTTP requests that are not WebSocket
// upgrades.
type HTTPHandlerFunc func(req *httpmsg.Request, remoteAddr string) *httpmsg.Response

// Config holds the WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// TLSConfig is optional TLS configuration for the listener.
	TLSConfig *tls.Config

	// MaxConnectionsPerIP rejects further concurrent connections from
	// one IP. Zero disables the cap.
	MaxConnectionsPerIP int

	// HandshakeTimeout bounds reading and answering the upgrade
	// request (default 5s).
	HandshakeTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for active
	// connections to drain during graceful shutdown (default 30s).
	ShutdownTimeout time.Duration

	// SubProtocols are offered for sub-protocol negotiation.
	SubProtocols []string

	// Deflate enables permessage-deflate negotiation.
	Deflate deflate.Options

	// ServerHeader overrides the Server response header.
	ServerHeader string

	// ConnOptions configures the per-connection transport (timeouts,
	// chunking, message size limits). URL is ignored.
	ConnOptions websocket.Options

	// HTTPHandler answers non-upgrade requests. Nil answers 404.
	HTTPHandler HTTPHandlerFunc

	// Logger for server events.
	Logger *slog.Logger
}

// Client is one connected WebSocket peer.
type Client struct {
	// ID is the session identifier.
	ID string

	// RemoteAddr is the peer address.
	RemoteAddr string

	// Conn is the upgraded connection.
	Conn *websocket.Conn
}

// Server accepts connections, demuxes HTTP from WebSocket upgrades, and
// tracks connected clients.
type Server struct {
	config  Config
	handler Handler
	tracker *ratelimit.IPTracker

	mu      sync.RWMutex
	clients map[string]*Client

	wg sync.WaitGroup
}

// New creates a server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if h == nil {
		h = &NoopHandler{}
	}

	return &Server{
		config:  cfg,
		handler: h,
		tracker: ratelimit.NewIPTracker(cfg.MaxConnectionsPerIP),
		clients: make(map[string]*Client),
	}
}

// Listen starts the server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the accept loop on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	s.config.Logger.Info("websocket server started", slog.String("address", listener.Addr().String()))

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Ask every live client to close, then drain with a timeout.
	for _, c := range s.Clients() {
		c.Conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// handleConn enforces the per-IP cap, reads the first request, and
// routes it to the WebSocket upgrade or the HTTP handler.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) error {
	defer raw.Close()

	remoteAddr := raw.RemoteAddr().String()
	remoteIP := netutil.RemoteIP(remoteAddr)

	if err := s.tracker.Acquire(remoteIP); err != nil {
		s.config.Logger.Warn("connection rejected",
			slog.String("remote", remoteAddr),
			slog.String("reason", "per-ip connection limit"))
		resp := &httpmsg.Response{Status: 429, Reason: "Too Many Requests"}
		raw.SetWriteDeadline(time.Now().Add(time.Second))
		raw.Write(resp.Encode())
		return nil
	}
	defer s.tracker.Release(remoteIP)

	sc := socket.New(raw)

	hsCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	req, err := httpmsg.ReadRequest(hsCtx, sc)
	if err != nil {
		cancel()
		return err
	}

	if isUpgradeRequest(req) {
		defer cancel()
		return s.handleWebSocket(ctx, hsCtx, sc, req, remoteAddr)
	}
	cancel()
	return s.handleHTTP(ctx, sc, req, remoteAddr)
}

// isUpgradeRequest reports whether the request asks for a WebSocket
// upgrade.
func isUpgradeRequest(req *httpmsg.Request) bool {
	upgrade := req.Headers.Get("Upgrade")
	return strings.Contains(strings.ToLower(upgrade), "websocket") ||
		strings.EqualFold(upgrade, "keep-alive, Upgrade")
}

// handleWebSocket drives the upgrade and runs the connection.
func (s *Server) handleWebSocket(ctx, hsCtx context.Context, sc *socket.Conn, req *httpmsg.Request, remoteAddr string) error {
	cfg := websocket.ServerConfig{
		SubProtocols: s.config.SubProtocols,
		Deflate:      s.config.Deflate,
		ServerHeader: s.config.ServerHeader,
	}

	conn, err := websocket.Upgrade(hsCtx, sc, req, cfg, s.config.ConnOptions)
	if err != nil {
		return fmt.Errorf("upgrade failed: %w", err)
	}

	client := &Client{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		Conn:       conn,
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
	}()

	if err := s.handler.OnConnect(ctx, client); err != nil {
		s.config.Logger.Debug("connection refused by handler",
			slog.String("session", client.ID),
			slog.String("error", err.Error()))
		conn.Close(websocket.ClosePolicyViolation, err.Error())
		conn.Run(ctx)
		return nil
	}

	s.config.Logger.Debug("client connected",
		slog.String("session", client.ID),
		slog.String("remote", remoteAddr),
		slog.String("uri", req.URI))

	conn.SetOnMessage(func(msg *websocket.Message) {
		s.handler.OnMessage(ctx, client, msg)
	})

	info := conn.Run(ctx)

	s.handler.OnDisconnect(ctx, client, info)
	s.config.Logger.Debug("client disconnected",
		slog.String("session", client.ID),
		slog.Int("code", int(info.Code)))
	return nil
}

// handleHTTP serves plain requests, honoring keep-alive.
func (s *Server) handleHTTP(ctx context.Context, sc *socket.Conn, req *httpmsg.Request, remoteAddr string) error {
	for {
		var resp *httpmsg.Response
		if s.config.HTTPHandler != nil {
			resp = s.config.HTTPHandler(req, remoteAddr)
		}
		if resp == nil {
			resp = &httpmsg.Response{Status: 404, Reason: "Not Found"}
		}
		if resp.Headers == nil {
			resp.Headers = httpmsg.NewHeaders()
		}
		if !resp.Headers.Has("Server") {
			serverHeader := s.config.ServerHeader
			if serverHeader == "" {
				serverHeader = websocket.UserAgent
			}
			resp.Headers.Set("Server", serverHeader)
		}

		writeCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
		err := sc.WriteBytes(writeCtx, resp.Encode())
		cancel()
		if err != nil {
			return err
		}

		if strings.EqualFold(req.Headers.Get("Connection"), "close") {
			return nil
		}

		readCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
		req, err = httpmsg.ReadRequest(readCtx, sc)
		cancel()
		if err != nil {
			return nil
		}
		if isUpgradeRequest(req) {
			hsCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
			defer cancel()
			return s.handleWebSocket(ctx, hsCtx, sc, req, remoteAddr)
		}
	}
}

// Clients returns a snapshot of the connected clients.
func (s *Server) Clients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends a message to every connected client.
func (s *Server) Broadcast(data []byte, binary bool) {
	for _, c := range s.Clients() {
		c.Conn.Send(data, binary, nil)
	}
}
