// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/websock/pkg/metrics"
	"github.com/absmach/websock/pkg/server/ws"
	"github.com/absmach/websock/pkg/websocket"
)

// instrumentedHandler echoes data messages and feeds the Prometheus
// counters.
type instrumentedHandler struct {
	logger *slog.Logger
	m      *metrics.Metrics
}

var _ ws.Handler = (*instrumentedHandler)(nil)

func newInstrumentedHandler(logger *slog.Logger, m *metrics.Metrics) *instrumentedHandler {
	return &instrumentedHandler{logger: logger, m: m}
}

func (h *instrumentedHandler) OnConnect(ctx context.Context, client *ws.Client) error {
	h.m.TotalConnections.WithLabelValues("server", "accepted").Inc()
	h.logger.Info("client connected",
		slog.String("session", client.ID),
		slog.String("remote", client.RemoteAddr))
	return nil
}

func (h *instrumentedHandler) OnMessage(ctx context.Context, client *ws.Client, msg *websocket.Message) {
	switch msg.Type {
	case websocket.MessageData:
		kind := "text"
		if msg.Binary {
			kind = "binary"
		}
		h.m.MessagesTotal.WithLabelValues("inbound", kind).Inc()
		h.m.MessageSize.WithLabelValues("inbound").Observe(float64(len(msg.Data)))

		if info := client.Conn.Send(msg.Data, msg.Binary, nil); info.Success {
			h.m.MessagesTotal.WithLabelValues("outbound", kind).Inc()
			h.m.MessageSize.WithLabelValues("outbound").Observe(float64(len(msg.Data)))
		}

	case websocket.MessagePing:
		h.m.PingsTotal.WithLabelValues("inbound").Inc()

	case websocket.MessagePong:
		h.m.PongsTotal.WithLabelValues("inbound").Inc()

	case websocket.MessageError:
		h.m.ConnectionErrors.WithLabelValues("server", "transport").Inc()
		h.logger.Warn("client error",
			slog.String("session", client.ID),
			slog.String("reason", msg.Error.Reason))
	}
}

func (h *instrumentedHandler) OnDisconnect(ctx context.Context, client *ws.Client, info websocket.CloseInfo) {
	stats := client.Conn.Stats()
	if !stats.ConnectionStart.IsZero() {
		h.m.ConnectionDuration.WithLabelValues("server").Observe(time.Since(stats.ConnectionStart).Seconds())
	}
	h.m.TotalConnections.WithLabelValues("server", "closed").Inc()

	h.logger.Info("client disconnected",
		slog.String("session", client.ID),
		slog.Int("code", int(info.Code)),
		slog.String("reason", info.Reason))
}
