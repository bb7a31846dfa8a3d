// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for websock.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for websock endpoints and
// servers.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Handshake metrics
	HandshakeDuration *prometheus.HistogramVec
	HandshakeFailures *prometheus.CounterVec

	// Traffic metrics
	MessagesTotal *prometheus.CounterVec
	BytesTotal    *prometheus.CounterVec
	MessageSize   *prometheus.HistogramVec

	// Liveness metrics
	PingsTotal *prometheus.CounterVec
	PongsTotal *prometheus.CounterVec

	// Supervisor metrics
	Reconnections  *prometheus.CounterVec
	BackoffSeconds *prometheus.HistogramVec

	// Server metrics
	RejectedConnections *prometheus.CounterVec
	BackpressureEvents  *prometheus.CounterVec
}

// New creates a Metrics instance registered with the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "websock"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open WebSocket connections",
			},
			[]string{"role"},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of WebSocket connections",
			},
			[]string{"role", "status"},
		),
		ConnectionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors",
			},
			[]string{"role", "error_type"},
		),
		ConnectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection lifetime in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"role"},
		),
		HandshakeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Upgrade handshake duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"role"},
		),
		HandshakeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_failures_total",
				Help:      "Total number of failed upgrade handshakes",
			},
			[]string{"role", "reason"},
		),
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of WebSocket messages",
			},
			[]string{"direction", "kind"},
		),
		BytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total frame bytes on the wire",
			},
			[]string{"direction"},
		),
		MessageSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Message payload sizes",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"direction"},
		),
		PingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pings_total",
				Help:      "Total pings sent and received",
			},
			[]string{"direction"},
		),
		PongsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pongs_total",
				Help:      "Total pongs sent and received",
			},
			[]string{"direction"},
		),
		Reconnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnections_total",
				Help:      "Total reconnection attempts",
			},
			[]string{"url", "result"},
		),
		BackoffSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backoff_seconds",
				Help:      "Backoff waits between reconnection attempts",
				Buckets:   []float64{.001, .01, .1, .5, 1, 2, 5, 10},
			},
			[]string{"url"},
		),
		RejectedConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_connections_total",
				Help:      "Connections rejected before upgrade",
			},
			[]string{"reason"},
		),
		BackpressureEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_events_total",
				Help:      "Backpressure threshold crossings",
			},
			[]string{"direction"},
		),
	}
}
