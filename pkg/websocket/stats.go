// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats accumulates per-endpoint traffic counters. All counters are
// monotonic until Reset; ConnectionStart is re-stamped on every
// successful handshake.
type Stats struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	pingsSent        atomic.Int64
	pingsReceived    atomic.Int64
	pongsSent        atomic.Int64
	pongsReceived    atomic.Int64

	mu    sync.Mutex
	start time.Time
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	PingsSent        int64
	PingsReceived    int64
	PongsSent        int64
	PongsReceived    int64
	ConnectionStart  time.Time
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	start := s.start
	s.mu.Unlock()

	return StatsSnapshot{
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		PingsSent:        s.pingsSent.Load(),
		PingsReceived:    s.pingsReceived.Load(),
		PongsSent:        s.pongsSent.Load(),
		PongsReceived:    s.pongsReceived.Load(),
		ConnectionStart:  start,
	}
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.messagesSent.Store(0)
	s.messagesReceived.Store(0)
	s.bytesSent.Store(0)
	s.bytesReceived.Store(0)
	s.pingsSent.Store(0)
	s.pingsReceived.Store(0)
	s.pongsSent.Store(0)
	s.pongsReceived.Store(0)

	s.mu.Lock()
	s.start = time.Time{}
	s.mu.Unlock()
}

// markConnected stamps a fresh connection start time.
func (s *Stats) markConnected() {
	s.mu.Lock()
	s.start = time.Now()
	s.mu.Unlock()
}
