// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"time"

	"github.com/absmach/websock/pkg/httpmsg"
)

// ReadyState mirrors the browser WebSocket API states.
type ReadyState int

const (
	// Connecting means the handshake has not completed yet.
	Connecting ReadyState = iota

	// Open means messages flow in both directions.
	Open

	// Closing means a Close frame was sent or received and the
	// counterpart is pending.
	Closing

	// Closed means the connection is down.
	Closed
)

// String returns the state name.
func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageType classifies events delivered to the message callback.
type MessageType int

const (
	// MessageData is a complete text or binary message.
	MessageData MessageType = iota

	// MessageOpen fires once per successful handshake.
	MessageOpen

	// MessageClose fires when the connection reaches Closed.
	MessageClose

	// MessageError reports a connection or protocol failure.
	MessageError

	// MessagePing reports a received ping.
	MessagePing

	// MessagePong reports a received pong.
	MessagePong

	// MessageFragment reports an intermediate fragment of an
	// in-progress message.
	MessageFragment
)

// String returns the event name.
func (t MessageType) String() string {
	switch t {
	case MessageData:
		return "message"
	case MessageOpen:
		return "open"
	case MessageClose:
		return "close"
	case MessageError:
		return "error"
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	case MessageFragment:
		return "fragment"
	default:
		return "unknown"
	}
}

// OpenInfo accompanies MessageOpen.
type OpenInfo struct {
	// URI is the request path of the handshake.
	URI string

	// Headers are the peer's handshake headers.
	Headers *httpmsg.Headers

	// Protocol is the negotiated sub-protocol, empty when none.
	Protocol string
}

// CloseInfo accompanies MessageClose.
type CloseInfo struct {
	// Code is the close status code, CloseNoStatus when absent.
	Code uint16

	// Reason is the close reason payload.
	Reason string

	// Remote reports whether the peer initiated the close.
	Remote bool
}

// ErrorInfo accompanies MessageError.
type ErrorInfo struct {
	// Retries counts connection attempts so far.
	Retries int

	// Wait is the backoff before the next attempt.
	Wait time.Duration

	// Reason describes the failure.
	Reason string

	// HTTPStatus carries the handshake response status, 0 when the
	// failure happened below HTTP.
	HTTPStatus int

	// DecompressionError marks a permessage-deflate inflate failure. The
	// transport does not set it: an inflate failure is flagged on the
	// MessageData event (Message.DecompressionError), and the error event
	// that follows carries only the reason.
	DecompressionError bool
}

// Message is one event delivered to the OnMessage callback.
type Message struct {
	// Type classifies the event.
	Type MessageType

	// Data is the payload for MessageData, MessagePing and MessagePong.
	Data []byte

	// Binary reports whether Data came in a Binary message.
	Binary bool

	// Open is set for MessageOpen.
	Open *OpenInfo

	// Close is set for MessageClose.
	Close *CloseInfo

	// Error is set for MessageError.
	Error *ErrorInfo

	// DecompressionError marks a MessageData whose payload failed to
	// inflate; Data then holds the raw compressed bytes.
	DecompressionError bool
}

// SendInfo reports the outcome of a send.
type SendInfo struct {
	// Success is false when the message was rejected or the write
	// failed.
	Success bool

	// Compressed reports whether the payload went out deflated.
	Compressed bool

	// WireSize is the total byte count written, headers included.
	WireSize int

	// PayloadSize is the application payload size before compression.
	PayloadSize int
}

// OnMessageFunc receives connection events on the supervisor goroutine.
// It must not call blocking endpoint operations on the same endpoint.
type OnMessageFunc func(*Message)

// OnProgressFunc observes fragmented send progress as (done, total)
// frames. Returning false cancels the remainder of the send.
type OnProgressFunc func(done, total int) bool

// OnBackpressureFunc fires on each crossing of the backpressure
// threshold with the current buffered byte count and the crossing
// direction.
type OnBackpressureFunc func(bufferedBytes int, aboveThreshold bool)

// OnTrafficFunc observes every frame written or read as (size, incoming).
type OnTrafficFunc func(size int, incoming bool)
