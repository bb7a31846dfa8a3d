// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package deflate implements the permessage-deflate WebSocket extension
// (RFC 7692).
//
// Messages are compressed as raw deflate streams terminated by a sync
// flush; the trailing 0x00 0x00 0xFF 0xFF marker is stripped on the wire
// and re-appended before inflating. When context takeover is negotiated
// for a direction, the compression window carries across messages; with
// no_context_takeover the stream state is reset after every message.
//
// The standard library's flate always uses a 32 KiB window. Negotiated
// max_window_bits values are validated and echoed, and a smaller remote
// window only means the peer compresses with less history, which this
// side inflates fine.
package deflate

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ExtensionName is the Sec-WebSocket-Extensions token.
const ExtensionName = "permessage-deflate"

// maxWindowSize is the flate window: 1 << 15.
const maxWindowSize = 32768

// flushTail is the sync flush marker stripped from and re-appended to
// every compressed message.
var flushTail = []byte{0x00, 0x00, 0xFF, 0xFF}

// Options carries the four standard permessage-deflate parameters.
type Options struct {
	// Enabled reports whether the extension is active at all.
	Enabled bool

	// ServerNoContextTakeover resets the server-to-client stream after
	// every message.
	ServerNoContextTakeover bool

	// ClientNoContextTakeover resets the client-to-server stream after
	// every message.
	ClientNoContextTakeover bool

	// ServerMaxWindowBits bounds the server compression window (8-15).
	ServerMaxWindowBits int

	// ClientMaxWindowBits bounds the client compression window (8-15).
	ClientMaxWindowBits int
}

// DefaultOptions returns an enabled configuration with full windows and
// context takeover in both directions.
func DefaultOptions() Options {
	return Options{
		Enabled:             true,
		ServerMaxWindowBits: 15,
		ClientMaxWindowBits: 15,
	}
}

// Offer formats the client's Sec-WebSocket-Extensions request value.
func (o Options) Offer() string {
	params := []string{ExtensionName}
	if o.ServerNoContextTakeover {
		params = append(params, "server_no_context_takeover")
	}
	if o.ClientNoContextTakeover {
		params = append(params, "client_no_context_takeover")
	}
	if o.ServerMaxWindowBits > 0 && o.ServerMaxWindowBits < 15 {
		params = append(params, "server_max_window_bits="+strconv.Itoa(o.ServerMaxWindowBits))
	}
	if o.ClientMaxWindowBits > 0 {
		params = append(params, "client_max_window_bits="+strconv.Itoa(o.ClientMaxWindowBits))
	}
	return strings.Join(params, "; ")
}

// ResponseValue formats the server's Sec-WebSocket-Extensions response
// value for the negotiated options.
func (o Options) ResponseValue() string {
	params := []string{ExtensionName}
	if o.ServerNoContextTakeover {
		params = append(params, "server_no_context_takeover")
	}
	if o.ClientNoContextTakeover {
		params = append(params, "client_no_context_takeover")
	}
	if o.ServerMaxWindowBits > 0 && o.ServerMaxWindowBits < 15 {
		params = append(params, "server_max_window_bits="+strconv.Itoa(o.ServerMaxWindowBits))
	}
	if o.ClientMaxWindowBits > 0 && o.ClientMaxWindowBits < 15 {
		params = append(params, "client_max_window_bits="+strconv.Itoa(o.ClientMaxWindowBits))
	}
	return strings.Join(params, "; ")
}

// ParseExtension parses a Sec-WebSocket-Extensions header value. An empty
// value or one naming a different extension yields a disabled Options.
func ParseExtension(value string) (Options, error) {
	opts := Options{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
	if value == "" {
		return opts, nil
	}

	parts := strings.Split(value, ";")
	name := strings.TrimSpace(parts[0])
	if name != ExtensionName {
		return opts, nil
	}
	opts.Enabled = true

	for _, raw := range parts[1:] {
		param := strings.TrimSpace(raw)
		if param == "" {
			continue
		}

		key, val, hasVal := strings.Cut(param, "=")
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"`)

		switch key {
		case "server_no_context_takeover":
			opts.ServerNoContextTakeover = true
		case "client_no_context_takeover":
			opts.ClientNoContextTakeover = true
		case "server_max_window_bits":
			bits, err := parseWindowBits(val, hasVal)
			if err != nil {
				return Options{}, err
			}
			opts.ServerMaxWindowBits = bits
		case "client_max_window_bits":
			// The bare form in an offer means "pick for me".
			bits := 15
			if hasVal {
				var err error
				bits, err = parseWindowBits(val, true)
				if err != nil {
					return Options{}, err
				}
			}
			opts.ClientMaxWindowBits = bits
		default:
			return Options{}, fmt.Errorf("unknown permessage-deflate parameter %q", key)
		}
	}
	return opts, nil
}

func parseWindowBits(val string, hasVal bool) (int, error) {
	if !hasVal || val == "" {
		return 0, fmt.Errorf("missing window bits value")
	}
	bits, err := strconv.Atoi(val)
	if err != nil || bits < 8 || bits > 15 {
		return 0, fmt.Errorf("invalid window bits %q", val)
	}
	return bits, nil
}

// Negotiate combines a client offer with the server's configuration into
// the agreed parameters. A direction loses context takeover when either
// side asks for that.
func Negotiate(client, server Options) Options {
	agreed := Options{
		Enabled:                 client.Enabled && server.Enabled,
		ServerNoContextTakeover: client.ServerNoContextTakeover || server.ServerNoContextTakeover,
		ClientNoContextTakeover: client.ClientNoContextTakeover || server.ClientNoContextTakeover,
		ServerMaxWindowBits:     minBits(client.ServerMaxWindowBits, server.ServerMaxWindowBits),
		ClientMaxWindowBits:     minBits(client.ClientMaxWindowBits, server.ClientMaxWindowBits),
	}
	return agreed
}

func minBits(a, b int) int {
	if a == 0 {
		a = 15
	}
	if b == 0 {
		b = 15
	}
	if a < b {
		return a
	}
	return b
}

// Codec compresses outbound and inflates inbound message payloads for
// one endpoint. It is not safe for concurrent use; the transport owns it.
type Codec struct {
	compressTakeover   bool
	decompressTakeover bool

	cw   *flate.Writer
	cbuf bytes.Buffer

	// window is the sliding dictionary of inbound decompressed bytes,
	// maintained only when the inbound direction keeps context.
	window []byte
}

// NewCodec builds a codec for the negotiated options. The server flag
// selects which directions the *_no_context_takeover parameters apply to.
func NewCodec(opts Options, server bool) (*Codec, error) {
	if !opts.Enabled {
		return nil, fmt.Errorf("permessage-deflate not negotiated")
	}

	c := &Codec{}
	if server {
		c.compressTakeover = !opts.ServerNoContextTakeover
		c.decompressTakeover = !opts.ClientNoContextTakeover
	} else {
		c.compressTakeover = !opts.ClientNoContextTakeover
		c.decompressTakeover = !opts.ServerNoContextTakeover
	}

	var err error
	c.cw, err = flate.NewWriter(&c.cbuf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Compress deflates one whole message payload and strips the trailing
// sync flush marker.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	c.cbuf.Reset()
	if _, err := c.cw.Write(data); err != nil {
		return nil, err
	}
	if err := c.cw.Flush(); err != nil {
		return nil, err
	}

	out := c.cbuf.Bytes()
	if len(out) >= len(flushTail) {
		out = out[:len(out)-len(flushTail)]
	}
	result := make([]byte, len(out))
	copy(result, out)

	if !c.compressTakeover {
		c.cw.Reset(&c.cbuf)
	}
	return result, nil
}

// Decompress re-appends the sync flush marker and inflates one message
// payload. With context takeover the last 32 KiB of output feed the next
// message's dictionary.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	src := make([]byte, 0, len(data)+len(flushTail)+5)
	src = append(src, data...)
	src = append(src, flushTail...)
	// A final empty stored block ends the stream so the reader stops
	// cleanly instead of reporting an unexpected EOF.
	src = append(src, 0x01, 0x00, 0x00, 0xff, 0xff)

	var fr io.ReadCloser
	if c.decompressTakeover {
		fr = flate.NewReaderDict(bytes.NewReader(src), c.window)
	} else {
		fr = flate.NewReader(bytes.NewReader(src))
	}
	defer fr.Close()

	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("inflate failed: %w", err)
	}

	if c.decompressTakeover {
		c.window = append(c.window, out...)
		if len(c.window) > maxWindowSize {
			c.window = c.window[len(c.window)-maxWindowSize:]
		}
	}
	return out, nil
}
