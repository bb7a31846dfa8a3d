// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package socket wraps a net.Conn with cancellable line and byte-block I/O.
//
// All blocking operations take a context. Cancellation is implemented by
// running the underlying read or write in short deadline slices and
// checking the context between slices, so a cancelled context interrupts
// an idle peer within one slice.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	// MaxLineLength bounds a single CRLF-terminated line.
	MaxLineLength = 8192

	// pollInterval is the deadline slice used to observe cancellation.
	pollInterval = 100 * time.Millisecond

	// readChunkSize is the block size for large body reads.
	readChunkSize = 32 * 1024
)

var (
	// ErrLineTooLong is returned when a line exceeds MaxLineLength.
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

// ProgressFunc reports progress of a long read. Returning false cancels
// the operation.
type ProgressFunc func(done, total int) bool

// ChunkFunc receives each block of a streamed read. The slice is only
// valid for the duration of the call.
type ChunkFunc func(chunk []byte)

// Conn is a byte-stream socket over plaintext TCP or TLS.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
}

// Dial opens a TCP connection to addr, honoring the context deadline.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// New wraps an established connection.
func New(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		br:   bufio.NewReader(conn),
	}
}

// StartTLS layers a TLS client session over the connection and performs
// the TLS handshake. The wrapper's buffered reader must be empty, which
// holds before any application data is exchanged.
func (c *Conn) StartTLS(ctx context.Context, config *tls.Config) error {
	if c.br.Buffered() > 0 {
		return errors.New("cannot start TLS with buffered plaintext")
	}
	tlsConn := tls.Client(c.conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake failed: %w", err)
	}
	c.conn = tlsConn
	c.br.Reset(tlsConn)
	return nil
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Buffered returns the number of bytes sitting in the read buffer.
func (c *Conn) Buffered() int {
	return c.br.Buffered()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// readByte reads one byte, observing ctx between deadline slices.
func (c *Conn) readByte(ctx context.Context) (byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		c.conn.SetReadDeadline(sliceDeadline(ctx))
		b, err := c.br.ReadByte()
		if err == nil {
			return b, nil
		}
		if isTimeout(err) {
			continue
		}
		return 0, err
	}
}

// ReadLine reads a CRLF-terminated line and returns it without the
// terminator. Lines longer than MaxLineLength fail.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	line := make([]byte, 0, 64)
	for {
		b, err := c.readByte(ctx)
		if err != nil {
			return "", err
		}
		line = append(line, b)
		if len(line) > MaxLineLength {
			return "", ErrLineTooLong
		}
		if n := len(line); n >= 2 && line[n-2] == '\r' && line[n-1] == '\n' {
			return string(line[:n-2]), nil
		}
	}
}

// ReadBytes reads exactly n bytes.
func (c *Conn) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	return c.ReadBytesFunc(ctx, n, nil, nil)
}

// ReadBytesFunc reads exactly n bytes in chunks. When onChunk is set,
// chunks are streamed through it and the returned slice is nil; otherwise
// the bytes are accumulated and returned. onProgress, when set, is called
// after each chunk and may cancel the read by returning false.
func (c *Conn) ReadBytesFunc(ctx context.Context, n int, onProgress ProgressFunc, onChunk ChunkFunc) ([]byte, error) {
	var out []byte
	if onChunk == nil {
		out = make([]byte, 0, n)
	}

	chunk := make([]byte, readChunkSize)
	done := 0
	for done < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		want := n - done
		if want > len(chunk) {
			want = len(chunk)
		}

		c.conn.SetReadDeadline(sliceDeadline(ctx))
		read, err := c.br.Read(chunk[:want])
		if read > 0 {
			done += read
			if onChunk != nil {
				onChunk(chunk[:read])
			} else {
				out = append(out, chunk[:read]...)
			}
			if onProgress != nil && !onProgress(done, n) {
				return nil, context.Canceled
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
	}
	return out, nil
}

// WriteBytes writes all of p.
func (c *Conn) WriteBytes(ctx context.Context, p []byte) error {
	written := 0
	for written < len(p) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.conn.SetWriteDeadline(sliceDeadline(ctx))
		n, err := c.conn.Write(p[written:])
		written += n
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// sliceDeadline returns the next deadline slice, clipped to the context
// deadline when that is sooner.
func sliceDeadline(ctx context.Context) time.Time {
	d := time.Now().Add(pollInterval)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
