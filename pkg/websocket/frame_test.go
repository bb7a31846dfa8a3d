// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/absmach/websock/pkg/errors"
	"github.com/absmach/websock/pkg/socket"
)

// framePipe writes encoded bytes into one end of a TCP pair and parses
// them from the other.
func framePipe(t *testing.T) (writer net.Conn, reader *socket.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	writer, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server := <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}

	t.Cleanup(func() {
		writer.Close()
		server.Close()
	})
	return writer, socket.New(server)
}

func TestFramingRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 127, 65535, 65536, 1_000_000}
	opcodes := []Opcode{OpText, OpBinary}

	for _, opcode := range opcodes {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s_%d", opcode, size), func(t *testing.T) {
				writer, reader := framePipe(t)

				payload := make([]byte, size)
				if opcode == OpText {
					for i := range payload {
						payload[i] = byte('a' + i%26)
					}
				} else {
					rand.Read(payload)
				}

				// Encode as a client: masked.
				key, err := newMaskKey()
				if err != nil {
					t.Fatal(err)
				}
				frame := Frame{
					Fin:     true,
					Opcode:  opcode,
					Masked:  true,
					MaskKey: key,
					Payload: payload,
				}
				encoded := EncodeFrame(frame)

				writeDone := make(chan error, 1)
				go func() {
					_, err := writer.Write(encoded)
					writeDone <- err
				}()

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				got, err := ReadFrame(ctx, reader, 0)
				if err != nil {
					t.Fatalf("ReadFrame failed: %v", err)
				}
				if werr := <-writeDone; werr != nil {
					t.Fatalf("write failed: %v", werr)
				}

				if !got.Fin {
					t.Error("fin lost")
				}
				if got.Opcode != opcode {
					t.Errorf("opcode = %v, want %v", got.Opcode, opcode)
				}
				if !got.Masked {
					t.Error("mask flag lost")
				}
				if got.MaskKey != key {
					t.Error("mask key mismatch")
				}
				if !bytes.Equal(got.Payload, payload) {
					t.Errorf("payload mismatch for size %d", size)
				}
				// The original payload must not have been masked in place.
				if size > 0 && opcode == OpText && payload[0] != 'a' {
					t.Error("EncodeFrame mutated the caller's payload")
				}
			})
		}
	}
}

func TestEncodeFrameUnmasked(t *testing.T) {
	writer, reader := framePipe(t)

	payload := []byte("server frame")
	go writer.Write(EncodeFrame(Frame{Fin: true, Opcode: OpText, Payload: payload}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := ReadFrame(ctx, reader, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Masked {
		t.Error("frame should be unmasked")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("payload mismatch")
	}
}

func TestReadFrameRejectsProtocolViolations(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{
			name: "reserved opcode",
			raw:  []byte{0x83, 0x00}, // fin + opcode 0x3
		},
		{
			name: "reserved bits",
			raw:  []byte{0xB1, 0x00}, // fin + rsv2 + text
		},
		{
			name: "fragmented ping",
			raw:  []byte{0x09, 0x00}, // ping without fin
		},
		{
			name: "oversized close",
			raw:  []byte{0x88, 126, 0x00, 0x80}, // close with 128 byte payload
		},
		{
			name: "compressed ping",
			raw:  []byte{0xC9, 0x00}, // fin + rsv1 + ping
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer, reader := framePipe(t)
			go writer.Write(tt.raw)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, err := ReadFrame(ctx, reader, 0)
			if !stderrors.Is(err, errors.ErrProtocolViolation) {
				t.Errorf("expected ErrProtocolViolation, got %v", err)
			}
		})
	}
}

func TestReadFrameEnforcesMaxPayload(t *testing.T) {
	writer, reader := framePipe(t)

	big := make([]byte, 2000)
	go writer.Write(EncodeFrame(Frame{Fin: true, Opcode: OpBinary, Payload: big}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := ReadFrame(ctx, reader, 1000)
	if !stderrors.Is(err, errors.ErrMessageTooBig) {
		t.Errorf("expected ErrMessageTooBig, got %v", err)
	}
}

func TestMaskBytesRoundTrip(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	payload := []byte("masking is an involution")
	original := append([]byte(nil), payload...)

	maskBytes(key, 0, payload)
	if bytes.Equal(payload, original) {
		t.Fatal("masking changed nothing")
	}
	maskBytes(key, 0, payload)
	if !bytes.Equal(payload, original) {
		t.Fatal("unmasking did not restore the payload")
	}
}
