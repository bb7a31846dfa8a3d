// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package urlx

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    Parts
		wantErr bool
	}{
		{
			name: "ws default port",
			url:  "ws://example.com/chat",
			want: Parts{Scheme: "ws", Host: "example.com", Port: 80, Path: "/chat"},
		},
		{
			name: "wss default port",
			url:  "wss://example.com/chat",
			want: Parts{Scheme: "wss", Host: "example.com", Port: 443, Path: "/chat"},
		},
		{
			name: "explicit port",
			url:  "ws://localhost:9001/",
			want: Parts{Scheme: "ws", Host: "localhost", Port: 9001, Path: "/"},
		},
		{
			name: "empty path becomes root",
			url:  "ws://localhost:8080",
			want: Parts{Scheme: "ws", Host: "localhost", Port: 8080, Path: "/"},
		},
		{
			name: "query preserved",
			url:  "ws://localhost:8080/sub?token=abc",
			want: Parts{Scheme: "ws", Host: "localhost", Port: 8080, Path: "/sub?token=abc"},
		},
		{
			name: "ipv6 literal",
			url:  "ws://[::1]:9001/echo",
			want: Parts{Scheme: "ws", Host: "::1", Port: 9001, Path: "/echo"},
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/",
			wantErr: true,
		},
		{
			name:    "missing host",
			url:     "ws:///nohost",
			wantErr: true,
		},
		{
			name:    "bad port",
			url:     "ws://example.com:99999/",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %+v", tt.url, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.url, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.url, got, tt.want)
			}
		})
	}
}

func TestPartsSecure(t *testing.T) {
	p, err := Parse("wss://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Secure() {
		t.Error("wss URL should be secure")
	}
	if p.HostPort() != "example.com:443" {
		t.Errorf("HostPort = %q", p.HostPort())
	}
}
