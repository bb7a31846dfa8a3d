// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package httpfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/absmach/websock/pkg/httpmsg"
)

func newRequest(method, uri string, headers map[string]string) *httpmsg.Request {
	h := httpmsg.NewHeaders()
	for k, v := range headers {
		h.Set(k, v)
	}
	return &httpmsg.Request{Method: method, URI: uri, Version: "HTTP/1.1", Headers: h}
}

func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>home</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte("console.log('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "data.bin"), bytes.Repeat([]byte{0xAB}, 1000), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestServeIndexRemap(t *testing.T) {
	h := New(Config{Root: setupRoot(t)})

	resp := h.Serve(newRequest("GET", "/", nil), "1.2.3.4:5")
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if string(resp.Body) != "<html>home</html>" {
		t.Errorf("body = %q", resp.Body)
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "text/html" {
		t.Errorf("content type = %q", ct)
	}
}

func TestMimeBySuffix(t *testing.T) {
	h := New(Config{Root: setupRoot(t)})

	resp := h.Serve(newRequest("GET", "/app.js", nil), "")
	if ct := resp.Headers.Get("Content-Type"); ct != "application/x-javascript" {
		t.Errorf("js content type = %q", ct)
	}

	resp = h.Serve(newRequest("GET", "/data.bin", nil), "")
	if ct := resp.Headers.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("unknown suffix content type = %q", ct)
	}
}

func TestNotFound(t *testing.T) {
	h := New(Config{Root: setupRoot(t)})
	resp := h.Serve(newRequest("GET", "/missing.txt", nil), "")
	if resp.Status != 404 {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestPathTraversalBlocked(t *testing.T) {
	root := setupRoot(t)
	// A secret outside the root.
	secret := filepath.Join(filepath.Dir(root), "secret.txt")
	os.WriteFile(secret, []byte("secret"), 0o644)
	defer os.Remove(secret)

	h := New(Config{Root: root})
	resp := h.Serve(newRequest("GET", "/../secret.txt", nil), "")
	if resp.Status == 200 && string(resp.Body) == "secret" {
		t.Error("path traversal escaped the root")
	}
}

func TestETagRevalidation(t *testing.T) {
	h := New(Config{Root: setupRoot(t)})

	first := h.Serve(newRequest("GET", "/index.html", nil), "")
	etag := first.Headers.Get("ETag")
	if etag == "" {
		t.Fatal("no ETag on response")
	}

	second := h.Serve(newRequest("GET", "/index.html", map[string]string{"If-None-Match": etag}), "")
	if second.Status != 304 {
		t.Errorf("revalidation status = %d, want 304", second.Status)
	}
	if len(second.Body) != 0 {
		t.Error("304 must not carry a body")
	}

	third := h.Serve(newRequest("GET", "/index.html", map[string]string{"If-None-Match": `"stale"`}), "")
	if third.Status != 200 {
		t.Errorf("stale etag status = %d, want 200", third.Status)
	}
}

func TestRangeRequest(t *testing.T) {
	h := New(Config{Root: setupRoot(t)})

	resp := h.Serve(newRequest("GET", "/data.bin", map[string]string{"Range": "bytes=10-19"}), "")
	if resp.Status != 206 {
		t.Fatalf("status = %d, want 206", resp.Status)
	}
	if len(resp.Body) != 10 {
		t.Errorf("range body length = %d", len(resp.Body))
	}
	if cr := resp.Headers.Get("Content-Range"); cr != "bytes 10-19/1000" {
		t.Errorf("content range = %q", cr)
	}

	// Open-ended range runs to the end.
	resp = h.Serve(newRequest("GET", "/data.bin", map[string]string{"Range": "bytes=990-"}), "")
	if resp.Status != 206 || len(resp.Body) != 10 {
		t.Errorf("open range: status=%d len=%d", resp.Status, len(resp.Body))
	}

	// Unsatisfiable range falls back to the full body.
	resp = h.Serve(newRequest("GET", "/data.bin", map[string]string{"Range": "bytes=5000-6000"}), "")
	if resp.Status != 200 {
		t.Errorf("unsatisfiable range status = %d", resp.Status)
	}
}

func TestOptionsPreflight(t *testing.T) {
	h := New(Config{Root: setupRoot(t)})

	resp := h.Serve(newRequest("OPTIONS", "/index.html", map[string]string{"Origin": "http://other.example"}), "")
	if resp.Status != 204 {
		t.Fatalf("status = %d, want 204", resp.Status)
	}
	if resp.Headers.Get("Access-Control-Allow-Origin") != "http://other.example" {
		t.Error("origin not echoed")
	}
	if resp.Headers.Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing allow-methods")
	}
}

func TestCORSOnGet(t *testing.T) {
	h := New(Config{Root: setupRoot(t)})

	resp := h.Serve(newRequest("GET", "/index.html", map[string]string{"Origin": "http://other.example"}), "")
	if resp.Headers.Get("Access-Control-Allow-Origin") != "http://other.example" {
		t.Error("origin not echoed on GET")
	}

	plain := h.Serve(newRequest("GET", "/index.html", nil), "")
	if plain.Headers.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers present without Origin")
	}
}

func TestGzipBody(t *testing.T) {
	h := New(Config{Root: setupRoot(t), EnableGzip: true})

	resp := h.Serve(newRequest("GET", "/index.html", map[string]string{"Accept-Encoding": "gzip, deflate"}), "")
	if resp.Headers.Get("Content-Encoding") != "gzip" {
		t.Fatal("body not gzipped")
	}
	body, err := httpmsg.GunzipBytes(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "<html>home</html>" {
		t.Errorf("unzipped body = %q", body)
	}

	// Without Accept-Encoding the body stays plain.
	resp = h.Serve(newRequest("GET", "/index.html", nil), "")
	if resp.Headers.Get("Content-Encoding") != "" {
		t.Error("gzip applied without Accept-Encoding")
	}
	if !strings.Contains(string(resp.Body), "home") {
		t.Error("plain body mangled")
	}
}
