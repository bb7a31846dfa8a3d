// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package httpfile serves static files over the plain-HTTP side of the
// WebSocket server.
//
// The handler serves files relative to a root directory with MIME
// types inferred from the suffix, ETag revalidation via If-None-Match,
// byte-range requests, CORS headers echoed for cross-origin callers,
// and optional gzip of the response body.
package httpfile

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/absmach/websock/pkg/httpmsg"
	"github.com/absmach/websock/pkg/server/ws"
)

// Config holds the static file server configuration.
type Config struct {
	// Root is the directory served under URI "/". Defaults to the
	// process working directory.
	Root string

	// EnableGzip compresses bodies when the client accepts gzip.
	EnableGzip bool

	// ServerHeader overrides the Server response header.
	ServerHeader string

	// Logger for request logging.
	Logger *slog.Logger
}

// Handler serves files per the configuration.
type Handler struct {
	config Config
}

// New creates a static file handler.
func New(cfg Config) *Handler {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{config: cfg}
}

// HandlerFunc adapts the handler to the server's HTTP hook.
func (h *Handler) HandlerFunc() ws.HTTPHandlerFunc {
	return h.Serve
}

// mimeTypes maps file suffixes to content types.
var mimeTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/x-javascript",
	".mjs":  "application/x-javascript",
	".ico":  "image/x-icon",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
}

// contentType infers the MIME type from the file suffix.
func contentType(name string) string {
	if ct, ok := mimeTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// etagFor builds a quoted hex hash of the content.
func etagFor(content []byte) string {
	h := fnv.New64a()
	h.Write(content)
	return fmt.Sprintf("%q", strconv.FormatUint(h.Sum64(), 16))
}

// Serve answers one request.
func (h *Handler) Serve(req *httpmsg.Request, remoteAddr string) *httpmsg.Response {
	headers := httpmsg.NewHeaders()

	// CORS: echo the origin and the standard allowances.
	if origin := req.Headers.Get("Origin"); origin != "" {
		headers.Set("Access-Control-Allow-Origin", origin)
		headers.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		headers.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		headers.Set("Access-Control-Max-Age", "86400")
	}

	if req.Method == "OPTIONS" {
		return &httpmsg.Response{Status: 204, Reason: "No Content", Headers: headers}
	}
	if req.Method != "GET" && req.Method != "HEAD" {
		return &httpmsg.Response{Status: 405, Reason: "Method Not Allowed", Headers: headers}
	}

	uri := req.URI
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	if uri == "/" {
		uri = "/index.html"
	}

	// Resolve inside the root; path.Clean drops any "..".
	rel := path.Clean("/" + uri)
	full := filepath.Join(h.config.Root, filepath.FromSlash(rel))

	content, err := os.ReadFile(full)
	if err != nil {
		return &httpmsg.Response{Status: 404, Reason: "Not Found", Headers: headers}
	}

	headers.Set("Content-Type", contentType(uri))

	etag := etagFor(content)
	headers.Set("ETag", etag)
	if req.Headers.Get("If-None-Match") == etag {
		return &httpmsg.Response{Status: 304, Reason: "Not Modified", Headers: headers}
	}

	headers.Set("Accept-Ranges", "bytes")

	if rangeValue := req.Headers.Get("Range"); strings.HasPrefix(rangeValue, "bytes=") {
		if resp := h.serveRange(rangeValue[len("bytes="):], content, headers); resp != nil {
			h.logRequest(req, remoteAddr, resp)
			return resp
		}
	}

	body := content
	if h.config.EnableGzip {
		accept := req.Headers.Get("Accept-Encoding")
		if accept == "*" || strings.Contains(accept, "gzip") {
			if zipped, err := httpmsg.GzipBytes(content); err == nil {
				body = zipped
				headers.Set("Content-Encoding", "gzip")
			}
		}
	}

	resp := &httpmsg.Response{Status: 200, Reason: "OK", Headers: headers, Body: body}
	h.logRequest(req, remoteAddr, resp)
	return resp
}

// serveRange answers a single bytes=start-end range, or nil when the
// range is unsatisfiable and the full body should be served.
func (h *Handler) serveRange(spec string, content []byte, headers *httpmsg.Headers) *httpmsg.Response {
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil
	}

	start := 0
	end := len(content) - 1
	if dash > 0 {
		v, err := strconv.Atoi(spec[:dash])
		if err != nil {
			return nil
		}
		start = v
	}
	if dash+1 < len(spec) {
		v, err := strconv.Atoi(spec[dash+1:])
		if err != nil {
			return nil
		}
		end = v
	}

	if start >= len(content) || start > end {
		return nil
	}
	if end > len(content)-1 {
		end = len(content) - 1
	}

	headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
	return &httpmsg.Response{
		Status:  206,
		Reason:  "Partial Content",
		Headers: headers,
		Body:    content[start : end+1],
	}
}

func (h *Handler) logRequest(req *httpmsg.Request, remoteAddr string, resp *httpmsg.Response) {
	h.config.Logger.Info("http request",
		slog.String("remote", remoteAddr),
		slog.String("method", req.Method),
		slog.String("uri", req.URI),
		slog.Int("status", resp.Status),
		slog.Int("size", len(resp.Body)))
}
