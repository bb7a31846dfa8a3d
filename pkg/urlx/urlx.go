// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package urlx parses WebSocket endpoint URLs.
package urlx

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/absmach/websock/pkg/errors"
)

// Parts holds the components of a ws:// or wss:// URL.
type Parts struct {
	// Scheme is "ws" or "wss".
	Scheme string

	// Host is the host name or address, without port.
	Host string

	// Port is the explicit or scheme-default port.
	Port int

	// Path is the request path including the query string, never empty.
	Path string
}

// Secure reports whether the URL requires TLS.
func (p Parts) Secure() bool {
	return p.Scheme == "wss"
}

// HostPort returns the host joined with the port.
func (p Parts) HostPort() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Parse splits a WebSocket URL into its components. Default ports are 80
// for ws and 443 for wss.
func Parse(rawURL string) (Parts, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Parts{}, fmt.Errorf("%w: %v", errors.ErrInvalidURL, err)
	}

	var port int
	switch u.Scheme {
	case "ws":
		port = 80
	case "wss":
		port = 443
	default:
		return Parts{}, fmt.Errorf("%w: unsupported scheme %q", errors.ErrInvalidURL, u.Scheme)
	}

	if u.Hostname() == "" {
		return Parts{}, fmt.Errorf("%w: missing host", errors.ErrInvalidURL)
	}

	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Parts{}, fmt.Errorf("%w: bad port %q", errors.ErrInvalidURL, p)
		}
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return Parts{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
		Path:   path,
	}, nil
}
