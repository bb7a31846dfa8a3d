// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides small networking helpers.
package netutil

import (
	"fmt"
	"net"
)

// GetFreePort asks the kernel for a free TCP port on the loopback interface.
// The port is released before returning, so a race with other processes is
// possible; callers binding immediately are fine in practice.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to probe free port: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address type %T", l.Addr())
	}
	return addr.Port, nil
}

// RemoteIP extracts the IP portion of a host:port remote address. A bare
// host with no port is returned unchanged.
func RemoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
