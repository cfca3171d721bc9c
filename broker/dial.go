// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
	"github.com/u-root/distrun/ds"
)

// Endpoint names a host service.
//
// Network is one of unix, tcp, vsock or dnssd. For vsock the Address
// is cid:port; for dnssd it is a dnssd: URI, and an empty Address
// means any host service on the local link.
type Endpoint struct {
	Network string
	Address string
}

// DefaultEndpoint is the local host service socket.
var DefaultEndpoint = Endpoint{Network: "unix", Address: "/run/distrun/broker.sock"}

func (e Endpoint) String() string {
	return e.Network + "!" + e.Address
}

// vsockIdPort gets a context id and a port from host and port.
// Both are uint32.
func vsockIdPort(host, port string) (uint32, uint32, error) {
	h, err := strconv.ParseUint(host, 0, 32)
	if err != nil {
		return 0, 0, err
	}
	p, err := strconv.ParseUint(port, 0, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(h), uint32(p), nil
}

// vsockDial dials a vsock address given as host and port strings.
func vsockDial(host, port string) (net.Conn, string, error) {
	id, p, err := vsockIdPort(host, port)
	if err != nil {
		return nil, "", err
	}
	addr := fmt.Sprintf("%#x:%d", id, p)
	conn, err := vsock.Dial(id, p, nil)
	v("vsock.Dial(%#x, %d): (%v, %v)", id, p, conn, err)
	return conn, addr, err
}

// dial connects to the endpoint. It returns the connection and the
// address used for host key checks.
func (e Endpoint) dial(ctx context.Context) (net.Conn, string, error) {
	var d net.Dialer
	switch e.Network {
	case "unix":
		conn, err := d.DialContext(ctx, "unix", e.Address)
		return conn, e.Address, err
	case "tcp", "tcp4", "tcp6":
		host, port, err := net.SplitHostPort(e.Address)
		if err != nil {
			host, port = e.Address, ""
		}
		if port, err = GetPort(host, port); err != nil {
			return nil, "", err
		}
		addr := net.JoinHostPort(GetHostName(host), port)
		conn, err := d.DialContext(ctx, e.Network, addr)
		return conn, addr, err
	case "vsock":
		host, port, err := net.SplitHostPort(e.Address)
		if err != nil {
			return nil, "", err
		}
		return vsockDial(host, port)
	case "dnssd":
		uri := e.Address
		if !strings.HasPrefix(uri, "dnssd:") {
			uri = ds.Default + uri
		}
		q, err := ds.Parse(uri)
		if err != nil {
			return nil, "", err
		}
		host, port, err := ds.Lookup(ctx, q)
		if err != nil {
			return nil, "", err
		}
		v("dnssd %q resolved to %s:%s", uri, host, port)
		addr := net.JoinHostPort(host, port)
		conn, err := d.DialContext(ctx, "tcp", addr)
		return conn, addr, err
	}
	return nil, "", fmt.Errorf("network %q: %w", e.Network, net.UnknownNetworkError(e.Network))
}
