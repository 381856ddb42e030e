// Package transport supplies connected byte streams for the protocol
// engine: unix and TCP monitor sockets, and an adapter for monitors
// proxied over a WebSocket. The engine itself never dials.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultDialTimeout bounds Dial.
const DefaultDialTimeout = 5 * time.Second

// Dial connects to a monitor or agent socket. network is "unix" or "tcp".
func Dial(network, addr string) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()
	return DialContext(ctx, network, addr)
}

// DialContext is Dial with caller-controlled cancellation.
func DialContext(ctx context.Context, network, addr string) (io.ReadWriteCloser, error) {
	switch network {
	case "unix", "tcp":
	default:
		return nil, fmt.Errorf("transport: unsupported network %q", network)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s socket %s: %w", network, addr, err)
	}
	return conn, nil
}
