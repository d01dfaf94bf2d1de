package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Dial connects to host:port within the configured connection timeout and
// returns a tuned transport.
func Dial(ctx context.Context, host string, port int, options Options) (*Transport, error) {
	opts := options.withDefaults()
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrConnect)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrConnect, port)
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %q: %w", ErrConnect, address, err)
	}

	return newTransport(conn, opts)
}
