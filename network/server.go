package network

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Listener waits for exactly one inbound peer.
type Listener struct {
	listener net.Listener
	options  Options

	closeOnce sync.Once
}

// Listen binds a TCP listener on address (":0" when empty).
func Listen(address string, options Options) (*Listener, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %q: %w", ErrConnect, address, err)
	}

	return &Listener{
		listener: listener,
		options:  options.withDefaults(),
	}, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Accept waits for one peer, tunes the connection and closes the listener.
// Cancelling ctx closes the listener and returns ctx's error.
func (l *Listener) Accept(ctx context.Context) (*Transport, error) {
	defer l.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	conn, err := l.listener.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: accept: %w", ErrConnect, ctxErr)
		}
		return nil, fmt.Errorf("%w: accept connection: %w", ErrConnect, err)
	}

	return newTransport(conn, l.options)
}

// Close stops listening. It is safe to call more than once.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		closeErr = l.listener.Close()
	})
	return closeErr
}
