package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAcceptAndDialExchangeLines(t *testing.T) {
	listener, err := Listen("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer listener.Close()

	type acceptResult struct {
		transport *Transport
		err       error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		transport, err := listener.Accept(context.Background())
		accepted <- acceptResult{transport: transport, err: err}
	}()

	client, err := Dial(context.Background(), "127.0.0.1", listener.Port(), Options{})
	require.NoError(t, err)
	defer client.Close()

	var server *Transport
	select {
	case res := <-accepted:
		require.NoError(t, res.err)
		server = res.transport
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for accept")
	}
	defer server.Close()

	require.NoError(t, client.WriteLine("ping"))
	line, err := server.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ping", line)

	require.NoError(t, server.WriteLine("pong"))
	line, err = client.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "pong", line)
}

func TestAcceptCancelledByContext(t *testing.T) {
	listener, err := Listen("127.0.0.1:0", Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := listener.Accept(ctx)
		errs <- err
	}()

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnect)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(eventTimeout):
		t.Fatalf("Accept did not return after cancel")
	}
}

func TestListenOnBusyPortIsConnectError(t *testing.T) {
	first, err := Listen("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer first.Close()

	_, err = Listen(first.Addr().String(), Options{})
	assert.ErrorIs(t, err, ErrConnect)
}

func TestDialRefusedIsConnectError(t *testing.T) {
	listener, err := Listen("127.0.0.1:0", Options{})
	require.NoError(t, err)
	port := listener.Port()
	require.NoError(t, listener.Close())

	_, err = Dial(context.Background(), "127.0.0.1", port, Options{ConnectionTimeout: 2 * time.Second})
	assert.ErrorIs(t, err, ErrConnect)
	assert.False(t, errors.Is(err, ErrState))
}

func TestDialValidatesTarget(t *testing.T) {
	_, err := Dial(context.Background(), "", DefaultPort, Options{})
	assert.ErrorIs(t, err, ErrConnect)

	_, err = Dial(context.Background(), "127.0.0.1", 70000, Options{})
	assert.ErrorIs(t, err, ErrConnect)
}
