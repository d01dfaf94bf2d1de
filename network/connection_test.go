package network

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeTransport(t *testing.T, opts Options) (*Transport, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	transport, err := newTransport(local, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = transport.Close()
		_ = remote.Close()
	})
	return transport, remote
}

func writeRaw(conn net.Conn, data string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(conn, data)
		done <- err
	}()
	return done
}

func TestTransportWriteLineReadLine(t *testing.T) {
	local, remote := net.Pipe()
	a, err := newTransport(local, Options{})
	require.NoError(t, err)
	b, err := newTransport(remote, Options{})
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	errs := make(chan error, 1)
	go func() {
		errs <- a.WriteLine("hello")
	}()

	line, err := b.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
	require.NoError(t, <-errs)
}

func TestTransportAcceptsCRLF(t *testing.T) {
	transport, remote := pipeTransport(t, Options{})
	writeDone := writeRaw(remote, "hi\r\nthere\n")

	line, err := transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hi", line)

	line, err = transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "there", line)
	require.NoError(t, <-writeDone)
}

func TestTransportReturnsFinalUnterminatedLine(t *testing.T) {
	transport, remote := pipeTransport(t, Options{})
	go func() {
		_, _ = io.WriteString(remote, "tail")
		_ = remote.Close()
	}()

	line, err := transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "tail", line)

	_, err = transport.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTransportSkipsOverlongLine(t *testing.T) {
	transport, remote := pipeTransport(t, Options{MaxFileSize: 3, StreamBufferSize: 64})
	writeDone := writeRaw(remote, strings.Repeat("x", 1000)+"\nok\n")

	_, err := transport.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.ErrorIs(t, err, ErrProtocol)

	line, err := transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok", line)
	require.NoError(t, <-writeDone)
}

func TestTransportReadsLinesLongerThanBuffer(t *testing.T) {
	transport, remote := pipeTransport(t, Options{StreamBufferSize: 64})
	long := strings.Repeat("abc", 200)
	writeDone := writeRaw(remote, long+"\n")

	line, err := transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, long, line)
	require.NoError(t, <-writeDone)
}

func TestTransportCloseUnblocksReadAndIsIdempotent(t *testing.T) {
	transport, _ := pipeTransport(t, Options{})

	readErr := make(chan error, 1)
	go func() {
		_, err := transport.ReadLine()
		readErr <- err
	}()

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadLine did not return after Close")
	}

	assert.ErrorIs(t, transport.WriteLine("late"), net.ErrClosed)
	select {
	case <-transport.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
}

func TestWriteFrameFuncSourceErrorKeepsTransportOpen(t *testing.T) {
	transport, remote := pipeTransport(t, Options{})
	sourceErr := errors.New("source failed")

	err := transport.WriteFrameFunc(func(io.Writer) error {
		return sourceErr
	})
	assert.ErrorIs(t, err, sourceErr)

	errs := make(chan error, 1)
	go func() {
		errs <- transport.WriteLine("after")
	}()

	buf := make([]byte, len("after\n"))
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "after\n", string(buf))
	require.NoError(t, <-errs)
}

func TestWriteFrameFuncStreamErrorClosesTransport(t *testing.T) {
	transport, remote := pipeTransport(t, Options{})
	require.NoError(t, remote.Close())

	err := transport.WriteLine("nobody listening")
	require.Error(t, err)

	select {
	case <-transport.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected transport to close after a write failure")
	}
}

func TestTransportAdmitsFileFrameBeforeBody(t *testing.T) {
	transport, remote := pipeTransport(t, Options{StreamBufferSize: 64})
	admitted := make(chan int64, 1)
	transport.admitFile = func(size int64) error {
		admitted <- size
		return nil
	}

	data := bytes.Repeat([]byte("z"), 3000)
	encoded := base64.StdEncoding.EncodeToString(data)
	head := "CMD:FILE_TRANSFER:z.bin:3000:" + encoded[:100]
	writeDone := make(chan error, 1)
	go func() {
		if _, err := io.WriteString(remote, head); err != nil {
			writeDone <- err
			return
		}
		select {
		case <-time.After(2 * time.Second):
			writeDone <- errors.New("header not admitted before the body arrived")
			return
		case size := <-admitted:
			admitted <- size
		}
		_, err := io.WriteString(remote, encoded[100:]+"\n")
		writeDone <- err
	}()

	line, err := transport.ReadLine()
	require.NoError(t, err)
	require.NoError(t, <-writeDone)
	assert.Equal(t, int64(3000), <-admitted)

	frame, err := Decode(line)
	require.NoError(t, err)
	decoded, err := frame.File.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestTransportSkipsRefusedFileFrame(t *testing.T) {
	transport, remote := pipeTransport(t, Options{StreamBufferSize: 64})
	transport.admitFile = func(int64) error {
		return ErrInsufficientMemory
	}
	body := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("q"), 3000))
	writeDone := writeRaw(remote, "CMD:FILE_TRANSFER:q.bin:3000:"+body+"\nok\n")

	_, err := transport.ReadLine()
	assert.ErrorIs(t, err, ErrInsufficientMemory)
	assert.ErrorIs(t, err, ErrTransfer)

	line, err := transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok", line)
	require.NoError(t, <-writeDone)
}

func TestTransportOverrunFileFrameIsTooLong(t *testing.T) {
	transport, remote := pipeTransport(t, Options{StreamBufferSize: 64})
	transport.admitFile = func(int64) error { return nil }
	writeDone := writeRaw(remote, "CMD:FILE_TRANSFER:r.bin:3:"+strings.Repeat("A", 3*frameSlack)+"\nok\n")

	_, err := transport.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)

	line, err := transport.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ok", line)
	require.NoError(t, <-writeDone)
}

func TestTransportCloseLetsShortWriteFinish(t *testing.T) {
	transport, remote := pipeTransport(t, Options{})

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- transport.WriteLine("goodbye")
	}()
	// net.Pipe blocks the flush until the peer reads, so the write is pending.
	require.Eventually(t, func() bool {
		if transport.writeMu.TryLock() {
			transport.writeMu.Unlock()
			return false
		}
		return true
	}, 2*time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = transport.Close()
		close(closed)
	}()
	<-transport.Done()
	time.Sleep(20 * time.Millisecond)

	buf := make([]byte, len("goodbye\n"))
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "goodbye\n", string(buf))
	require.NoError(t, <-writeErr)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return after the pending write finished")
	}
}

func TestTransportCloseAbandonsStreamedFrame(t *testing.T) {
	transport, _ := pipeTransport(t, Options{})

	entered := make(chan struct{})
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- transport.StreamFrameFunc(func(w io.Writer) error {
			close(entered)
			_, err := w.Write(bytes.Repeat([]byte("a"), 2*DefaultStreamBufferSize))
			return err
		})
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = transport.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("Close waited on a streamed frame nobody is reading")
	}

	select {
	case err := <-streamErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("streamed write did not fail after Close")
	}
}
