package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// frameSlack is how far a file frame may run past the length its header
// implies and still reach the decoder, which reports the size mismatch.
const frameSlack = 4096

// Transport is one established, tuned TCP stream carrying newline-terminated
// frames. Reads happen from a single goroutine; writes are serialized.
type Transport struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu   sync.Mutex
	writer    *bufio.Writer
	streaming atomic.Bool

	maxLineLength int64

	// admitFile, when set, is called from ReadLine with the declared size of
	// an inbound file frame as soon as its header has arrived. An error skips
	// the rest of the line and is returned from ReadLine.
	admitFile func(size int64) error

	closeOnce sync.Once
	closed    chan struct{}
}

func newTransport(conn net.Conn, opts Options) (*Transport, error) {
	opts = opts.withDefaults()
	if err := tuneConn(conn, opts); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: tune socket: %w", ErrConnect, err)
	}

	return &Transport{
		conn:          conn,
		reader:        bufio.NewReaderSize(conn, opts.StreamBufferSize),
		writer:        bufio.NewWriterSize(conn, opts.StreamBufferSize),
		maxLineLength: opts.maxLineLength(),
		closed:        make(chan struct{}),
	}, nil
}

// tuneConn applies the socket options. Non-TCP conns (net.Pipe in tests) are
// left as they are.
func tuneConn(conn net.Conn, opts Options) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetNoDelay(true); err != nil {
		return fmt.Errorf("set no delay: %w", err)
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		return fmt.Errorf("set keep alive: %w", err)
	}
	if err := tcp.SetReadBuffer(opts.SocketBufferSize); err != nil {
		return fmt.Errorf("set read buffer: %w", err)
	}
	if err := tcp.SetWriteBuffer(opts.SocketBufferSize); err != nil {
		return fmt.Errorf("set write buffer: %w", err)
	}
	if err := tcp.SetLinger(int(opts.Linger / time.Second)); err != nil {
		return fmt.Errorf("set linger: %w", err)
	}
	return nil
}

// RemoteAddr returns the peer address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Done is closed once Close has run.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}

// ReadLine blocks until one full line arrives and returns it without its
// "\n" or "\r\n" terminator. A final unterminated line before EOF is returned
// as a line. Over-long lines are skipped through their terminator and reported
// with ErrLineTooLong; the stream stays usable. File frames refused by
// admitFile are skipped the same way.
func (t *Transport) ReadLine() (string, error) {
	var (
		line     strings.Builder
		limit    = t.maxLineLength + 2
		tooLong  bool
		refused  error
		inHeader = t.admitFile != nil
	)

	for {
		chunk, err := t.reader.ReadSlice('\n')
		if !tooLong && refused == nil {
			if int64(line.Len()+len(chunk)) > limit {
				tooLong = true
				line.Reset()
			} else {
				_, _ = line.Write(chunk)
			}
		}

		if inHeader && !tooLong && refused == nil {
			size, headerLen, state := peekFileHeader(line.String())
			switch state {
			case headerReady:
				inHeader = false
				if admitErr := t.admitFile(size); admitErr != nil {
					refused = admitErr
					line.Reset()
				} else {
					// The whole line is held at once, so size the buffer for
					// it up front instead of letting appends double it.
					limit = min(limit, int64(headerLen)+(size+2)/3*4+2+frameSlack)
					if int64(line.Len()) > limit {
						tooLong = true
						line.Reset()
					} else if errors.Is(err, bufio.ErrBufferFull) {
						line.Grow(int(limit) - line.Len())
					}
				}
			case headerNone:
				inHeader = false
			}
		}

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && line.Len() > 0 && !tooLong && refused == nil {
			break
		}
		return "", err
	}

	if refused != nil {
		return "", refused
	}
	if tooLong {
		return "", fmt.Errorf("%w: limit is %d bytes", ErrLineTooLong, limit-2)
	}

	text := strings.TrimSuffix(line.String(), "\n")
	if len(text) < line.Len() {
		text = strings.TrimSuffix(text, "\r")
	}
	return text, nil
}

// WriteLine writes text plus a newline and flushes.
func (t *Transport) WriteLine(text string) error {
	return t.WriteFrameFunc(func(w io.Writer) error {
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	})
}

// WriteFrameFunc holds the write lock while fn writes one frame, then flushes.
// A failure on the underlying stream closes the transport and is returned
// wrapped; any other error from fn is returned as is.
func (t *Transport) WriteFrameFunc(fn func(w io.Writer) error) error {
	return t.writeFrame(fn, false)
}

// StreamFrameFunc is WriteFrameFunc for a frame that may take long to write,
// such as a whole file. Close aborts the connection while one is in progress.
func (t *Transport) StreamFrameFunc(fn func(w io.Writer) error) error {
	return t.writeFrame(fn, true)
}

func (t *Transport) writeFrame(fn func(w io.Writer) error, streaming bool) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}

	if streaming {
		t.streaming.Store(true)
		defer t.streaming.Store(false)
	}

	sw := &stickyWriter{w: t.writer}
	fnErr := fn(sw)
	if sw.err == nil {
		sw.err = t.writer.Flush()
	}
	if sw.err != nil {
		go t.Close()
		return fmt.Errorf("write frame: %w", sw.err)
	}
	return fnErr
}

// Close flushes what it can, half-closes both directions and closes the
// socket. It is idempotent and suppresses every error.
//
// A short frame being written when Close is called gets up to the flush
// timeout to finish. A streamed frame is abandoned and the connection is
// reset, since only closing the socket unblocks it.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		abort := t.streaming.Load()
		if !abort {
			_ = t.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
			t.writeMu.Lock()
			_ = t.writer.Flush()
			t.writeMu.Unlock()
		}

		if tcp, ok := t.conn.(*net.TCPConn); ok {
			if abort {
				_ = tcp.SetLinger(0)
			} else {
				_ = tcp.CloseWrite()
			}
			_ = tcp.CloseRead()
		}
		_ = t.conn.Close()
	})
	return nil
}

// stickyWriter remembers the first write error so the caller can tell a
// broken stream apart from an error in the frame source.
type stickyWriter struct {
	w   io.Writer
	err error
}

func (s *stickyWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}
