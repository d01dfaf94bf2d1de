package network

import (
	"time"

	"github.com/sirupsen/logrus"

	"peerchat/storage"
)

const (
	// DefaultPort is the TCP port used when none is configured.
	DefaultPort = 1501
	// DefaultSocketBufferSize is applied to the kernel send and receive buffers.
	DefaultSocketBufferSize = 8 * 1024 * 1024
	// DefaultStreamBufferSize sizes the buffered reader and writer over the socket.
	DefaultStreamBufferSize = 1024 * 1024
	// MaxFileSize is the largest file accepted for sending (2 GiB).
	MaxFileSize int64 = 2 * 1024 * 1024 * 1024
	// DefaultMemoryCeiling bounds the working memory reserved by active
	// transfers. It admits one inbound frame of MaxFileSize, whose base64 line
	// is held whole, alongside a streamed send.
	DefaultMemoryCeiling int64 = 3 * 1024 * 1024 * 1024
	// DefaultTypingDebounce is the idle period after which a typing stop is sent.
	DefaultTypingDebounce = 2 * time.Second
	// DefaultConnectionTimeout bounds outbound dials.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultLinger is the SO_LINGER timeout applied to established sockets.
	DefaultLinger = 30 * time.Second
	// DefaultDownloadsDir receives inbound files, relative to the working directory.
	DefaultDownloadsDir = "downloads"

	closeFlushTimeout = 2 * time.Second
)

// Options controls transport tuning and session behavior. Zero values fall
// back to the defaults above.
type Options struct {
	SocketBufferSize  int
	StreamBufferSize  int
	ConnectionTimeout time.Duration
	Linger            time.Duration
	MaxFileSize       int64
	MemoryCeiling     int64
	TypingDebounce    time.Duration
	DownloadsDir      string

	// Logger receives structured logs. Defaults to the logrus standard logger.
	Logger *logrus.Logger
	// Journal, when set, records lifecycle and transfer events.
	Journal *storage.Store
}

func (o Options) withDefaults() Options {
	out := o
	if out.SocketBufferSize <= 0 {
		out.SocketBufferSize = DefaultSocketBufferSize
	}
	if out.StreamBufferSize <= 0 {
		out.StreamBufferSize = DefaultStreamBufferSize
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.Linger < 0 {
		out.Linger = 0
	} else if out.Linger == 0 {
		out.Linger = DefaultLinger
	}
	if out.MaxFileSize <= 0 || out.MaxFileSize > MaxFileSize {
		out.MaxFileSize = MaxFileSize
	}
	if out.MemoryCeiling <= 0 {
		out.MemoryCeiling = DefaultMemoryCeiling
	}
	if out.TypingDebounce <= 0 {
		out.TypingDebounce = DefaultTypingDebounce
	}
	if out.DownloadsDir == "" {
		out.DownloadsDir = DefaultDownloadsDir
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// maxLineLength is the inbound line limit: the largest legal file frame.
func (o Options) maxLineLength() int64 {
	return MaxLineLength(o.MaxFileSize)
}
