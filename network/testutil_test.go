package network

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 5 * time.Second

type receivedFile struct {
	filename  string
	localPath string
}

// recordingSink captures session events on buffered channels.
type recordingSink struct {
	statuses chan string
	chats    chan string
	files    chan receivedFile
	typing   chan bool
	notices  chan string
	progress chan int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		statuses: make(chan string, 1024),
		chats:    make(chan string, 1024),
		files:    make(chan receivedFile, 64),
		typing:   make(chan bool, 64),
		notices:  make(chan string, 1024),
		progress: make(chan int64, 1024),
	}
}

func (r *recordingSink) OnStatusChanged(text string) { r.statuses <- text }
func (r *recordingSink) OnChatReceived(text string)  { r.chats <- text }
func (r *recordingSink) OnTypingChanged(typing bool) { r.typing <- typing }
func (r *recordingSink) OnSystemNotice(text string)  { r.notices <- text }

func (r *recordingSink) OnFileReceived(filename, localPath string) {
	r.files <- receivedFile{filename: filename, localPath: localPath}
}

func (r *recordingSink) OnTransferProgress(_ *TransferJob, sent, _ int64) {
	select {
	case r.progress <- sent:
	default:
	}
}

func (r *recordingSink) waitStatus(t *testing.T, substr string) string {
	t.Helper()
	return waitForString(t, r.statuses, "status", substr)
}

func (r *recordingSink) waitNotice(t *testing.T, substr string) string {
	t.Helper()
	return waitForString(t, r.notices, "notice", substr)
}

func (r *recordingSink) waitChat(t *testing.T) string {
	t.Helper()
	select {
	case text := <-r.chats:
		return text
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for chat message")
		return ""
	}
}

func (r *recordingSink) waitFile(t *testing.T) receivedFile {
	t.Helper()
	select {
	case file := <-r.files:
		return file
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for received file")
		return receivedFile{}
	}
}

func (r *recordingSink) waitTyping(t *testing.T) bool {
	t.Helper()
	select {
	case typing := <-r.typing:
		return typing
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for typing change")
		return false
	}
}

func waitForString(t *testing.T, ch <-chan string, kind, substr string) string {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case got := <-ch:
			if strings.Contains(got, substr) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s containing %q", kind, substr)
			return ""
		}
	}
}

func ensureNoChat(t *testing.T, r *recordingSink, d time.Duration) {
	t.Helper()
	select {
	case text := <-r.chats:
		t.Fatalf("unexpected chat message %q", text)
	case <-time.After(d):
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		DownloadsDir:   filepath.Join(t.TempDir(), "downloads"),
		TypingDebounce: 150 * time.Millisecond,
		Logger:         quietLogger(),
	}
}

// connectedPair starts a server session on an ephemeral port and connects a
// client session to it.
func connectedPair(t *testing.T, serverOpts, clientOpts Options) (*Session, *Session, *recordingSink, *recordingSink) {
	t.Helper()
	ctx := context.Background()

	serverSink := newRecordingSink()
	server := NewSession(serverSink, serverOpts)
	require.NoError(t, server.StartAsServer(ctx, 0))
	serverSink.waitStatus(t, "Listening on port")

	clientSink := newRecordingSink()
	client := NewSession(clientSink, clientOpts)
	require.NoError(t, client.StartAsClient(ctx, "127.0.0.1", server.ListenPort()))

	serverSink.waitStatus(t, "Client connected")
	clientSink.waitStatus(t, "Connected to")

	t.Cleanup(func() {
		client.Disconnect()
		server.Disconnect()
	})
	return server, client, serverSink, clientSink
}

func createFixtureFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}
