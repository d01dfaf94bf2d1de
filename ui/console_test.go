package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerchat/network"
)

func newTestConsole() (*Console, *bytes.Buffer) {
	var buf bytes.Buffer
	console := NewConsole(&buf, PlainTheme())
	console.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC) }
	return console, &buf
}

func TestConsoleRendersSinkEvents(t *testing.T) {
	console, buf := newTestConsole()
	var sink network.Sink = console

	sink.OnStatusChanged("Connected to 10.0.0.2:1501")
	sink.OnChatReceived("hello")
	sink.OnTypingChanged(true)
	sink.OnTypingChanged(false)
	sink.OnFileReceived("notes.txt", "downloads/notes.txt")
	sink.OnSystemNotice("File send failed: boom")
	console.Echo("hi back")

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{
		"09:30:15 * Connected to 10.0.0.2:1501",
		"09:30:15 peer> hello",
		"09:30:15 peer is typing...",
		"09:30:15 peer stopped typing",
		"09:30:15 received notes.txt -> downloads/notes.txt",
		"09:30:15 File send failed: boom",
		"09:30:15 you> hi back",
	}, lines)
}

func TestConsoleDefaultThemeKeepsText(t *testing.T) {
	var buf bytes.Buffer
	console := NewConsole(&buf, DefaultTheme())

	console.OnChatReceived("styled message")
	console.Errorf("code %d", 7)

	assert.Contains(t, buf.String(), "styled message")
	assert.Contains(t, buf.String(), "error: code 7")
}

func TestConsoleProgressBarLifecycle(t *testing.T) {
	console, _ := newTestConsole()
	var progress network.ProgressSink = console

	progress.OnTransferProgress(nil, 0, 0)
	assert.Empty(t, console.bars, "zero-size transfers get no bar")

	progress.OnTransferProgress(nil, 40, 100)
	console.mu.Lock()
	require.Len(t, console.bars, 1)
	console.mu.Unlock()

	progress.OnTransferProgress(nil, 100, 100)
	console.mu.Lock()
	assert.Empty(t, console.bars)
	console.mu.Unlock()

	// A completion report without an earlier bar is ignored.
	progress.OnTransferProgress(nil, 100, 100)
	assert.Empty(t, console.bars)
}
