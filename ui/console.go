package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"peerchat/network"
)

const timestampLayout = "15:04:05"

// Console renders session events as timestamped terminal lines. It
// implements network.Sink and network.ProgressSink.
type Console struct {
	out   io.Writer
	theme Theme
	now   func() time.Time

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

// NewConsole writes to out using theme.
func NewConsole(out io.Writer, theme Theme) *Console {
	return &Console{
		out:   out,
		theme: theme,
		now:   time.Now,
		bars:  make(map[string]*progressbar.ProgressBar),
	}
}

// OnStatusChanged prints a connection status line.
func (c *Console) OnStatusChanged(text string) {
	c.printLine(c.theme.Status.Render("* " + text))
}

// OnChatReceived prints a peer message.
func (c *Console) OnChatReceived(text string) {
	c.printLine(c.theme.Peer.Render("peer>") + " " + c.theme.Text.Render(text))
}

// OnFileReceived prints where a received file was saved.
func (c *Console) OnFileReceived(filename, localPath string) {
	c.printLine(c.theme.Success.Render(fmt.Sprintf("received %s -> %s", filename, localPath)))
}

// OnTypingChanged prints the peer typing indicator.
func (c *Console) OnTypingChanged(typing bool) {
	if typing {
		c.printLine(c.theme.Typing.Render("peer is typing..."))
		return
	}
	c.printLine(c.theme.Typing.Render("peer stopped typing"))
}

// OnSystemNotice prints a notice, coloured by whether it reports a failure
// or a success.
func (c *Console) OnSystemNotice(text string) {
	style := c.theme.Notice
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "failed") || strings.Contains(lower, "error"):
		style = c.theme.Error
	case strings.Contains(lower, "successfully"):
		style = c.theme.Success
	}
	c.printLine(style.Render(text))
}

// OnTransferProgress drives one progress bar per outbound job.
func (c *Console) OnTransferProgress(job *network.TransferJob, sent, total int64) {
	if total <= 0 {
		return
	}
	key, name := "", "file"
	if job != nil {
		key, name = job.ID, job.Filename
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bar, ok := c.bars[key]
	if !ok {
		if sent >= total {
			return
		}
		bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(c.out),
			progressbar.OptionSetDescription("sending "+name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				_, _ = fmt.Fprintln(c.out)
			}),
		)
		c.bars[key] = bar
	}

	_ = bar.Set64(sent)
	if sent >= total {
		_ = bar.Finish()
		delete(c.bars, key)
	}
}

// Echo prints a message the local user sent.
func (c *Console) Echo(text string) {
	c.printLine(c.theme.Self.Render("you>") + " " + c.theme.Text.Render(text))
}

// Info prints a neutral line.
func (c *Console) Info(text string) {
	c.printLine(c.theme.Notice.Render(text))
}

// Errorf prints an error line.
func (c *Console) Errorf(format string, args ...any) {
	c.printLine(c.theme.Error.Render("error: " + fmt.Sprintf(format, args...)))
}

func (c *Console) printLine(body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamp := c.theme.Timestamp.Render(c.now().Format(timestampLayout))
	_, _ = fmt.Fprintf(c.out, "%s %s\n", stamp, body)
}
