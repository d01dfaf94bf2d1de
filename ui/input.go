package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"peerchat/network"
)

const maxInputLine = 1024 * 1024

const helpText = "commands: /file <path> sends a file, /status shows the connection, /quit disconnects"

// Controller is the part of a session the input loop drives.
type Controller interface {
	Send(text string) error
	SendFile(path string) (*network.TransferJob, error)
	NotifyLocalTyping(hasText bool)
	State() network.State
	RemoteAddr() string
}

// RunInput reads lines from in and forwards them to session until in is
// exhausted, /quit is entered, or ctx is cancelled.
func RunInput(ctx context.Context, in io.Reader, session Controller, console *Console) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxInputLine)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if quit := handleLine(line, session, console); quit {
				return nil
			}
		}
	}
}

func handleLine(line string, session Controller, console *Console) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		// Line input has no per-keystroke edits; a submitted line counts as one.
		session.NotifyLocalTyping(line != "")
		if err := session.Send(line); err != nil {
			console.Errorf("message not sent: %v", err)
			return false
		}
		console.Echo(line)
		return false
	}

	command, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return true
	case "/status":
		status := session.State().String()
		if remote := session.RemoteAddr(); remote != "" {
			status += " " + remote
		}
		console.Info(status)
	case "/file":
		if arg == "" {
			console.Errorf("usage: /file <path>")
			return false
		}
		if _, err := session.SendFile(arg); err != nil {
			console.Errorf("file not sent: %v", err)
		}
	case "/help":
		console.Info(helpText)
	default:
		console.Errorf("unknown command %s (try /help)", command)
	}
	return false
}
