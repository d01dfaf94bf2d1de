package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerchat/storage"
)

// Role is which side created the connection. It is fixed once a session starts.
type Role int32

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// State is the lifecycle state of a session. Closed is terminal.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session owns one peer connection from listen or dial through disconnect.
// Inbound frames are read by a single goroutine and dispatched in wire order;
// events reach the Sink through an ordered queue.
type Session struct {
	id      string
	options Options
	log     *logrus.Entry
	journal journal

	events    *eventQueue
	transfers *TransferManager
	presence  *PresenceTracker

	role    atomic.Int32
	state   atomic.Int32
	started atomic.Bool

	mu         sync.Mutex
	transport  *Transport
	listener   *Listener
	cancel     context.CancelFunc
	remoteAddr string
	listenPort int

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates an idle session that reports to sink.
func NewSession(sink Sink, options Options) *Session {
	opts := options.withDefaults()
	id := uuid.NewString()

	s := &Session{
		id:      id,
		options: opts,
		log:     opts.Logger.WithField("session_id", id),
		events:  newEventQueue(sink),
		done:    make(chan struct{}),
	}
	s.journal = journal{store: opts.Journal, sessionID: id, log: s.log}
	s.transfers = newTransferManager(s, s.events, opts, s.log, s.journal)
	s.presence = NewPresenceTracker(opts.TypingDebounce, s.announceTyping, s.events.typing)
	return s
}

// ID returns the session identifier used in logs and the journal.
func (s *Session) ID() string {
	return s.id
}

// Role returns the side this session plays, or RoleNone before start.
func (s *Session) Role() Role {
	return Role(s.role.Load())
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected reports whether a peer is attached and frames can be sent.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// RemoteAddr returns the peer address once connected.
func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// Done is closed once the session reaches Closed and has reported it.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Transfers exposes the session's transfer manager.
func (s *Session) Transfers() *TransferManager {
	return s.transfers
}

// Presence exposes the session's typing tracker.
func (s *Session) Presence() *PresenceTracker {
	return s.presence
}

// ListenPort returns the bound port of a server session, or 0.
func (s *Session) ListenPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenPort
}

// StartAsServer binds port (0 picks a free one) and waits in the background
// for exactly one peer. Bind failures are returned and also reported.
func (s *Session) StartAsServer(ctx context.Context, port int) error {
	if err := s.begin(RoleServer); err != nil {
		return err
	}

	listener, err := Listen(":"+strconv.Itoa(port), s.options)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "StartAsServer",
			"port":     port,
			"error":    err.Error(),
		}).Error("Listen failed")
		s.events.status(fmt.Sprintf("Server error: %v", err))
		s.journal.record(storage.EventConnectFailed, storage.SeverityError, map[string]any{
			"role":  RoleServer.String(),
			"port":  port,
			"error": err.Error(),
		})
		s.shutdown(nil)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		s.mu.Unlock()
		cancel()
		_ = listener.Close()
		return ErrSessionClosed
	}
	s.listener = listener
	s.listenPort = listener.Port()
	s.cancel = cancel
	s.mu.Unlock()

	s.events.status(fmt.Sprintf("Listening on port %d", listener.Port()))
	s.log.WithFields(logrus.Fields{
		"function": "StartAsServer",
		"addr":     listener.Addr().String(),
	}).Info("Listening for peer")
	s.journal.record(storage.EventListening, storage.SeverityInfo, map[string]any{
		"port": listener.Port(),
	})

	go s.run(runCtx, listener.Accept)
	return nil
}

// StartAsClient dials host:port in the background.
func (s *Session) StartAsClient(ctx context.Context, host string, port int) error {
	if err := s.begin(RoleClient); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		s.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	s.cancel = cancel
	s.mu.Unlock()

	address := net.JoinHostPort(host, strconv.Itoa(port))
	s.events.status(fmt.Sprintf("Connecting to %s", address))
	s.log.WithFields(logrus.Fields{
		"function": "StartAsClient",
		"addr":     address,
	}).Info("Connecting to peer")

	go s.run(runCtx, func(ctx context.Context) (*Transport, error) {
		return Dial(ctx, host, port, s.options)
	})
	return nil
}

func (s *Session) begin(role Role) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.role.Store(int32(role))
	s.log = s.log.WithField("role", role.String())
	s.journal.log = s.log
	s.transfers.log = s.log
	s.transfers.journal = s.journal
	return nil
}

func (s *Session) run(ctx context.Context, establish func(context.Context) (*Transport, error)) {
	transport, err := establish(ctx)
	if err != nil {
		if s.State() == StateClosed {
			return
		}
		s.log.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Warn("Connection could not be established")
		if s.Role() == RoleServer {
			s.events.status(fmt.Sprintf("Server error: %v", err))
		} else {
			s.events.status(fmt.Sprintf("Connection failed: %v", err))
		}
		s.journal.record(storage.EventConnectFailed, storage.SeverityError, map[string]any{
			"error": err.Error(),
		})
		s.shutdown(nil)
		return
	}

	remote := transport.RemoteAddr().String()
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		_ = transport.Close()
		return
	}
	s.transport = transport
	s.listener = nil
	s.remoteAddr = remote
	s.state.Store(int32(StateConnected))
	s.mu.Unlock()

	if s.Role() == RoleServer {
		host := remote
		if h, _, splitErr := net.SplitHostPort(remote); splitErr == nil {
			host = h
		}
		s.events.status(fmt.Sprintf("Client connected: %s", host))
	} else {
		s.events.status(fmt.Sprintf("Connected to %s", remote))
	}
	s.log.WithFields(logrus.Fields{
		"function": "run",
		"remote":   remote,
	}).Info("Peer connected")
	s.journal.record(storage.EventConnected, storage.SeverityInfo, map[string]any{
		"remote": remote,
	})

	s.readLoop(transport)
}

func (s *Session) readLoop(transport *Transport) {
	// admitted is only touched on this goroutine: the hook runs inside ReadLine.
	var admitted int64
	transport.admitFile = func(size int64) error {
		reserved, err := s.transfers.admitInbound(size)
		admitted = reserved
		return err
	}

	for {
		line, err := transport.ReadLine()
		reserved := admitted
		admitted = 0
		if err != nil {
			s.transfers.budget.release(reserved)
			switch {
			case errors.Is(err, ErrTransfer):
				s.transfers.rejectInbound(err)
				continue
			case errors.Is(err, ErrLineTooLong):
				s.reportProtocolError(err)
				continue
			case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
				s.shutdown(nil)
				return
			}
			s.shutdown(fmt.Errorf("read line: %w", err))
			return
		}

		s.dispatch(line, reserved)
	}
}

// dispatch handles one inbound line. reserved is the working memory already
// admitted for it when it is a file frame; ownership passes to the receive
// job, or is returned here.
func (s *Session) dispatch(line string, reserved int64) {
	frame, err := Decode(line)
	if err != nil || frame.Kind != FrameFileTransfer {
		s.transfers.budget.release(reserved)
	}
	if err != nil {
		s.reportProtocolError(err)
		return
	}

	switch frame.Kind {
	case FrameChat:
		s.events.chat(frame.Text)
	case FrameTypingStart:
		s.presence.OnRemoteTyping(true)
	case FrameTypingStop:
		s.presence.OnRemoteTyping(false)
	case FrameFileTransfer:
		s.transfers.receive(frame.File, reserved, nil)
	}
}

func (s *Session) reportProtocolError(err error) {
	s.log.WithFields(logrus.Fields{
		"function": "dispatch",
		"error":    err.Error(),
	}).Warn("Discarded inbound line")
	s.events.notice(fmt.Sprintf("Protocol error: %v", err))
	s.journal.record(storage.EventProtocolError, storage.SeverityWarning, map[string]any{
		"error": err.Error(),
	})
}

// Send writes one chat line. It fails with ErrNotConnected, writing nothing,
// when no peer is attached.
func (s *Session) Send(text string) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	line, err := Encode(ChatFrame(text))
	if err != nil {
		return err
	}
	return s.writeLine(line)
}

// SendTyping writes a typing start or stop frame.
func (s *Session) SendTyping(started bool) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	line, err := Encode(TypingFrame(started))
	if err != nil {
		return err
	}
	return s.writeLine(line)
}

// SendFile validates path and streams it to the peer in the background.
func (s *Session) SendFile(path string) (*TransferJob, error) {
	return s.transfers.Send(path)
}

// NotifyLocalTyping feeds a local edit to the presence tracker.
func (s *Session) NotifyLocalTyping(hasText bool) {
	if !s.IsConnected() {
		return
	}
	s.presence.OnLocalTextChanged(hasText)
}

// Disconnect closes the session. It is idempotent and cancels a pending
// listen or dial.
func (s *Session) Disconnect() {
	s.shutdown(nil)
}

func (s *Session) announceTyping(started bool) {
	if err := s.SendTyping(started); err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.WithFields(logrus.Fields{
			"function": "announceTyping",
			"started":  started,
			"error":    err.Error(),
		}).Debug("Typing announcement not sent")
	}
}

func (s *Session) writeLine(line string) error {
	transport, err := s.connectedTransport()
	if err != nil {
		return err
	}
	return transport.WriteLine(line)
}

// writeFrame streams one long frame, such as a file, to the peer.
func (s *Session) writeFrame(fn func(w io.Writer) error) error {
	transport, err := s.connectedTransport()
	if err != nil {
		return err
	}
	return transport.StreamFrameFunc(fn)
}

func (s *Session) connectedTransport() (*Transport, error) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil || !s.IsConnected() {
		return nil, ErrNotConnected
	}
	return transport, nil
}

// shutdown moves the session to Closed exactly once. A non-nil cause is
// reported before the final Disconnected status.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		previous := State(s.state.Swap(int32(StateClosed)))
		cancel := s.cancel
		listener := s.listener
		transport := s.transport
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if listener != nil {
			_ = listener.Close()
		}
		if transport != nil {
			_ = transport.Close()
		}
		s.presence.Stop()

		if cause != nil {
			s.events.status(fmt.Sprintf("Connection error: %v", cause))
		}
		s.events.status("Disconnected")
		s.log.WithFields(logrus.Fields{
			"function":       "shutdown",
			"previous_state": previous.String(),
		}).Info("Session closed")
		if previous == StateConnected {
			details := map[string]any{}
			if cause != nil {
				details["error"] = cause.Error()
			}
			s.journal.record(storage.EventDisconnected, storage.SeverityInfo, details)
		}

		close(s.done)
		go func() {
			s.transfers.wait()
			s.events.close()
		}()
	})
}

// Wait blocks until the session has closed, its transfers have settled and
// every queued event has been delivered, or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.events.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
