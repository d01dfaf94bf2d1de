package network

import "errors"

// Error categories. Every specific error below belongs to exactly one
// category so callers can branch with errors.Is on either.
var (
	// ErrConnect covers dial, bind and connect-timeout failures.
	ErrConnect = errors.New("network: connect error")
	// ErrProtocol covers malformed or undecodable frames.
	ErrProtocol = errors.New("network: protocol error")
	// ErrTransfer covers file transfer failures that abort one job only.
	ErrTransfer = errors.New("network: transfer error")
	// ErrState covers calls that are invalid in the current session state.
	ErrState = errors.New("network: state error")
)

var (
	// ErrNotConnected rejects send calls while no peer is connected.
	ErrNotConnected = categorized(ErrState, "not connected")
	// ErrTransferInFlight rejects a second outbound transfer.
	ErrTransferInFlight = categorized(ErrState, "a file transfer is already in progress")
	// ErrSessionClosed rejects starting a session that has already closed.
	ErrSessionClosed = categorized(ErrState, "session is closed")
	// ErrAlreadyStarted rejects a second listen or dial on one session.
	ErrAlreadyStarted = categorized(ErrState, "session already started")

	ErrFileTooLarge       = categorized(ErrTransfer, "file exceeds maximum transfer size")
	ErrInsufficientMemory = categorized(ErrTransfer, "insufficient memory for file transfer")
	ErrSizeMismatch       = categorized(ErrTransfer, "file size mismatch")

	ErrMalformedFrame = categorized(ErrProtocol, "invalid file transfer format")
	ErrUnknownCommand = categorized(ErrProtocol, "unknown control command")
	ErrLineTooLong    = categorized(ErrProtocol, "line exceeds maximum length")

	// Encoder-side rejections. These never reach the wire.
	ErrInvalidFilename = errors.New("network: invalid filename")
	ErrReservedPrefix  = errors.New("network: chat text starts with the reserved control prefix")
	ErrMultilineText   = errors.New("network: chat text must be a single line")
)

type categoryError struct {
	category error
	msg      string
}

func categorized(category error, msg string) error {
	return &categoryError{category: category, msg: msg}
}

func (e *categoryError) Error() string {
	return e.msg
}

func (e *categoryError) Unwrap() error {
	return e.category
}
