package storage

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrClosed indicates the store has already been closed.
	ErrClosed = errors.New("storage: store is closed")
)

// Severity grades a journal event. The events table accepts only the three
// values below.
type Severity string

const (
	// SeverityInfo marks routine lifecycle events.
	SeverityInfo Severity = "info"
	// SeverityWarning marks recoverable problems such as a discarded frame.
	SeverityWarning Severity = "warning"
	// SeverityError marks failed connections and transfers.
	SeverityError Severity = "error"
)

// Journal event types written by the network layer.
const (
	EventListening        = "listening"
	EventConnected        = "connected"
	EventConnectFailed    = "connect_failed"
	EventDisconnected     = "disconnected"
	EventProtocolError    = "protocol_error"
	EventTransferStarted  = "transfer_started"
	EventTransferSent     = "transfer_sent"
	EventTransferReceived = "transfer_received"
	EventTransferFailed   = "transfer_failed"
)

// Event is one journal row. Details holds JSON object text. TransferID is
// set on events that belong to one file transfer job.
type Event struct {
	ID         int64
	EventType  string
	SessionID  *string
	TransferID *string
	Details    string
	Severity   Severity
	Timestamp  int64
}

// SessionSummary is one session's footprint in the journal.
type SessionSummary struct {
	SessionID string
	FirstSeen int64
	LastSeen  int64
	Events    int
	Transfers int
	Failures  int
}

// EventFilter narrows GetEvents query results.
type EventFilter struct {
	EventType     string
	SessionID     string
	TransferID    string
	Severity      Severity
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
