package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000

	eventColumns = `id, event_type, session_id, transfer_id, details, severity, timestamp`
)

// SetEventRetention configures the automatic pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.mu.Lock()
	s.eventRetention = retention
	s.mu.Unlock()
}

// LogEvent inserts a journal event and applies retention pruning. Blank
// session and transfer ids are stored as NULL. An unknown severity is
// rejected by the table.
func (s *Store) LogEvent(event Event) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	_, err := s.db.Exec(
		`INSERT INTO events (
			event_type,
			session_id,
			transfer_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(trimmedID(event.SessionID)),
		nullString(trimmedID(event.TransferID)),
		event.Details,
		string(event.Severity),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event %q: %w", event.EventType, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.pruneEvents(cutoff); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
	}

	return nil
}

// GetEvents returns recent events, newest first, with optional filtering.
func (s *Store) GetEvents(filter EventFilter) ([]Event, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.TransferID != "" {
		where = append(where, "transfer_id = ?")
		args = append(args, filter.TransferID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	query := strings.Builder{}
	query.WriteString("SELECT " + eventColumns + " FROM events")
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	return s.queryEvents(query.String(), args...)
}

// SessionEvents returns one session's events in the order they happened,
// keeping the most recent limit of them.
func (s *Store) SessionEvents(sessionID string, limit int) ([]Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id is required")
	}
	return s.queryEvents(
		`SELECT * FROM (
			SELECT `+eventColumns+` FROM events
			WHERE session_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`,
		sessionID, clampLimit(limit),
	)
}

// TransferEvents returns the history of one transfer job, oldest first.
func (s *Store) TransferEvents(transferID string) ([]Event, error) {
	if strings.TrimSpace(transferID) == "" {
		return nil, errors.New("transfer id is required")
	}
	return s.queryEvents(
		`SELECT `+eventColumns+` FROM events
		WHERE transfer_id = ?
		ORDER BY timestamp ASC, id ASC`,
		transferID,
	)
}

// Sessions summarizes the most recently active sessions, newest first.
func (s *Store) Sessions(limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(
		`SELECT
			session_id,
			MIN(timestamp),
			MAX(timestamp),
			COUNT(1),
			COUNT(DISTINCT transfer_id),
			SUM(CASE WHEN severity = ? THEN 1 ELSE 0 END)
		FROM events
		WHERE session_id IS NOT NULL
		GROUP BY session_id
		ORDER BY MAX(timestamp) DESC, session_id
		LIMIT ?`,
		string(SeverityError), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]SessionSummary, 0)
	for rows.Next() {
		var summary SessionSummary
		if err := rows.Scan(
			&summary.SessionID,
			&summary.FirstSeen,
			&summary.LastSeen,
			&summary.Events,
			&summary.Transfers,
			&summary.Failures,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return summaries, nil
}

// PruneEvents removes events older than cutoffTimestamp.
func (s *Store) PruneEvents(cutoffTimestamp int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	return s.pruneEvents(cutoffTimestamp)
}

func (s *Store) pruneEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for event prune: %w", err)
	}

	return rowsAffected, nil
}

func (s *Store) queryEvents(query string, args ...any) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return events, nil
}

func scanEvent(row scanner) (*Event, error) {
	var (
		event      Event
		sessionID  sql.NullString
		transferID sql.NullString
		severity   string
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&sessionID,
		&transferID,
		&event.Details,
		&severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.SessionID = stringPtr(sessionID)
	event.TransferID = stringPtr(transferID)
	event.Severity = Severity(severity)
	return &event, nil
}

func trimmedID(id *string) *string {
	if id == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*id)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	return min(limit, maxEventLimit)
}
