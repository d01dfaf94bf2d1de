package storage

import (
	"testing"
	"time"
)

func TestLogAndQueryEvents(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	sessionID := "session-1"

	if err := store.LogEvent(Event{
		EventType: EventProtocolError,
		SessionID: &sessionID,
		Details:   `{"error":"unknown control command"}`,
		Severity:  SeverityWarning,
		Timestamp: now - 1_000,
	}); err != nil {
		t.Fatalf("LogEvent protocol error failed: %v", err)
	}
	if err := store.LogEvent(Event{
		EventType: EventTransferReceived,
		SessionID: &sessionID,
		Details:   `{"filename":"notes.txt","size":10}`,
		Severity:  SeverityInfo,
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogEvent transfer failed: %v", err)
	}
	if err := store.LogEvent(Event{
		EventType: EventListening,
		SessionID: strPtr("session-2"),
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogEvent other session failed: %v", err)
	}

	all, err := store.GetEvents(EventFilter{
		SessionID: sessionID,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("GetEvents all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	if all[0].EventType != EventTransferReceived {
		t.Fatalf("expected newest event type %q, got %q", EventTransferReceived, all[0].EventType)
	}
	if all[1].EventType != EventProtocolError {
		t.Fatalf("expected older event type %q, got %q", EventProtocolError, all[1].EventType)
	}

	filtered, err := store.GetEvents(EventFilter{
		EventType: EventProtocolError,
		Severity:  SeverityWarning,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("GetEvents filtered failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(filtered))
	}
	if filtered[0].Details != `{"error":"unknown control command"}` {
		t.Fatalf("unexpected filtered event details: %q", filtered[0].Details)
	}
}

func TestLogEventDefaultsAndValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogEvent(Event{}); err == nil {
		t.Fatalf("expected missing event type to fail")
	}
	if err := store.LogEvent(Event{EventType: EventConnected, Severity: "fatal"}); err == nil {
		t.Fatalf("expected the table to reject an unknown severity")
	}
	if err := store.LogEvent(Event{EventType: EventConnected, Details: "not json"}); err == nil {
		t.Fatalf("expected invalid details to fail")
	}

	if err := store.LogEvent(Event{EventType: EventConnected, SessionID: strPtr("  "), TransferID: strPtr("")}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	events, err := store.GetEvents(EventFilter{})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.Severity != SeverityInfo {
		t.Fatalf("expected default severity info, got %q", got.Severity)
	}
	if got.Details != "{}" {
		t.Fatalf("expected default details {}, got %q", got.Details)
	}
	if got.SessionID != nil {
		t.Fatalf("expected blank session id stored as NULL, got %q", *got.SessionID)
	}
	if got.TransferID != nil {
		t.Fatalf("expected blank transfer id stored as NULL, got %q", *got.TransferID)
	}
	if got.Timestamp == 0 {
		t.Fatalf("expected timestamp to be filled")
	}
}

func TestEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetEventRetention(1 * time.Second)

	now := nowUnixMilli()

	if err := store.LogEvent(Event{
		EventType: "old_event",
		Details:   `{"state":"old"}`,
		Severity:  SeverityInfo,
		Timestamp: now - 10_000,
	}); err != nil {
		t.Fatalf("LogEvent old_event failed: %v", err)
	}
	if err := store.LogEvent(Event{
		EventType: "new_event",
		Details:   `{"state":"new"}`,
		Severity:  SeverityInfo,
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogEvent new_event failed: %v", err)
	}

	events, err := store.GetEvents(EventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after retention prune, got %d", len(events))
	}
	if events[0].EventType != "new_event" {
		t.Fatalf("expected retained event type new_event, got %q", events[0].EventType)
	}
}

func TestPruneEventsRejectsInvalidCutoff(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.PruneEvents(0); err == nil {
		t.Fatalf("expected zero cutoff to fail")
	}

	if err := store.LogEvent(Event{EventType: EventDisconnected}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	removed, err := store.PruneEvents(nowUnixMilli() + 60_000)
	if err != nil {
		t.Fatalf("PruneEvents failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}
}

func TestSessionEventsAreChronological(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	steps := []string{EventListening, EventConnected, EventTransferStarted, EventDisconnected}
	for i, eventType := range steps {
		if err := store.LogEvent(Event{
			EventType: eventType,
			SessionID: strPtr("session-1"),
			Timestamp: now + int64(i),
		}); err != nil {
			t.Fatalf("LogEvent %s failed: %v", eventType, err)
		}
	}
	if err := store.LogEvent(Event{EventType: EventListening, SessionID: strPtr("session-2"), Timestamp: now}); err != nil {
		t.Fatalf("LogEvent other session failed: %v", err)
	}

	events, err := store.SessionEvents("session-1", 0)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("expected %d events, got %d", len(steps), len(events))
	}
	for i, eventType := range steps {
		if events[i].EventType != eventType {
			t.Fatalf("event %d: expected %q, got %q", i, eventType, events[i].EventType)
		}
	}

	latest, err := store.SessionEvents("session-1", 2)
	if err != nil {
		t.Fatalf("SessionEvents with limit failed: %v", err)
	}
	if len(latest) != 2 || latest[0].EventType != EventTransferStarted || latest[1].EventType != EventDisconnected {
		t.Fatalf("expected the two latest events in order, got %+v", latest)
	}

	if _, err := store.SessionEvents(" ", 10); err == nil {
		t.Fatalf("expected blank session id to fail")
	}
}

func TestTransferEventsFollowOneJob(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	log := func(transferID, eventType string, severity Severity, offset int64) {
		t.Helper()
		if err := store.LogEvent(Event{
			EventType:  eventType,
			SessionID:  strPtr("session-1"),
			TransferID: strPtr(transferID),
			Severity:   severity,
			Timestamp:  now + offset,
		}); err != nil {
			t.Fatalf("LogEvent %s failed: %v", eventType, err)
		}
	}
	log("job-a", EventTransferStarted, SeverityInfo, 0)
	log("job-b", EventTransferStarted, SeverityInfo, 1)
	log("job-a", EventTransferReceived, SeverityInfo, 2)
	log("job-b", EventTransferFailed, SeverityError, 3)

	events, err := store.TransferEvents("job-a")
	if err != nil {
		t.Fatalf("TransferEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for job-a, got %d", len(events))
	}
	if events[0].EventType != EventTransferStarted || events[1].EventType != EventTransferReceived {
		t.Fatalf("unexpected job-a history: %q then %q", events[0].EventType, events[1].EventType)
	}
	if events[0].TransferID == nil || *events[0].TransferID != "job-a" {
		t.Fatalf("expected transfer id job-a on returned events")
	}

	failed, err := store.GetEvents(EventFilter{TransferID: "job-b", Severity: SeverityError})
	if err != nil {
		t.Fatalf("GetEvents by transfer failed: %v", err)
	}
	if len(failed) != 1 || failed[0].EventType != EventTransferFailed {
		t.Fatalf("expected the job-b failure, got %+v", failed)
	}
}

func TestSessionsSummarizesActivity(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	events := []Event{
		{EventType: EventConnected, SessionID: strPtr("older"), Timestamp: now - 5_000},
		{EventType: EventDisconnected, SessionID: strPtr("older"), Timestamp: now - 4_000},
		{EventType: EventConnected, SessionID: strPtr("newer"), Timestamp: now - 1_000},
		{EventType: EventTransferStarted, SessionID: strPtr("newer"), TransferID: strPtr("job-1"), Timestamp: now - 900},
		{EventType: EventTransferFailed, SessionID: strPtr("newer"), TransferID: strPtr("job-1"), Severity: SeverityError, Timestamp: now - 800},
		{EventType: EventTransferSent, SessionID: strPtr("newer"), TransferID: strPtr("job-2"), Timestamp: now},
		{EventType: EventListening, Timestamp: now},
	}
	for _, event := range events {
		if err := store.LogEvent(event); err != nil {
			t.Fatalf("LogEvent %s failed: %v", event.EventType, err)
		}
	}

	sessions, err := store.Sessions(10)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	newer := sessions[0]
	if newer.SessionID != "newer" {
		t.Fatalf("expected most recent session first, got %q", newer.SessionID)
	}
	if newer.Events != 4 || newer.Transfers != 2 || newer.Failures != 1 {
		t.Fatalf("unexpected summary for newer: %+v", newer)
	}
	if newer.FirstSeen != now-1_000 || newer.LastSeen != now {
		t.Fatalf("unexpected time span for newer: %d..%d", newer.FirstSeen, newer.LastSeen)
	}

	older := sessions[1]
	if older.Events != 2 || older.Transfers != 0 || older.Failures != 0 {
		t.Fatalf("unexpected summary for older: %+v", older)
	}
}
