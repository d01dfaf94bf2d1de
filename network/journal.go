package network

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"peerchat/storage"
)

// journal writes session events to the optional activity store. A nil store
// makes every call a no-op.
type journal struct {
	store     *storage.Store
	sessionID string
	log       *logrus.Entry
}

func (j journal) record(eventType string, severity storage.Severity, details map[string]any) {
	j.write("", eventType, severity, details)
}

// recordTransfer files an event under the transfer job it belongs to.
func (j journal) recordTransfer(job *TransferJob, eventType string, severity storage.Severity, details map[string]any) {
	j.write(job.ID, eventType, severity, details)
}

func (j journal) write(transferID, eventType string, severity storage.Severity, details map[string]any) {
	if j.store == nil {
		return
	}

	payload := "{}"
	if len(details) > 0 {
		encoded, err := json.Marshal(details)
		if err != nil {
			j.log.WithError(err).WithField("event_type", eventType).Warn("Failed to encode journal details")
		} else {
			payload = string(encoded)
		}
	}

	sessionID := j.sessionID
	if err := j.store.LogEvent(storage.Event{
		EventType:  eventType,
		SessionID:  &sessionID,
		TransferID: &transferID,
		Details:    payload,
		Severity:   severity,
	}); err != nil {
		j.log.WithError(err).WithField("event_type", eventType).Debug("Journal write failed")
	}
}
