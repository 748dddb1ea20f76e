package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every event envelope.
const SchemaVersion = "1.0"

// Event is the envelope written to every topic.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	OwnerUserID   string          `json:"owner_user_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent wraps data in an envelope with a fresh id.
func NewEvent(eventType, source, ownerUserID string, occurredAt time.Time, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		OwnerUserID:   ownerUserID,
		Timestamp:     occurredAt.UTC(),
		SchemaVersion: SchemaVersion,
		Data:          raw,
	}, nil
}

// Headers are the record headers consumers route on without decoding the value.
func (e Event) Headers() map[string]string {
	h := map[string]string{
		"source":     e.Source,
		"event_type": e.Type,
	}
	if e.OwnerUserID != "" {
		h["owner_user_id"] = e.OwnerUserID
	}
	return h
}
