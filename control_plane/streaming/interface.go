package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope of everything exported outside the process.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// NewEvent wraps payload in an envelope with a fresh ID.
func NewEvent(topic, eventType string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    "control-plane",
	}, nil
}

// Publisher ships events to an external system.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Close() error
}
