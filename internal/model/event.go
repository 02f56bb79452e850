package model

import "time"

// Event is the canonical in-memory representation of one submitted event.
// EventID is the sole identity key; two events with the same EventID denote
// the same logical event regardless of other field differences.
type Event struct {
	EventID   string
	EventType string
	Payload   map[string]any
	CreatedAt *time.Time // advisory only, never used for dedup or ordering
}

// IncomingEvent is the wire DTO decoded from one websocket frame.
type IncomingEvent struct {
	EventID   string         `json:"event_id" validate:"required,notblank,max=255"`
	EventType string         `json:"event_type" validate:"required,notblank,max=100"`
	Payload   map[string]any `json:"payload"`
	CreatedAt *time.Time     `json:"created_at"`
}

// ToEvent converts the wire DTO into the canonical record. The payload is
// normalized to an empty object so the store's NOT NULL constraint holds.
func (in *IncomingEvent) ToEvent() *Event {
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		EventID:   in.EventID,
		EventType: in.EventType,
		Payload:   payload,
		CreatedAt: in.CreatedAt,
	}
}
