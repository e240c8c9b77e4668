package event

import "time"

// DomainEventEnvelope is the canonical envelope consumed across services.
// message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// EventPublishedPayload / EventUpdatedPayload
// Tolerant: extra producer fields are ignored by json.Unmarshal.
type EventPublishedPayload struct {
	EventID  string `json:"event_id"`
	HostID   string `json:"host_id,omitempty"`
	Capacity *int   `json:"capacity,omitempty"` // pointer so missing is detectable
	Status   string `json:"status,omitempty"`
}

type EventUpdatedPayload = EventPublishedPayload

// EventCanceledPayload accepts both event_id and legacy id.
type EventCanceledPayload struct {
	EventID string `json:"event_id,omitempty"`
	ID      string `json:"id,omitempty"` // legacy producer
	Reason  string `json:"reason,omitempty"`
}
