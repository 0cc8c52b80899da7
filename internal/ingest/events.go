package ingest

import (
	"time"

	"github.com/example/pickup-matching/internal/models"
)

// EventType labels request change events on the wire.
type EventType string

const (
	EventRequestCreated EventType = "request_created"
	EventStatusChanged  EventType = "status_changed"
	EventRequestReveal  EventType = "request_revealed"
)

// RequestEvent is the Kafka payload for every request mutation. The full
// record rides along minus its tracking number; sensitive fields never
// enter the event pipeline.
type RequestEvent struct {
	Type      EventType             `json:"type"`
	RequestID string                `json:"request_id"`
	Request   models.PackageRequest `json:"request"`
	At        time.Time             `json:"at"`
}

// NewRequestEvent builds an event with the tracking number stripped.
func NewRequestEvent(t EventType, req models.PackageRequest) RequestEvent {
	req.TrackingNumber = ""
	return RequestEvent{Type: t, RequestID: req.ID, Request: req, At: time.Now()}
}
