package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventSessionStarted EventType = "session.started"
	EventStatusChanged  EventType = "session.status_changed"
	EventSessionEnded   EventType = "session.ended"
	EventSessionFatal   EventType = "session.fatal"
	EventQualityChange  EventType = "quality.changed"
	EventBufferStarved  EventType = "buffer.starved"
	EventCacheBypass    EventType = "cache.bypass"
	EventSegmentFailed  EventType = "segment.failed"
	EventAlertRaised    EventType = "alert.raised"
	EventAlertResolved  EventType = "alert.resolved"
)

type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id,omitempty"`
	SessionID  SessionID       `json:"session_id,omitempty"`
	StreamID   StreamID        `json:"stream_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an event. A payload that fails to
// marshal is dropped; events are best-effort notifications.
func NewEvent(t EventType, sessionID SessionID, streamID StreamID, at time.Time, payload interface{}) Event {
	ev := Event{
		Type:      t,
		SessionID: sessionID,
		StreamID:  streamID,
		Timestamp: at,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
