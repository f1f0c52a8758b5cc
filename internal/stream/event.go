// Package stream fans out analysis results and alerts to per-topic
// subscribers with bounded, resumable delivery.
package stream

import (
	"encoding/json"
	"time"
)

// EventType names an event on the wire.
type EventType string

const (
	EventConnection   EventType = "connection"
	EventHeartbeat    EventType = "heartbeat"
	EventIntelligence EventType = "intelligence"
	EventAlert        EventType = "alert"
	EventError        EventType = "error"
	EventComplete     EventType = "complete"
	EventGap          EventType = "gap"
)

// Event is one message on a topic. ID is zero for events that are not part
// of the topic sequence (connection, heartbeat, gap).
type Event struct {
	ID    uint64          `json:"id,omitempty"`
	Type  EventType       `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
	Time  time.Time       `json:"time"`

	final bool
}

// Final reports whether the subscription ends after this event.
func (e Event) Final() bool {
	return e.final
}

// ConnectionPayload is sent first on every subscription.
type ConnectionPayload struct {
	SubscriberID string    `json:"subscriber_id"`
	Topic        string    `json:"topic"`
	LastEventID  uint64    `json:"last_event_id"`
	ServerTime   time.Time `json:"server_time"`
}

// HeartbeatPayload is sent when a subscription has been idle for the
// heartbeat interval.
type HeartbeatPayload struct {
	ServerTime time.Time `json:"server_time"`
}

// GapPayload reports events the subscriber will never receive. From and To
// are inclusive event ids.
type GapPayload struct {
	From    uint64 `json:"from"`
	To      uint64 `json:"to"`
	Dropped int    `json:"dropped"`
}

// AlertPayload is a budget or system alert.
type AlertPayload struct {
	Level       string  `json:"level"`
	Message     string  `json:"message"`
	Utilization float64 `json:"utilization,omitempty"`
	SpentUSD    float64 `json:"spent_usd,omitempty"`
	LimitUSD    float64 `json:"limit_usd,omitempty"`
}

// ErrorPayload reports a publisher-side failure.
type ErrorPayload struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// CompletePayload closes a topic stream.
type CompletePayload struct {
	Reason string `json:"reason,omitempty"`
}
