// Package events publishes session lifecycle notifications for external
// consumers. Publishing is fire-and-forget; the broker never waits on it.
package events

import (
	"encoding/json"
	"time"
)

// Event types.
const (
	SessionMatched  = "session.matched"
	SessionReleased = "session.released"
	SessionEnded    = "session.ended"
)

// Event is the JSON payload published for each lifecycle transition.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	PartnerID string    `json:"partner_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps an event with the current time.
func New(eventType, sessionID, partnerID string) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		PartnerID: partnerID,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(e Event) error
	Close()
}

// Noop discards every event. It is used when no broker URL is configured.
type Noop struct{}

func (Noop) Publish(Event) error { return nil }
func (Noop) Close()              {}

func encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}
