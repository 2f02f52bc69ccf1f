// Package realtime holds the in-memory presence and channel state that
// fans events out to live sessions.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Session is one live connection owned by one user.
type Session interface {
	ID() string
	UserID() string
	// Send enqueues an encoded frame without blocking. It reports false when
	// the frame was dropped.
	Send(frame []byte) bool
}

// Evictable is implemented by sessions that track their own channel
// memberships. The router calls Evicted after removing the session from a
// channel on someone else's behalf, never while holding its locks.
type Evictable interface {
	Evicted(conversationID string)
}

func notifyEvicted(conversationID string, removed []Session) {
	for _, s := range removed {
		if e, ok := s.(Evictable); ok {
			e.Evicted(conversationID)
		}
	}
}

// Frame is the wire unit in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EncodeEvent renders a server-pushed event frame.
func EncodeEvent(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Type: event, Payload: raw})
}

// Control values carried on a channel topic.
const (
	controlEvict = "evict"
	controlClose = "close"
)

// envelope is what travels over the bus.
type envelope struct {
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Exclude is a session id that must not receive the event.
	Exclude string `json:"exclude,omitempty"`
	Control string `json:"control,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (e envelope) frame() []byte {
	data, _ := json.Marshal(Frame{Type: e.Event, Payload: e.Payload})
	return data
}

func newEventEnvelope(event string, payload any, exclude string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return encodeEnvelope(envelope{Event: event, Payload: raw, Exclude: exclude})
}
