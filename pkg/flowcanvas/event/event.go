// Package event carries capture progress from the orchestrator to any
// number of listeners.
//
// The orchestrator writes to a Sink and never waits on it. A Bus fans
// events out per topic (one topic per capture id), dropping events for
// subscribers whose buffer is full, so a slow or vanished client can never
// stall a capture.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the event type as sent on the stream.
type Type string

// Stream event types.
const (
	TypeStatus   Type = "status"
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Terminal reports whether no further events follow an event of type t.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

// Event is one stream message. Data is the type-specific payload and is
// marshaled to JSON for transport.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// New creates an event with a generated id and the current time.
func New(topic string, typ Type, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Topic:     topic,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// DataBytes returns the JSON encoding of the payload.
func (e Event) DataBytes() ([]byte, error) {
	return json.Marshal(e.Data)
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Emit(evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(evt Event) { f(evt) }

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Tee returns a Sink that emits to each sink in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(evt Event) {
		for _, s := range sinks {
			s.Emit(evt)
		}
	})
}
