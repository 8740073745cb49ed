package watchbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a cache entry transition.
type Kind string

const (
	KindInserted  Kind = "inserted"
	KindDuplicate Kind = "duplicate"
	KindRemoved   Kind = "removed"
	KindTaken     Kind = "taken"
	KindExpired   Kind = "expired"
)

// Event describes a single transition of a cache entry.
type Event struct {
	ID    string    `json:"id"`
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	Value string    `json:"value,omitempty"`
	At    time.Time `json:"at"`
}

// NewEvent returns an Event with a fresh ID.
func NewEvent(kind Kind, key, value string, at time.Time) Event {
	return Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		Key:   key,
		Value: value,
		At:    at.UTC(),
	}
}

// Encode returns the wire form of the event.
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// DecodeEvent parses an event produced by Encode.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
