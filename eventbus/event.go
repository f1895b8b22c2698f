// Package eventbus carries JSON events between components by topic. It provides an in-process bus
// and a websocket bridge that exposes a bus to other processes.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Event is the envelope of everything published on a bus. Timestamp is in milliseconds since the
// epoch.
type Event struct {
	ID        string          `json:"id" bson:"id"`
	Timestamp int64           `json:"timestamp" bson:"timestamp"`
	Payload   json.RawMessage `json:"payload" bson:"payload"`
}

// NewEvent marshals payload into a new event with a fresh id.
func NewEvent(payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrap(err, "could not marshal event payload")
	}
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("event %s has no payload", e.ID)
	}
	return errors.Wrapf(json.Unmarshal(e.Payload, v), "could not decode event %s", e.ID)
}

// fill sets the id and timestamp of events built by hand.
func (e Event) fill() Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return e
}
