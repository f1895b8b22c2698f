// Package eventstore records the events published on the bus so processed images and their
// mentions can be inspected later.
package eventstore

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"go.viam.com/objrec/eventbus"
)

// Config configures the MongoDB store. An empty MongoURI disables recording.
type Config struct {
	MongoURI   string `json:"mongo_uri" mapstructure:"mongo_uri"`
	Database   string `json:"database" mapstructure:"database"`
	Collection string `json:"collection" mapstructure:"collection"`
}

// Enabled reports whether events should be recorded.
func (cfg *Config) Enabled() bool {
	return cfg.MongoURI != ""
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.Database == "" {
		return errors.Errorf("%s: expected database field to be set", path)
	}
	if cfg.Collection == "" {
		return errors.Errorf("%s: expected collection field to be set", path)
	}
	return nil
}

// A Record is one stored event. Payload holds the decoded JSON object, or the raw JSON text when
// the payload is not an object.
type Record struct {
	ID        string      `bson:"_id"`
	Topic     string      `bson:"topic"`
	Timestamp time.Time   `bson:"timestamp"`
	Payload   interface{} `bson:"payload"`
}

// NewRecord converts event, published on topic, into a Record.
func NewRecord(topic string, event eventbus.Event) (Record, error) {
	rec := Record{
		ID:        event.ID,
		Topic:     topic,
		Timestamp: time.UnixMilli(event.Timestamp).UTC(),
	}
	payload := bytes.TrimSpace(event.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		rec.Payload = string(payload)
		return rec, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(payload, false, &doc); err != nil {
		return Record{}, errors.Wrapf(err, "could not convert event %s", event.ID)
	}
	rec.Payload = doc
	return rec, nil
}

// A Store persists records. Inserting a record whose ID is already stored is not an error.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Close(ctx context.Context) error
}
