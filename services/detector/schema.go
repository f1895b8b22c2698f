package detector

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Schema names the fields of the detection service's request and reply.
type Schema struct {
	Image   string `json:"image" mapstructure:"image"`
	Results string `json:"results" mapstructure:"results"`
	Box     string `json:"box" mapstructure:"box"`
	Label   string `json:"label" mapstructure:"label"`
	Type    string `json:"type" mapstructure:"type"`
	Score   string `json:"score" mapstructure:"score"`
}

// DefaultSchema matches the YOLOv5 detection server.
var DefaultSchema = Schema{
	Image:   "image",
	Results: "yolo_results",
	Box:     "bbox",
	Label:   "label_string",
	Type:    "type",
	Score:   "det_score",
}

// withDefaults fills every unset field from DefaultSchema.
func (s Schema) withDefaults() Schema {
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.Image, DefaultSchema.Image)
	fill(&s.Results, DefaultSchema.Results)
	fill(&s.Box, DefaultSchema.Box)
	fill(&s.Label, DefaultSchema.Label)
	fill(&s.Type, DefaultSchema.Type)
	fill(&s.Score, DefaultSchema.Score)
	return s
}

// record is one detection of a reply, already validated.
type record struct {
	Box   [4]float64
	Label string
	Score *float64
}

// parseReply decodes a detection reply into records. The body is either a JSON object or a JSON
// string holding one.
func (s Schema) parseReply(body []byte) ([]record, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '"' {
		var inner string
		if err := json.Unmarshal(body, &inner); err != nil {
			return nil, errors.Wrap(err, "malformed string reply")
		}
		body = []byte(inner)
	}

	var reply map[string]json.RawMessage
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, errors.Wrap(err, "reply is not a JSON object")
	}
	rawResults, ok := reply[s.Results]
	if !ok {
		return nil, errors.Errorf("reply has no %q field", s.Results)
	}
	var rawRecords []map[string]json.RawMessage
	if err := json.Unmarshal(rawResults, &rawRecords); err != nil {
		return nil, errors.Wrapf(err, "field %q is not a list of records", s.Results)
	}

	records := make([]record, 0, len(rawRecords))
	for i, raw := range rawRecords {
		rec, err := s.parseRecord(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s Schema) parseRecord(raw map[string]json.RawMessage) (record, error) {
	var rec record

	rawBox, ok := raw[s.Box]
	if !ok {
		return rec, errors.Errorf("missing %q", s.Box)
	}
	var box []float64
	if err := json.Unmarshal(rawBox, &box); err != nil {
		return rec, errors.Wrapf(err, "malformed %q", s.Box)
	}
	if len(box) != 4 {
		return rec, errors.Errorf("%q must have 4 coordinates, got %d", s.Box, len(box))
	}
	copy(rec.Box[:], box)

	rawLabel, ok := present(raw, s.Label)
	if !ok {
		rawLabel, ok = present(raw, s.Type)
	}
	if !ok {
		return rec, errors.Errorf("missing %q or %q", s.Label, s.Type)
	}
	if err := json.Unmarshal(rawLabel, &rec.Label); err != nil {
		return rec, errors.Wrap(err, "malformed label")
	}
	if rec.Label == "" {
		return rec, errors.Errorf("missing %q or %q", s.Label, s.Type)
	}

	if rawScore, ok := raw[s.Score]; ok && string(rawScore) != "null" {
		var score float64
		if err := json.Unmarshal(rawScore, &score); err != nil {
			return rec, errors.Wrapf(err, "malformed %q", s.Score)
		}
		rec.Score = &score
	}
	return rec, nil
}

// present returns the value of key unless it is absent or null.
func present(raw map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}
