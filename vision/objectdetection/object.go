// Package objectdetection defines the typed output of an object detector: the detected objects
// and the boxes that locate them in the image.
package objectdetection

import (
	"github.com/pkg/errors"

	"go.viam.com/objrec/geometry"
)

// Object is the information a detector reports about one detected object. Type is always set;
// detectors that only report a type leave Label empty and Confidence nil.
type Object struct {
	Type       string   `json:"type"`
	Label      string   `json:"label,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// NewObject returns an Object whose type and label are both label.
func NewObject(label string, confidence float64) Object {
	return Object{Type: label, Label: label, Confidence: &confidence}
}

// Name returns the label, or the type for objects without one.
func (o Object) Name() string {
	if o.Label != "" {
		return o.Label
	}
	return o.Type
}

// Score returns the confidence, or 1 when the detector did not report one.
func (o Object) Score() float64 {
	if o.Confidence == nil {
		return 1
	}
	return *o.Confidence
}

// Result pairs detected objects with their bounds: Bounds[i] locates Objects[i].
type Result struct {
	Objects []Object
	Bounds  []geometry.Bounds
}

// NewResult checks that objects and bounds line up.
func NewResult(objects []Object, bounds []geometry.Bounds) (Result, error) {
	if len(objects) != len(bounds) {
		return Result{}, errors.Errorf("got %d objects but %d bounds", len(objects), len(bounds))
	}
	return Result{Objects: objects, Bounds: bounds}, nil
}

// Len is the number of detections. Objects without bounds, or bounds without objects, do not count.
func (r Result) Len() int {
	return min(len(r.Objects), len(r.Bounds))
}

// Empty reports whether nothing was detected.
func (r Result) Empty() bool {
	return r.Len() == 0
}

// BoundsFromLTRB maps a raw detector box [left, top, right, bottom] onto Bounds. The second and
// third entries trade places because Bounds is constructed in (x0, x1, y0, y1) order.
func BoundsFromLTRB(box [4]int) geometry.Bounds {
	return geometry.New(box[0], box[2], box[1], box[3])
}
