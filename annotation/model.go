// Package annotation holds the signal and mention model exchanged on the event bus and builds
// object mentions from detection results.
package annotation

import (
	"go.viam.com/objrec/geometry"
	"go.viam.com/objrec/vision/objectdetection"
)

const (
	// RulerTypeMultiIndex is the ruler type of image regions.
	RulerTypeMultiIndex = "MultiIndex"
	// AnnotationTypeObject is the annotation type of detected objects.
	AnnotationTypeObject = "Object"
	// ImageSignalEventType tags events carrying an ImageSignal.
	ImageSignalEventType = "ImageSignalEvent"
	// RecognitionEventType tags events carrying object mentions.
	RecognitionEventType = "ObjectRecognitionEvent"
)

// A Ruler is a region of a signal. For images Bounds is (x0, y0, x1, y1) in pixels.
type Ruler struct {
	Type        string `json:"type" bson:"type"`
	ContainerID string `json:"container_id" bson:"container_id"`
	Bounds      [4]int `json:"bounds" bson:"bounds"`
}

// NewImageRuler returns the ruler spanning region of the image signal containerID.
func NewImageRuler(containerID string, region geometry.Bounds) Ruler {
	return Ruler{
		Type:        RulerTypeMultiIndex,
		ContainerID: containerID,
		Bounds:      [4]int{region.X0, region.Y0, region.X1, region.Y1},
	}
}

// Region returns the ruler's bounds.
func (r Ruler) Region() geometry.Bounds {
	return geometry.FromCorners(r.Bounds[0], r.Bounds[1], r.Bounds[2], r.Bounds[3])
}

// Area returns the sub-ruler of r covering region.
func (r Ruler) Area(region geometry.Bounds) Ruler {
	return NewImageRuler(r.ContainerID, region)
}

// ImageSignal references an image and the coordinate frame it is annotated in. Time is in
// milliseconds since the epoch.
type ImageSignal struct {
	ID    string   `json:"id" bson:"id"`
	Files []string `json:"files" bson:"files"`
	Ruler Ruler    `json:"ruler" bson:"ruler"`
	Time  int64    `json:"time" bson:"time"`
}

// Location returns where the image can be loaded from, or "" when the signal has no file.
func (s ImageSignal) Location() string {
	if len(s.Files) == 0 {
		return ""
	}
	return s.Files[0]
}

// An Annotation is a typed value attached to a mention. Value is nil when the mention records
// that no object was found. Timestamp is in milliseconds since the epoch.
type Annotation struct {
	Type      string                  `json:"type" bson:"type"`
	Value     *objectdetection.Object `json:"value" bson:"value"`
	Source    string                  `json:"source" bson:"source"`
	Timestamp int64                   `json:"timestamp" bson:"timestamp"`
}

// A Mention attaches annotations to segments of a signal.
type Mention struct {
	ID          string       `json:"id" bson:"id"`
	Segment     []Ruler      `json:"segment" bson:"segment"`
	Annotations []Annotation `json:"annotations" bson:"annotations"`
}

// RecognitionEvent is published once per processed image.
type RecognitionEvent struct {
	Type     string    `json:"type" bson:"type"`
	Mentions []Mention `json:"mentions" bson:"mentions"`
}

// ImageSignalEvent announces a new image.
type ImageSignalEvent struct {
	Type   string      `json:"type" bson:"type"`
	Signal ImageSignal `json:"signal" bson:"signal"`
}

// NewImageSignalEvent wraps signal.
func NewImageSignalEvent(signal ImageSignal) ImageSignalEvent {
	return ImageSignalEvent{Type: ImageSignalEventType, Signal: signal}
}
