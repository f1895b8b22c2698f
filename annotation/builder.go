package annotation

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"go.viam.com/objrec/geometry"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/vision/objectdetection"
)

// Builder turns detection results into object mentions of an image signal.
type Builder struct {
	source string
	clock  clock.Clock
	newID  func() string
	logger logging.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock sets the clock annotation timestamps are taken from.
func WithClock(c clock.Clock) BuilderOption {
	return func(b *Builder) {
		b.clock = c
	}
}

// WithIDGenerator sets how mention ids are generated.
func WithIDGenerator(newID func() string) BuilderOption {
	return func(b *Builder) {
		b.newID = newID
	}
}

// NewBuilder returns a Builder whose annotations name source as their producer.
func NewBuilder(source string, logger logging.Logger, opts ...BuilderOption) *Builder {
	b := &Builder{
		source: source,
		clock:  clock.New(),
		newID:  uuid.NewString,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns one mention per detection in result, in order, with the detection's bounds
// clipped to the signal's ruler. Detections entirely outside the image are dropped. When nothing
// is left, the event holds a single mention over the whole image with a nil value.
func (b *Builder) Build(signal ImageSignal, result objectdetection.Result) RecognitionEvent {
	timestamp := b.clock.Now().UnixMilli()
	region := signal.Ruler.Region()

	if len(result.Objects) != len(result.Bounds) {
		b.logger.Warnw("detection result is misaligned, ignoring unpaired entries",
			"signal", signal.ID, "objects", len(result.Objects), "bounds", len(result.Bounds))
	}
	mentions := make([]Mention, 0, result.Len())
	for i := 0; i < result.Len(); i++ {
		obj := result.Objects[i]
		clipped, err := geometry.Clip(result.Bounds[i], region)
		if err != nil {
			b.logger.Debugw("dropping detection", "signal", signal.ID, "object", obj.Name(), "error", err)
			continue
		}
		mentions = append(mentions, b.mention(signal.Ruler.Area(clipped), lo.ToPtr(obj), timestamp))
	}

	if len(mentions) == 0 {
		mentions = append(mentions, b.mention(signal.Ruler, nil, timestamp))
	}
	return RecognitionEvent{Type: RecognitionEventType, Mentions: mentions}
}

func (b *Builder) mention(segment Ruler, value *objectdetection.Object, timestamp int64) Mention {
	return Mention{
		ID:      b.newID(),
		Segment: []Ruler{segment},
		Annotations: []Annotation{{
			Type:      AnnotationTypeObject,
			Value:     value,
			Source:    b.source,
			Timestamp: timestamp,
		}},
	}
}
