package annotation

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.viam.com/test"

	"go.viam.com/objrec/geometry"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/vision/objectdetection"
)

func testSignal() ImageSignal {
	return ImageSignal{
		ID:    "signal-1",
		Files: []string{"file:///data/image-1.png"},
		Ruler: NewImageRuler("signal-1", geometry.FromCorners(0, 0, 640, 480)),
		Time:  1700000000000,
	}
}

func newTestBuilder(t *testing.T) (*Builder, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000001234))
	return NewBuilder("objrec", logging.NewTestLogger(t), WithClock(mock)), mock
}

func TestBuildCup(t *testing.T) {
	b, _ := newTestBuilder(t)
	result, err := objectdetection.NewResult(
		[]objectdetection.Object{objectdetection.NewObject("cup", 0.9)},
		[]geometry.Bounds{geometry.FromCorners(50, 50, 150, 150)},
	)
	test.That(t, err, test.ShouldBeNil)

	event := b.Build(testSignal(), result)
	test.That(t, event.Type, test.ShouldEqual, RecognitionEventType)
	test.That(t, event.Mentions, test.ShouldHaveLength, 1)

	mention := event.Mentions[0]
	_, err = uuid.Parse(mention.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mention.Segment, test.ShouldResemble, []Ruler{{
		Type:        RulerTypeMultiIndex,
		ContainerID: "signal-1",
		Bounds:      [4]int{50, 50, 150, 150},
	}})
	test.That(t, mention.Annotations, test.ShouldHaveLength, 1)
	ann := mention.Annotations[0]
	test.That(t, ann.Type, test.ShouldEqual, AnnotationTypeObject)
	test.That(t, ann.Source, test.ShouldEqual, "objrec")
	test.That(t, ann.Timestamp, test.ShouldEqual, int64(1700000001234))
	test.That(t, ann.Value.Label, test.ShouldEqual, "cup")
	test.That(t, *ann.Value.Confidence, test.ShouldAlmostEqual, 0.9)
}

func TestBuildEmpty(t *testing.T) {
	b, _ := newTestBuilder(t)
	signal := testSignal()

	event := b.Build(signal, objectdetection.Result{})
	test.That(t, event.Mentions, test.ShouldHaveLength, 1)
	test.That(t, event.Mentions[0].Segment, test.ShouldResemble, []Ruler{signal.Ruler})
	test.That(t, event.Mentions[0].Annotations, test.ShouldHaveLength, 1)
	test.That(t, event.Mentions[0].Annotations[0].Value, test.ShouldBeNil)
	test.That(t, event.Mentions[0].Annotations[0].Type, test.ShouldEqual, AnnotationTypeObject)
}

func TestBuildClipsAndOrders(t *testing.T) {
	b, _ := newTestBuilder(t)
	labels := []string{"person", "chair", "table", "dog"}
	boxes := []geometry.Bounds{
		geometry.FromCorners(-20, -10, 100, 100),
		geometry.FromCorners(600, 400, 700, 500),
		geometry.FromCorners(10, 10, 20, 20),
		geometry.FromCorners(0, 0, 640, 480),
	}
	objects := make([]objectdetection.Object, 0, len(labels))
	for i, l := range labels {
		objects = append(objects, objectdetection.NewObject(l, float64(i)/10))
	}
	result, err := objectdetection.NewResult(objects, boxes)
	test.That(t, err, test.ShouldBeNil)

	event := b.Build(testSignal(), result)
	test.That(t, event.Mentions, test.ShouldHaveLength, len(labels))
	for i, m := range event.Mentions {
		test.That(t, m.Annotations[0].Value.Label, test.ShouldEqual, labels[i])
	}
	test.That(t, event.Mentions[0].Segment[0].Bounds, test.ShouldResemble, [4]int{0, 0, 100, 100})
	test.That(t, event.Mentions[1].Segment[0].Bounds, test.ShouldResemble, [4]int{600, 400, 640, 480})
	test.That(t, event.Mentions[2].Segment[0].Bounds, test.ShouldResemble, [4]int{10, 10, 20, 20})
	test.That(t, event.Mentions[3].Segment[0].Bounds, test.ShouldResemble, [4]int{0, 0, 640, 480})

	region := testSignal().Ruler.Region()
	for _, m := range event.Mentions {
		test.That(t, region.Contains(m.Segment[0].Region()), test.ShouldBeTrue)
	}
}

func TestBuildDropsOutsideDetections(t *testing.T) {
	b, _ := newTestBuilder(t)

	result, err := objectdetection.NewResult(
		[]objectdetection.Object{objectdetection.NewObject("ghost", 0.4), objectdetection.NewObject("cup", 0.9)},
		[]geometry.Bounds{geometry.FromCorners(700, 500, 800, 600), geometry.FromCorners(1, 2, 3, 4)},
	)
	test.That(t, err, test.ShouldBeNil)
	event := b.Build(testSignal(), result)
	test.That(t, event.Mentions, test.ShouldHaveLength, 1)
	test.That(t, event.Mentions[0].Annotations[0].Value.Label, test.ShouldEqual, "cup")

	// nothing visible means no objects
	result, err = objectdetection.NewResult(
		[]objectdetection.Object{objectdetection.NewObject("ghost", 0.4)},
		[]geometry.Bounds{geometry.FromCorners(-100, -100, -10, -10)},
	)
	test.That(t, err, test.ShouldBeNil)
	event = b.Build(testSignal(), result)
	test.That(t, event.Mentions, test.ShouldHaveLength, 1)
	test.That(t, event.Mentions[0].Annotations[0].Value, test.ShouldBeNil)
	test.That(t, event.Mentions[0].Segment[0], test.ShouldResemble, testSignal().Ruler)
}

func TestBuildIdempotent(t *testing.T) {
	b, mock := newTestBuilder(t)
	result, err := objectdetection.NewResult(
		[]objectdetection.Object{objectdetection.NewObject("cup", 0.9), {Type: "bottle"}},
		[]geometry.Bounds{geometry.FromCorners(50, 50, 150, 150), geometry.FromCorners(5, 5, 700, 20)},
	)
	test.That(t, err, test.ShouldBeNil)

	first := b.Build(testSignal(), result)
	mock.Add(time.Second)
	second := b.Build(testSignal(), result)

	test.That(t, second.Mentions, test.ShouldHaveLength, len(first.Mentions))
	for i := range first.Mentions {
		test.That(t, second.Mentions[i].ID, test.ShouldNotEqual, first.Mentions[i].ID)
		test.That(t, second.Mentions[i].Segment, test.ShouldResemble, first.Mentions[i].Segment)
		test.That(t, second.Mentions[i].Annotations[0].Value, test.ShouldResemble, first.Mentions[i].Annotations[0].Value)
		test.That(t, second.Mentions[i].Annotations[0].Timestamp, test.ShouldEqual,
			first.Mentions[i].Annotations[0].Timestamp+1000)
	}
}

func TestBuildIDGenerator(t *testing.T) {
	n := 0
	b := NewBuilder("objrec", logging.NewTestLogger(t), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}))
	event := b.Build(testSignal(), objectdetection.Result{})
	test.That(t, event.Mentions[0].ID, test.ShouldEqual, "m1")
}

func TestRuler(t *testing.T) {
	r := NewImageRuler("img", geometry.FromCorners(0, 0, 640, 480))
	test.That(t, r.Type, test.ShouldEqual, RulerTypeMultiIndex)
	test.That(t, r.Region(), test.ShouldResemble, geometry.Bounds{X0: 0, X1: 640, Y0: 0, Y1: 480})

	sub := r.Area(geometry.New(10, 20, 30, 40))
	test.That(t, sub.ContainerID, test.ShouldEqual, "img")
	test.That(t, sub.Bounds, test.ShouldResemble, [4]int{10, 30, 20, 40})

	test.That(t, ImageSignal{}.Location(), test.ShouldEqual, "")
	test.That(t, testSignal().Location(), test.ShouldEqual, "file:///data/image-1.png")
}

func TestBuildMisalignedResult(t *testing.T) {
	b, _ := newTestBuilder(t)
	result := objectdetection.Result{
		Objects: []objectdetection.Object{objectdetection.NewObject("cup", 0.9), objectdetection.NewObject("chair", 0.5)},
		Bounds:  []geometry.Bounds{geometry.FromCorners(50, 50, 150, 150)},
	}
	event := b.Build(testSignal(), result)
	test.That(t, event.Mentions, test.ShouldHaveLength, 1)
	test.That(t, event.Mentions[0].Annotations[0].Value.Label, test.ShouldEqual, "cup")

	event = b.Build(testSignal(), objectdetection.Result{
		Bounds: []geometry.Bounds{geometry.FromCorners(50, 50, 150, 150)},
	})
	test.That(t, event.Mentions, test.ShouldHaveLength, 1)
	test.That(t, event.Mentions[0].Annotations[0].Value, test.ShouldBeNil)
}
