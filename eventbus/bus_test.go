package eventbus

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/objrec/logging"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestEvent(t *testing.T) {
	event, err := NewEvent(payload{Name: "cup", Count: 2})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, event.ID, test.ShouldNotBeEmpty)
	test.That(t, event.Timestamp, test.ShouldBeGreaterThan, 0)

	var out payload
	test.That(t, event.Decode(&out), test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, payload{Name: "cup", Count: 2})

	err = Event{ID: "empty"}.Decode(&out)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no payload")

	err = Event{ID: "bad", Payload: []byte(`{"count": "two"}`)}.Decode(&out)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "could not decode event bad")

	_, err = NewEvent(func() {})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMemoryBus(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus(logging.NewTestLogger(t))
	defer bus.Close()

	sub1, err := bus.Subscribe(ctx, "images")
	test.That(t, err, test.ShouldBeNil)
	sub2, err := bus.Subscribe(ctx, "images")
	test.That(t, err, test.ShouldBeNil)
	other, err := bus.Subscribe(ctx, "objects")
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < 3; i++ {
		event, err := NewEvent(payload{Count: i})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bus.Publish(ctx, "images", event), test.ShouldBeNil)
	}
	for _, sub := range []Subscription{sub1, sub2} {
		for i := 0; i < 3; i++ {
			var p payload
			test.That(t, receive(t, sub).Decode(&p), test.ShouldBeNil)
			test.That(t, p.Count, test.ShouldEqual, i)
		}
	}
	test.That(t, other.Events(), test.ShouldHaveLength, 0)

	// events built by hand get an id
	test.That(t, bus.Publish(ctx, "objects", Event{Payload: []byte(`{}`)}), test.ShouldBeNil)
	test.That(t, receive(t, other).ID, test.ShouldNotBeEmpty)

	test.That(t, sub1.Close(), test.ShouldBeNil)
	test.That(t, sub1.Close(), test.ShouldBeNil)
	<-sub1.Done()

	test.That(t, bus.Advertise("results"), test.ShouldBeNil)
	test.That(t, bus.Topics(), test.ShouldResemble, []string{"images", "objects", "results"})
}

func TestMemoryBusSubscriptionContext(t *testing.T) {
	bus := NewMemoryBus(logging.NewTestLogger(t))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "images")
	test.That(t, err, test.ShouldBeNil)
	cancel()
	<-sub.Done()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, bus.Topics(), test.ShouldBeEmpty)
	})

	_, err = bus.Subscribe(ctx, "images")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMemoryBusBackpressure(t *testing.T) {
	bus := NewMemoryBus(logging.NewTestLogger(t))
	bus.bufferSize = 1
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "images")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, bus.Publish(context.Background(), "images", Event{Payload: []byte(`1`)}), test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, "images", Event{Payload: []byte(`2`)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "publishing")

	// a closed subscriber does not block publishers
	test.That(t, sub.Close(), test.ShouldBeNil)
	test.That(t, bus.Publish(context.Background(), "images", Event{Payload: []byte(`3`)}), test.ShouldBeNil)
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(logging.NewTestLogger(t))
	sub, err := bus.Subscribe(context.Background(), "images")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, bus.Close(), test.ShouldBeNil)
	<-sub.Done()
	test.That(t, bus.Close(), test.ShouldBeNil)
	test.That(t, bus.Publish(context.Background(), "images", Event{}), test.ShouldEqual, ErrClosed)
	_, err = bus.Subscribe(context.Background(), "images")
	test.That(t, err, test.ShouldEqual, ErrClosed)
	test.That(t, bus.Advertise("x"), test.ShouldEqual, ErrClosed)
}
