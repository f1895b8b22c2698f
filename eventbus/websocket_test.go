package eventbus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/objrec/logging"
)

func serveBus(t *testing.T, bus Bus) *httptest.Server {
	t.Helper()
	logger := logging.NewTestLogger(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /topics/<topic>/ws
		topic := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/topics/"), "/ws")
		ServeWebsocket(w, r, bus, topic, logger)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebsocketBridge(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	local := NewMemoryBus(logger)
	defer local.Close()
	srv := serveBus(t, local)

	remote, err := NewWebsocketBus(srv.URL, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, remote.Close(), test.ShouldBeNil)
	}()

	// remote subscriber sees local events
	remoteSub, err := remote.Subscribe(ctx, "objects")
	test.That(t, err, test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, local.Topics(), test.ShouldContain, "objects")
	})
	event, err := NewEvent(payload{Name: "cup"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, local.Publish(ctx, "objects", event), test.ShouldBeNil)
	got := receive(t, remoteSub)
	test.That(t, got.ID, test.ShouldEqual, event.ID)
	var p payload
	test.That(t, got.Decode(&p), test.ShouldBeNil)
	test.That(t, p.Name, test.ShouldEqual, "cup")

	// remote publisher reaches local subscribers
	localSub, err := local.Subscribe(ctx, "images")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, remote.Advertise("images"), test.ShouldBeNil)
	test.That(t, remote.Topics(), test.ShouldResemble, []string{"images", "objects"})
	event, err = NewEvent(payload{Name: "frame", Count: 7})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, remote.Publish(ctx, "images", event), test.ShouldBeNil)
	got = receive(t, localSub)
	test.That(t, got.ID, test.ShouldEqual, event.ID)
	test.That(t, got.Decode(&p), test.ShouldBeNil)
	test.That(t, p.Count, test.ShouldEqual, 7)

	test.That(t, remoteSub.Close(), test.ShouldBeNil)
	<-remoteSub.Done()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, local.Topics(), test.ShouldNotContain, "objects")
	})
}

func TestWebsocketBridgeModes(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	local := NewMemoryBus(logger)
	defer local.Close()
	srv := serveBus(t, local)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	resp, err := http.Get(srv.URL + "/topics/images/ws?mode=sideways")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)

	// a subscribe-only client cannot publish
	localSub, err := local.Subscribe(ctx, "images")
	test.That(t, err, test.ShouldBeNil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/topics/images/ws?mode=subscribe", nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	test.That(t, conn.WriteJSON(Event{ID: "ignored", Payload: []byte(`{}`)}), test.ShouldBeNil)

	// but it does receive
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		local.mu.RLock()
		defer local.mu.RUnlock()
		test.That(tb, local.subscribers["images"], test.ShouldHaveLength, 2)
	})
	test.That(t, local.Publish(ctx, "images", Event{ID: "sent", Payload: []byte(`{}`)}), test.ShouldBeNil)
	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	var got Event
	test.That(t, conn.ReadJSON(&got), test.ShouldBeNil)
	test.That(t, got.ID, test.ShouldEqual, "sent")

	test.That(t, receive(t, localSub).ID, test.ShouldEqual, "sent")
	select {
	case event := <-localSub.Events():
		t.Fatalf("unexpected event %s", event.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewWebsocketBus(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewWebsocketBus("ftp://example.com", logger)
	test.That(t, err, test.ShouldNotBeNil)

	b, err := NewWebsocketBus("https://example.com/bus/", logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.topicURL("cltl.topic.image", ModePublish), test.ShouldEqual,
		"wss://example.com/bus/topics/cltl.topic.image/ws?mode=publish")

	test.That(t, b.Close(), test.ShouldBeNil)
	test.That(t, b.Publish(context.Background(), "x", Event{}), test.ShouldEqual, ErrClosed)
}
