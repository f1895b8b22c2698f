package eventbus

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/utils"
)

// Websocket bridge modes, selected with the "mode" query parameter.
const (
	ModePublish   = "publish"
	ModeSubscribe = "subscribe"
	ModeBoth      = "both"

	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWebsocket upgrades the request and bridges the connection to topic of bus: events read from
// the client are published and events published on the topic are written to the client, subject
// to the "mode" query parameter.
func ServeWebsocket(w http.ResponseWriter, r *http.Request, bus Bus, topic string, logger logging.Logger) {
	mode := r.URL.Query().Get("mode")
	switch mode {
	case "":
		mode = ModeBoth
	case ModePublish, ModeSubscribe, ModeBoth:
	default:
		http.Error(w, "unknown mode "+mode, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("websocket upgrade failed", "topic", topic, "error", err)
		return
	}
	defer func() {
		goutils.UncheckedError(conn.Close())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writers utils.StoppableWorkers
	if mode != ModePublish {
		sub, err := bus.Subscribe(ctx, topic)
		if err != nil {
			logger.Warnw("could not subscribe websocket client", "topic", topic, "error", err)
			return
		}
		writers = utils.NewStoppableWorkers(func(ctx context.Context) {
			forward(ctx, conn, sub, logger)
		})
		defer writers.Stop()
	}

	logger.Debugw("websocket client connected", "topic", topic, "mode", mode, "remote", r.RemoteAddr)
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("websocket read ended", "topic", topic, "error", err)
			}
			return
		}
		if mode == ModeSubscribe {
			continue
		}
		if err := bus.Publish(ctx, topic, event); err != nil {
			logger.Warnw("could not publish websocket event", "topic", topic, "error", err)
			return
		}
	}
}

func forward(ctx context.Context, conn *websocket.Conn, sub Subscription, logger logging.Logger) {
	defer func() {
		goutils.UncheckedError(sub.Close())
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case event := <-sub.Events():
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debugw("websocket write failed", "topic", sub.Topic(), "error", err)
				return
			}
		}
	}
}

// WebsocketBus is a Bus client of a remote bus exposed through ServeWebsocket. Topics map to
// <base>/topics/<topic>/ws.
type WebsocketBus struct {
	base   *url.URL
	dialer *websocket.Dialer
	logger logging.Logger

	mu         sync.Mutex
	publishers map[string]*websocketPublisher
	subs       map[*websocketSubscription]struct{}
	advertised map[string]struct{}
	closed     bool
}

type websocketPublisher struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketBus returns a client of the bus served at baseURL, e.g. http://localhost:8000.
// Connections are opened lazily.
func NewWebsocketBus(baseURL string, logger logging.Logger) (*WebsocketBus, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid bus url %q", baseURL)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported bus url scheme %q", base.Scheme)
	}
	return &WebsocketBus{
		base:       base,
		dialer:     websocket.DefaultDialer,
		logger:     logger,
		publishers: map[string]*websocketPublisher{},
		subs:       map[*websocketSubscription]struct{}{},
		advertised: map[string]struct{}{},
	}, nil
}

func (b *WebsocketBus) topicURL(topic, mode string) string {
	u := *b.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/topics/" + url.PathEscape(topic) + "/ws"
	u.RawQuery = url.Values{"mode": []string{mode}}.Encode()
	return u.String()
}

func (b *WebsocketBus) dial(ctx context.Context, topic, mode string) (*websocket.Conn, error) {
	conn, resp, err := b.dialer.DialContext(ctx, b.topicURL(topic, mode), nil)
	if resp != nil && resp.Body != nil {
		goutils.UncheckedError(resp.Body.Close())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to topic %q", topic)
	}
	return conn, nil
}

func (b *WebsocketBus) publisher(ctx context.Context, topic string) (*websocketPublisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if pub, ok := b.publishers[topic]; ok {
		return pub, nil
	}
	conn, err := b.dial(ctx, topic, ModePublish)
	if err != nil {
		return nil, err
	}
	pub := &websocketPublisher{conn: conn}
	b.publishers[topic] = pub
	return pub, nil
}

// Publish implements Bus. A failed write drops the connection so the next publish redials.
func (b *WebsocketBus) Publish(ctx context.Context, topic string, event Event) error {
	pub, err := b.publisher(ctx, topic)
	if err != nil {
		return err
	}
	event = event.fill()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pub.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := pub.conn.WriteJSON(event); err != nil {
		b.mu.Lock()
		if b.publishers[topic] == pub {
			delete(b.publishers, topic)
		}
		b.mu.Unlock()
		goutils.UncheckedError(pub.conn.Close())
		return errors.Wrapf(err, "publishing %s on %q", event.ID, topic)
	}
	return nil
}

// Subscribe implements Bus.
func (b *WebsocketBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	conn, err := b.dial(ctx, topic, ModeSubscribe)
	if err != nil {
		return nil, err
	}
	sub := &websocketSubscription{
		bus:    b,
		topic:  topic,
		conn:   conn,
		events: make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	sub.workers = utils.NewStoppableWorkers()
	sub.workers.Add(sub.read)
	goutils.PanicCapturingGo(func() {
		select {
		case <-ctx.Done():
			goutils.UncheckedError(sub.Close())
		case <-sub.done:
		}
	})
	return sub, nil
}

// Advertise implements Bus. Publishing connections are opened on first use, so this only
// records the topics.
func (b *WebsocketBus) Advertise(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, topic := range topics {
		b.advertised[topic] = struct{}{}
	}
	return nil
}

// Topics implements Bus.
func (b *WebsocketBus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[string]struct{}{}
	for topic := range b.advertised {
		seen[topic] = struct{}{}
	}
	for sub := range b.subs {
		seen[sub.topic] = struct{}{}
	}
	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Close closes every connection.
func (b *WebsocketBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	publishers := b.publishers
	b.publishers = map[string]*websocketPublisher{}
	subs := make([]*websocketSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var err error
	for _, pub := range publishers {
		pub.mu.Lock()
		err = multierr.Combine(err, closeConn(pub.conn))
		pub.mu.Unlock()
	}
	for _, sub := range subs {
		err = multierr.Combine(err, sub.Close())
	}
	return err
}

func closeConn(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	goutils.UncheckedError(conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	return conn.Close()
}

type websocketSubscription struct {
	bus       *WebsocketBus
	topic     string
	conn      *websocket.Conn
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	workers   utils.StoppableWorkers
}

func (s *websocketSubscription) read(ctx context.Context) {
	for {
		var event Event
		if err := s.conn.ReadJSON(&event); err != nil {
			if ctx.Err() == nil {
				s.bus.logger.Debugw("subscription read ended", "topic", s.topic, "error", err)
				goutils.PanicCapturingGo(func() { goutils.UncheckedError(s.Close()) })
			}
			return
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (s *websocketSubscription) Topic() string {
	return s.topic
}

func (s *websocketSubscription) Events() <-chan Event {
	return s.events
}

func (s *websocketSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *websocketSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = closeConn(s.conn)
		s.workers.Stop()
	})
	return err
}
