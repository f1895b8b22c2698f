package eventbus

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/objrec/logging"
)

// ErrClosed is returned when using a closed bus.
var ErrClosed = errors.New("event bus closed")

// A Bus delivers events published on a topic to every subscription of that topic.
type Bus interface {
	// Publish delivers event to the current subscribers of topic. It blocks until every subscriber
	// has room for the event or ctx is done.
	Publish(ctx context.Context, topic string, event Event) error
	// Subscribe returns a subscription receiving the events published on topic from now on. The
	// subscription is closed when ctx is done.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Advertise announces topics this client publishes on.
	Advertise(topics ...string) error
	// Topics lists every advertised or subscribed topic.
	Topics() []string
	Close() error
}

// A Subscription receives the events of one topic.
type Subscription interface {
	Topic() string
	// Events delivers the events. It is never closed; use Done to learn about closing.
	Events() <-chan Event
	// Done is closed once the subscription is closed.
	Done() <-chan struct{}
	Close() error
}

const defaultBufferSize = 16

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]*memorySubscription
	advertised  map[string]struct{}
	closed      bool
	bufferSize  int
	logger      logging.Logger
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus(logger logging.Logger) *MemoryBus {
	return &MemoryBus{
		subscribers: map[string][]*memorySubscription{},
		advertised:  map[string]struct{}{},
		bufferSize:  defaultBufferSize,
		logger:      logger,
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	event = event.fill()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memorySubscription(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.events <- event:
		case <-sub.done:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "publishing %s on %q", event.ID, topic)
		}
	}
	b.logger.Debugw("published event", "topic", topic, "id", event.ID, "subscribers", len(subs))
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		bus:    b,
		topic:  topic,
		events: make(chan Event, b.bufferSize),
		done:   make(chan struct{}),
	}
	goutils.PanicCapturingGo(func() {
		select {
		case <-ctx.Done():
			goutils.UncheckedError(sub.Close())
		case <-sub.done:
		}
	})
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return sub, nil
}

// Advertise implements Bus.
func (b *MemoryBus) Advertise(topics ...string) error {
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
func (b *MemoryBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := map[string]struct{}{}
	for topic := range b.advertised {
		seen[topic] = struct{}{}
	}
	for topic, subs := range b.subscribers {
		if len(subs) > 0 {
			seen[topic] = struct{}{}
		}
	}
	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Close closes every subscription. Publishing afterwards fails with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, topicSubs := range b.subscribers {
		subs = append(subs, topicSubs...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeOnce.Do(sub.shutdown)
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.topic]
	for i, other := range subs {
		if other == sub {
			b.subscribers[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.topic]) == 0 {
		delete(b.subscribers, sub.topic)
	}
}

type memorySubscription struct {
	bus       *MemoryBus
	topic     string
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Topic() string {
	return s.topic
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Done() <-chan struct{} {
	return s.done
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.shutdown()
		s.bus.remove(s)
	})
	return nil
}

func (s *memorySubscription) shutdown() {
	close(s.done)
}
