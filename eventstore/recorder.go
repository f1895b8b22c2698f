package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/objrec/eventbus"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/utils"
)

const insertTimeout = 10 * time.Second

// Recorder stores every event published on a set of topics.
type Recorder struct {
	bus    eventbus.Bus
	store  Store
	topics []string
	logger logging.Logger

	mu      sync.Mutex
	subs    []eventbus.Subscription
	workers utils.StoppableWorkers

	recorded atomic.Int64
	failed   atomic.Int64
}

// NewRecorder returns a Recorder that writes the events of topics to store once started.
func NewRecorder(bus eventbus.Bus, store Store, topics []string, logger logging.Logger) *Recorder {
	return &Recorder{
		bus:    bus,
		store:  store,
		topics: topics,
		logger: logger,
	}
}

// Start subscribes to the topics. Events published before Start are not recorded.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workers != nil {
		return errors.New("recorder already started")
	}
	subs := make([]eventbus.Subscription, 0, len(r.topics))
	for _, topic := range r.topics {
		sub, err := r.bus.Subscribe(context.Background(), topic)
		if err != nil {
			for _, s := range subs {
				err = multierr.Combine(err, s.Close())
			}
			return errors.Wrapf(err, "could not subscribe to %q", topic)
		}
		subs = append(subs, sub)
	}
	r.subs = subs
	r.workers = utils.NewStoppableWorkers()
	for _, sub := range subs {
		sub := sub
		r.workers.Add(func(ctx context.Context) {
			r.record(ctx, sub)
		})
	}
	r.logger.Infow("recorder started", "topics", r.topics)
	return nil
}

func (r *Recorder) record(ctx context.Context, sub eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case event := <-sub.Events():
			if err := r.insert(ctx, sub.Topic(), event); err != nil {
				r.failed.Inc()
				r.logger.Warnw("could not record event", "topic", sub.Topic(), "id", event.ID, "error", err)
				continue
			}
			r.recorded.Inc()
		}
	}
}

func (r *Recorder) insert(ctx context.Context, topic string, event eventbus.Event) error {
	rec, err := NewRecord(topic, event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), insertTimeout)
	defer cancel()
	return r.store.Insert(ctx, rec)
}

// Recorded returns how many events were stored and how many could not be.
func (r *Recorder) Recorded() (int64, int64) {
	return r.recorded.Load(), r.failed.Load()
}

// Stop unsubscribes and waits for pending inserts. The store is left open.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workers == nil {
		return nil
	}
	var err error
	for _, sub := range r.subs {
		err = multierr.Combine(err, sub.Close())
	}
	r.workers.Stop()
	r.subs = nil
	r.workers = nil
	return err
}
