// Package objectrecognition implements the worker that turns image signal events into object
// recognition events: it loads each referenced image, runs the detector on it and publishes the
// resulting object mentions.
package objectrecognition

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/objrec/annotation"
	"go.viam.com/objrec/eventbus"
	"go.viam.com/objrec/imagesource"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/services/detector"
	"go.viam.com/objrec/utils"
)

const (
	// DefaultSource names this worker in the annotations it produces.
	DefaultSource = "objrec.objectrecognition"

	defaultStopTimeout = 30 * time.Second
)

var tracer = otel.Tracer("go.viam.com/objrec/services/objectrecognition")

// Config configures a Service.
type Config struct {
	InputTopic  string `json:"image_topic" mapstructure:"image_topic"`
	OutputTopic string `json:"object_topic" mapstructure:"object_topic"`
	// Source is the producer name written into annotations.
	Source string `json:"source" mapstructure:"source"`
	// StartupTimeout bounds detector startup. Zero leaves it to the detector.
	StartupTimeout time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
	// StopTimeout bounds how long Stop waits for the event in flight and, separately, detector
	// release.
	StopTimeout time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.InputTopic == "" {
		return errors.Errorf("%s: expected image_topic field to be set", path)
	}
	if cfg.OutputTopic == "" {
		return errors.Errorf("%s: expected object_topic field to be set", path)
	}
	if cfg.InputTopic == cfg.OutputTopic {
		return errors.Errorf("%s: image_topic and object_topic must differ", path)
	}
	return nil
}

// State is the lifecycle state of a Service.
type State int

// The states of a Service, in lifecycle order.
const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stats counts the events a Service handled.
type Stats struct {
	Received  int64 `json:"received"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// Option configures a Service.
type Option func(*options)

type options struct {
	builderOpts []annotation.BuilderOption
	meter       metric.Meter
}

// WithClock sets the clock annotation timestamps are taken from.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.builderOpts = append(o.builderOpts, annotation.WithClock(c))
	}
}

// WithMeterProvider records metrics with mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meter = mp.Meter("go.viam.com/objrec/services/objectrecognition")
	}
}

// Service is the object recognition worker. Events are processed one at a time in arrival order.
type Service struct {
	cfg     Config
	det     detector.Detector
	loader  imagesource.Loader
	bus     eventbus.Bus
	builder *annotation.Builder
	logger  logging.Logger

	// mu serializes Start and Stop. state is readable without it.
	mu      sync.Mutex
	state   atomic.Int32
	workers utils.StoppableWorkers
	// abort cancels the event in flight when Stop gives up waiting for it.
	abort func()

	received  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64

	processedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
	detectDuration   metric.Float64Histogram
}

// New returns a stopped Service.
func New(
	cfg Config,
	det detector.Detector,
	loader imagesource.Loader,
	bus eventbus.Bus,
	logger logging.Logger,
	opts ...Option,
) (*Service, error) {
	if err := cfg.Validate("events"); err != nil {
		return nil, err
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	o := options{meter: otel.Meter("go.viam.com/objrec/services/objectrecognition")}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:     cfg,
		det:     det,
		loader:  loader,
		bus:     bus,
		builder: annotation.NewBuilder(cfg.Source, logger.Sublogger("builder"), o.builderOpts...),
		logger:  logger,
	}
	var err, mErr error
	s.processedCounter, mErr = o.meter.Int64Counter("objrec.events.processed",
		metric.WithDescription("image signal events turned into recognition events"))
	err = multierr.Combine(err, mErr)
	s.failedCounter, mErr = o.meter.Int64Counter("objrec.events.failed",
		metric.WithDescription("image signal events that could not be processed"))
	err = multierr.Combine(err, mErr)
	s.detectDuration, mErr = o.meter.Float64Histogram("objrec.detect.duration",
		metric.WithDescription("duration of detector calls"), metric.WithUnit("s"))
	err = multierr.Combine(err, mErr)
	if err != nil {
		return nil, errors.Wrap(err, "could not create metrics")
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(state State) {
	s.state.Store(int32(state))
}

// Stats returns the event counters.
func (s *Service) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Published: s.published.Load(),
		Failed:    s.failed.Load(),
	}
}

// Config returns the configuration the service runs with.
func (s *Service) Config() Config {
	return s.cfg
}

// Start acquires the detector, subscribes to the input topic and starts processing. A detector
// that fails to start leaves the service stopped and the ResourceAcquisitionError is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.State(); state != Stopped {
		return errors.Errorf("cannot start object recognition while %s", state)
	}
	s.setState(Starting)
	s.logger.Infow("starting object recognition", "input", s.cfg.InputTopic, "output", s.cfg.OutputTopic)

	if err := s.startDetector(ctx); err != nil {
		s.setState(Stopped)
		return err
	}

	sub, err := s.bus.Subscribe(context.Background(), s.cfg.InputTopic)
	if err == nil {
		err = s.bus.Advertise(s.cfg.OutputTopic)
		if err != nil {
			err = multierr.Combine(err, sub.Close())
		}
	}
	if err != nil {
		s.setState(Stopped)
		return multierr.Combine(errors.Wrap(err, "could not set up event topics"), s.releaseDetector(ctx))
	}

	inFlight, abort := context.WithCancel(context.Background())
	s.abort = abort
	s.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		s.run(ctx, inFlight, sub)
	})
	s.setState(Running)
	s.logger.Info("object recognition running")
	return nil
}

func (s *Service) startDetector(ctx context.Context) error {
	if s.cfg.StartupTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StartupTimeout)
		defer cancel()
	}
	err := s.det.Start(ctx)
	if err == nil {
		return nil
	}
	if !detector.IsResourceAcquisitionError(err) {
		err = &detector.ResourceAcquisitionError{Err: err}
	}
	s.logger.Errorw("detector failed to start", "error", err)
	return err
}

func (s *Service) releaseDetector(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopTimeout)
	defer cancel()
	return s.det.Close(ctx)
}

// Stop stops processing, waits for the event in flight and releases the detector. The event in
// flight is abandoned once ctx is done or StopTimeout passes. It does nothing unless the service is
// running.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Running {
		return nil
	}
	s.setState(Stopping)
	s.logger.Info("stopping object recognition")

	workers := s.workers
	stopped := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		defer close(stopped)
		workers.Stop()
	})
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()
	select {
	case <-stopped:
	case <-waitCtx.Done():
		s.logger.Warnw("abandoning event in flight", "error", waitCtx.Err())
		s.abort()
		<-stopped
	}
	s.abort()
	s.workers = nil
	s.abort = nil
	err := s.releaseDetector(ctx)

	s.setState(Stopped)
	s.logger.Infow("object recognition stopped", "received", s.received.Load(), "failed", s.failed.Load())
	return err
}

// run handles the events of sub one at a time until ctx is done. Events run under inFlight so
// that stopping lets the current one finish. A subscription closed by the bus is replaced.
func (s *Service) run(ctx, inFlight context.Context, sub eventbus.Subscription) {
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.Debugw("error closing input subscription", "topic", s.cfg.InputTopic, "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorw("input subscription closed, resubscribing", "topic", s.cfg.InputTopic)
			next, err := s.resubscribe(ctx)
			if err != nil {
				return
			}
			sub = next
		case event := <-sub.Events():
			s.handle(inFlight, event)
		}
	}
}

// resubscribe subscribes to the input topic with exponential backoff until it succeeds or ctx is
// done.
func (s *Service) resubscribe(ctx context.Context) (eventbus.Subscription, error) {
	var sub eventbus.Subscription
	op := func() error {
		var err error
		sub, err = s.bus.Subscribe(ctx, s.cfg.InputTopic)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	notify := func(err error, next time.Duration) {
		s.logger.Errorw("could not resubscribe", "topic", s.cfg.InputTopic, "retry_in", next, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	s.logger.Infow("resubscribed", "topic", s.cfg.InputTopic)
	return sub, nil
}

func (s *Service) handle(ctx context.Context, event eventbus.Event) {
	s.received.Inc()
	var in annotation.ImageSignalEvent
	if err := event.Decode(&in); err != nil {
		s.fail(ctx, event, in.Signal, err)
		return
	}
	if err := s.Process(ctx, in); err != nil {
		s.fail(ctx, event, in.Signal, err)
		return
	}
	s.published.Inc()
	s.processedCounter.Add(ctx, 1)
}

func (s *Service) fail(ctx context.Context, event eventbus.Event, signal annotation.ImageSignal, err error) {
	s.failed.Inc()
	kind := detector.ErrorKind(err)
	s.failedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	s.logger.Errorw("failed to process image signal",
		"event", event.ID,
		"signal", signal.ID,
		"location", signal.Location(),
		"kind", kind,
		"error", err,
	)
}

// Process runs detection on the image of in and publishes the recognition event.
func (s *Service) Process(ctx context.Context, in annotation.ImageSignalEvent) error {
	ctx, span := tracer.Start(ctx, "objectrecognition::Process")
	defer span.End()
	span.SetAttributes(attribute.String("signal", in.Signal.ID))

	out, err := s.Recognize(ctx, in)
	if err == nil {
		err = s.publish(ctx, out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, detector.ErrorKind(err))
		return err
	}
	span.SetAttributes(attribute.Int("mentions", len(out.Mentions)))
	return nil
}

// Recognize runs detection on the image of in and builds the recognition event without publishing
// it.
func (s *Service) Recognize(ctx context.Context, in annotation.ImageSignalEvent) (annotation.RecognitionEvent, error) {
	if in.Type != "" && in.Type != annotation.ImageSignalEventType {
		return annotation.RecognitionEvent{}, errors.Errorf("unexpected event type %q", in.Type)
	}
	location := in.Signal.Location()
	if location == "" {
		return annotation.RecognitionEvent{}, errors.Errorf("signal %s has no image file", in.Signal.ID)
	}

	src, err := s.loader.Open(ctx, location)
	if err != nil {
		return annotation.RecognitionEvent{}, errors.Wrap(err, "could not open image")
	}
	img, err := src.Capture(ctx)
	if closeErr := src.Close(ctx); closeErr != nil {
		s.logger.Debugw("error closing image source", "location", location, "error", closeErr)
	}
	if err != nil {
		return annotation.RecognitionEvent{}, errors.Wrap(err, "could not load image")
	}

	start := time.Now()
	result, err := s.det.Detect(ctx, img)
	s.detectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return annotation.RecognitionEvent{}, err
	}
	s.logger.Debugw("detected objects", "signal", in.Signal.ID, "count", result.Len())
	return s.builder.Build(in.Signal, result), nil
}

func (s *Service) publish(ctx context.Context, out annotation.RecognitionEvent) error {
	event, err := eventbus.NewEvent(out)
	if err != nil {
		return err
	}
	return errors.Wrapf(s.bus.Publish(ctx, s.cfg.OutputTopic, event), "could not publish to %q", s.cfg.OutputTopic)
}
