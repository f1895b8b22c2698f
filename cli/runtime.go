package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/objrec/config"
	"go.viam.com/objrec/eventbus"
	"go.viam.com/objrec/eventstore"
	"go.viam.com/objrec/imagesource"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/rexec"
	"go.viam.com/objrec/services/detector"
	"go.viam.com/objrec/services/objectrecognition"
	"go.viam.com/objrec/web"
)

func readConfig(c *cli.Context) (*config.Config, error) {
	path := c.Path(configFlag)
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Read(path)
}

// newLogger builds the process logger. The returned function releases the log file, if any.
func newLogger(c *cli.Context, cfg config.LogConfig) (logging.Logger, func() error, error) {
	level, err := logging.LevelFromString(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if c.Bool(debugFlag) {
		level = logging.DEBUG
	}
	logger := logging.NewLogger("objrec")
	logger.SetLevel(level)
	if cfg.File == "" {
		return logger, func() error { return nil }, nil
	}
	appender, closer := logging.NewFileAppender(logging.FileConfig{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	})
	logger.AddAppender(appender)
	return logger, closer.Close, nil
}

func newBus(cfg config.BusConfig, logger logging.Logger) (eventbus.Bus, error) {
	if cfg.URL == "" {
		return eventbus.NewMemoryBus(logger), nil
	}
	return eventbus.NewWebsocketBus(cfg.URL, logger)
}

// newDetector returns the remote detector of cfg, backed by its process when one is configured.
func newDetector(ctx context.Context, cfg config.DetectorConfig, logger logging.Logger) (detector.Detector, error) {
	var backing detector.Backing
	if cfg.Process != nil {
		pm := rexec.NewProcessManager(logger.Sublogger("process"))
		if _, err := pm.AddProcessFromConfig(ctx, *cfg.Process); err != nil {
			return nil, err
		}
		backing = detector.NewProcessBacking(pm, detector.NewHTTPProbe(cfg.URL, logger))
	}
	return detector.NewRemote(cfg.RemoteConfig, backing, logger)
}

// runtime holds every component of a serving objrec instance.
type runtime struct {
	bus      eventbus.Bus
	worker   *objectrecognition.Service
	store    eventstore.Store
	recorder *eventstore.Recorder
	server   *web.Server
	logger   logging.Logger
}

func newRuntime(ctx context.Context, cfg *config.Config, logger logging.Logger) (_ *runtime, err error) {
	rt := &runtime{logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, rt.close(ctx))
		}
	}()

	rt.bus, err = newBus(cfg.Bus, logger.Sublogger("bus"))
	if err != nil {
		return nil, err
	}
	loader, err := imagesource.NewLoader(cfg.Images, logger.Sublogger("images"))
	if err != nil {
		return nil, err
	}
	det, err := newDetector(ctx, cfg.Detector, logger.Sublogger("detector"))
	if err != nil {
		return nil, err
	}
	rt.worker, err = objectrecognition.New(cfg.Events, det, loader, rt.bus, logger.Sublogger("objectrecognition"))
	if err != nil {
		return nil, err
	}
	if cfg.Store.Enabled() {
		rt.store, err = eventstore.NewMongoStore(ctx, cfg.Store, logger.Sublogger("store"))
		if err != nil {
			return nil, err
		}
		rt.recorder = eventstore.NewRecorder(rt.bus, rt.store,
			[]string{cfg.Events.InputTopic, cfg.Events.OutputTopic}, logger.Sublogger("recorder"))
	}
	if cfg.Web.Address != "" {
		handler := web.NewHandler(rt.bus, rt.worker, logger.Sublogger("web"))
		rt.server = web.NewServer(cfg.Web.Address, handler, logger.Sublogger("web"))
	}
	return rt, nil
}

func (rt *runtime) start(ctx context.Context) error {
	if rt.recorder != nil {
		if err := rt.recorder.Start(ctx); err != nil {
			return err
		}
	}
	return errors.Wrap(rt.worker.Start(ctx), "could not start object recognition")
}

// close stops every component. It is safe to call on a partially built runtime.
func (rt *runtime) close(ctx context.Context) error {
	var err error
	if rt.worker != nil {
		err = multierr.Combine(err, rt.worker.Stop(ctx))
	}
	if rt.recorder != nil {
		err = multierr.Combine(err, rt.recorder.Stop())
	}
	if rt.store != nil {
		err = multierr.Combine(err, rt.store.Close(ctx))
	}
	if rt.bus != nil {
		err = multierr.Combine(err, rt.bus.Close())
	}
	return err
}
