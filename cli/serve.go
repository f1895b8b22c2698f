package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"
)

// ServeAction runs the object recognition worker, the optional event recorder and the web server
// until SIGINT or SIGTERM.
func ServeAction(c *cli.Context) error {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(c, cfg.Log)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(logger.Sync())
		goutils.UncheckedError(closeLog())
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return rt.run(ctx)
}

// run starts the runtime, serves until ctx is done and then closes everything.
func (rt *runtime) run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Combine(err, rt.close(context.WithoutCancel(ctx)))
	}()
	if err := rt.start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if rt.server != nil {
		g.Go(func() error {
			return rt.server.ListenAndServe(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}
