package detector

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/rexec"
)

// A Backing is the resource a detection endpoint needs to be running, such as the container
// serving the model.
type Backing interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoBacking is used when the detection endpoint is managed elsewhere.
var NoBacking Backing = noBacking{}

type noBacking struct{}

func (noBacking) Start(ctx context.Context) error { return nil }
func (noBacking) Stop(ctx context.Context) error  { return nil }

// Acquire starts the backing on a separate goroutine and waits for it up to timeout. Any failure,
// including the timeout, is a ResourceAcquisitionError.
func Acquire(ctx context.Context, backing Backing, timeout time.Duration) error {
	if err := runWithTimeout(ctx, timeout, backing.Start); err != nil {
		return &ResourceAcquisitionError{Err: err}
	}
	return nil
}

// Release stops the backing on a separate goroutine and waits for it up to timeout.
func Release(ctx context.Context, backing Backing, timeout time.Duration) error {
	if err := runWithTimeout(ctx, timeout, backing.Stop); err != nil {
		return &ResourceAcquisitionError{Err: errors.Wrap(err, "release")}
	}
	return nil
}

func runWithTimeout(ctx context.Context, timeout time.Duration, f func(context.Context) error) error {
	if timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	goutils.PanicCapturingGoWithCallback(func() {
		done <- f(ctx)
	}, func(err interface{}) {
		done <- errors.Errorf("panic: %v", err)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "timed out after %s", timeout)
	}
}

// A Probe reports when a started backing is ready to serve.
type Probe func(ctx context.Context) error

// NewHTTPProbe returns a Probe polling url with exponential backoff until any HTTP response
// arrives or ctx is done.
func NewHTTPProbe(url string, logger logging.Logger) Probe {
	return func(ctx context.Context) error {
		client := &http.Client{Timeout: 2 * time.Second}
		attempt := 0
		op := func() error {
			attempt++
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return backoff.Permanent(err)
			}
			resp, err := client.Do(req)
			if err != nil {
				logger.Debugw("detection service not ready", "url", url, "attempt", attempt, "error", err)
				return err
			}
			goutils.UncheckedError(resp.Body.Close())
			return nil
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		b.MaxElapsedTime = 0
		return backoff.Retry(op, backoff.WithContext(b, ctx))
	}
}

type processBacking struct {
	pm    rexec.ProcessManager
	probe Probe
}

// NewProcessBacking returns a Backing that starts the processes of pm and then waits for probe,
// if any.
func NewProcessBacking(pm rexec.ProcessManager, probe Probe) Backing {
	return &processBacking{pm: pm, probe: probe}
}

func (b *processBacking) Start(ctx context.Context) error {
	if err := b.pm.Start(ctx); err != nil {
		return err
	}
	if b.probe == nil {
		return nil
	}
	if err := b.probe(ctx); err != nil {
		return multierr.Combine(errors.Wrap(err, "detection service did not become ready"), b.pm.Stop())
	}
	return nil
}

func (b *processBacking) Stop(ctx context.Context) error {
	return b.pm.Stop()
}
