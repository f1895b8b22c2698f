package cli

import (
	"context"
	"encoding/json"
	"image"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/objrec/annotation"
	"go.viam.com/objrec/config"
	"go.viam.com/objrec/eventbus"
	"go.viam.com/objrec/geometry"
	"go.viam.com/objrec/imagesource"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/services/objectrecognition"
)

// DetectAction detects the objects in a single image and prints the recognition event as JSON.
func DetectAction(c *cli.Context) error {
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

	out, err := detectImage(c.Context, cfg, c.String(imageFlag), logger)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func detectImage(
	ctx context.Context,
	cfg *config.Config,
	location string,
	logger logging.Logger,
) (_ annotation.RecognitionEvent, err error) {
	loader, err := imagesource.NewLoader(cfg.Images, logger.Sublogger("images"))
	if err != nil {
		return annotation.RecognitionEvent{}, err
	}
	img, err := capture(ctx, loader, location)
	if err != nil {
		return annotation.RecognitionEvent{}, err
	}

	det, err := newDetector(ctx, cfg.Detector, logger.Sublogger("detector"))
	if err != nil {
		return annotation.RecognitionEvent{}, err
	}
	if err := det.Start(ctx); err != nil {
		return annotation.RecognitionEvent{}, err
	}
	defer func() {
		err = multierr.Combine(err, det.Close(context.WithoutCancel(ctx)))
	}()

	bus := eventbus.NewMemoryBus(logger)
	defer func() {
		err = multierr.Combine(err, bus.Close())
	}()
	static := imagesource.LoaderFunc(func(ctx context.Context, location string) (imagesource.Source, error) {
		return imagesource.NewStaticSource(img), nil
	})
	svc, err := objectrecognition.New(cfg.Events, det, static, bus, logger)
	if err != nil {
		return annotation.RecognitionEvent{}, err
	}

	id := uuid.NewString()
	signal := annotation.ImageSignal{
		ID:    id,
		Files: []string{location},
		Ruler: annotation.NewImageRuler(id, geometry.FromRect(img.Bounds())),
	}
	return svc.Recognize(ctx, annotation.NewImageSignalEvent(signal))
}

func capture(ctx context.Context, loader imagesource.Loader, location string) (image.Image, error) {
	src, err := loader.Open(ctx, location)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %q", location)
	}
	defer func() {
		goutils.UncheckedError(src.Close(ctx))
	}()
	img, err := src.Capture(ctx)
	return img, errors.Wrapf(err, "could not load %q", location)
}
