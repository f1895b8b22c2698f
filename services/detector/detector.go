// Package detector implements the client side of an external object detection service: images
// go out as a JSON request and come back as an objectdetection.Result.
package detector

import (
	"context"
	"image"

	"go.viam.com/objrec/vision/objectdetection"
)

// A Detector finds objects in images. Start must succeed before Detect is called and Close
// releases whatever Start acquired.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (objectdetection.Result, error)
	Start(ctx context.Context) error
	Close(ctx context.Context) error
}

// Func adapts a plain detection function into a Detector without a backing resource.
type Func func(ctx context.Context, img image.Image) (objectdetection.Result, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, img image.Image) (objectdetection.Result, error) {
	return f(ctx, img)
}

// Start does nothing.
func (f Func) Start(ctx context.Context) error {
	return nil
}

// Close does nothing.
func (f Func) Close(ctx context.Context) error {
	return nil
}
