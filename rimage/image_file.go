// Package rimage holds the image codecs used when images cross a process boundary.
package rimage

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"github.com/xfmoulet/qoi"
	"go.opentelemetry.io/otel"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // register webp

	"go.viam.com/objrec/utils"
)

var tracer = otel.Tracer("go.viam.com/objrec/rimage")

// EncodeImage takes an image and mimeType as input and encodes it into a slice of bytes
// (buffer) and returns the bytes.
func EncodeImage(ctx context.Context, img image.Image, mimeType string) ([]byte, error) {
	_, span := tracer.Start(ctx, "rimage::EncodeImage::"+mimeType)
	defer span.End()

	if img == nil {
		return nil, errors.New("cannot encode nil image")
	}
	if img.Bounds().Empty() {
		return nil, errors.Errorf("cannot encode empty image %v", img.Bounds())
	}

	var buf bytes.Buffer
	var err error
	switch mimeType {
	case utils.MimeTypePNG:
		err = png.Encode(&buf, img)
	case utils.MimeTypeJPEG:
		err = jpeg.Encode(&buf, img, nil)
	case utils.MimeTypeQOI:
		err = qoi.Encode(&buf, img)
	case utils.MimeTypePPM:
		err = ppm.Encode(&buf, img)
	case utils.MimeTypeBMP:
		err = bmp.Encode(&buf, img)
	case utils.MimeTypeTIFF:
		err = tiff.Encode(&buf, img, nil)
	default:
		return nil, errors.Errorf("do not know how to encode %q", mimeType)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not encode image as %s", mimeType)
	}
	return buf.Bytes(), nil
}

// DecodeImage takes an image buffer and decodes it, using the mimeType when it is known and
// content sniffing otherwise.
func DecodeImage(ctx context.Context, imgBytes []byte, mimeType string) (image.Image, error) {
	_, span := tracer.Start(ctx, "rimage::DecodeImage::"+mimeType)
	defer span.End()

	if len(imgBytes) == 0 {
		return nil, errors.New("cannot decode empty image buffer")
	}
	r := bytes.NewReader(imgBytes)
	var img image.Image
	var err error
	switch mimeType {
	case utils.MimeTypePNG:
		img, err = png.Decode(r)
	case utils.MimeTypeJPEG:
		img, err = jpeg.Decode(r)
	case utils.MimeTypeQOI:
		img, err = qoi.Decode(r)
	case utils.MimeTypePPM:
		img, err = ppm.Decode(r)
	case utils.MimeTypeBMP:
		img, err = bmp.Decode(r)
	case utils.MimeTypeTIFF:
		img, err = tiff.Decode(r)
	default:
		img, _, err = image.Decode(r)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode image (%q)", mimeType)
	}
	return img, nil
}
