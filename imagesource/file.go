package imagesource

import (
	"context"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"go.viam.com/objrec/rimage"
	"go.viam.com/objrec/utils"
)

type fileLoader struct{}

func (fileLoader) open(path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "cannot open image file")
	}
	return &fileSource{path: path}, nil
}

// fileSource reads the file on every capture so a file replaced on disk is picked up.
type fileSource struct {
	path string
}

func (s *fileSource) Capture(ctx context.Context) (image.Image, error) {
	mimeType := utils.MimeTypeFromPath(s.path)
	if mimeType == utils.MimeTypeJPEG {
		// honor the EXIF orientation of camera pictures
		img, err := imaging.Open(s.path, imaging.AutoOrientation(true))
		if err != nil {
			return nil, errors.Wrapf(err, "could not read %s", s.path)
		}
		return img, nil
	}
	//nolint:gosec
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", s.path)
	}
	return rimage.DecodeImage(ctx, data, mimeType)
}

func (s *fileSource) Close(ctx context.Context) error {
	return nil
}
