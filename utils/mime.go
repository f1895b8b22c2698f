package utils

import (
	"path/filepath"
	"strings"
)

const (
	// MimeTypeJPEG is regular jpgs.
	MimeTypeJPEG = "image/jpeg"

	// MimeTypePNG is regular pngs.
	MimeTypePNG = "image/png"

	// MimeTypeQOI is for .qoi "Quite OK Image" for lossless, fast encoding/decoding.
	MimeTypeQOI = "image/qoi"

	// MimeTypePPM is for netpbm .ppm images.
	MimeTypePPM = "image/x-portable-pixmap"

	// MimeTypeBMP is for windows bitmaps.
	MimeTypeBMP = "image/bmp"

	// MimeTypeTIFF is for .tif/.tiff images.
	MimeTypeTIFF = "image/tiff"

	// MimeTypeWebP is for .webp images; decode only.
	MimeTypeWebP = "image/webp"
)

var extensionMimeTypes = map[string]string{
	".jpg":  MimeTypeJPEG,
	".jpeg": MimeTypeJPEG,
	".png":  MimeTypePNG,
	".qoi":  MimeTypeQOI,
	".ppm":  MimeTypePPM,
	".bmp":  MimeTypeBMP,
	".tif":  MimeTypeTIFF,
	".tiff": MimeTypeTIFF,
	".webp": MimeTypeWebP,
}

// MimeTypeFromPath guesses an image mime type from a file name or URL path. It returns an
// empty string for unknown extensions.
func MimeTypeFromPath(path string) string {
	return extensionMimeTypes[strings.ToLower(filepath.Ext(path))]
}
