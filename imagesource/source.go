// Package imagesource resolves image locations (local paths, file://, http(s):// and azblob://
// URLs) into sources that can be captured.
package imagesource

import (
	"context"
	"image"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/objrec/logging"
)

// A Source produces an image. Close must be called once the source is no longer needed.
type Source interface {
	Capture(ctx context.Context) (image.Image, error)
	Close(ctx context.Context) error
}

// A Loader opens the source found at a location.
type Loader interface {
	Open(ctx context.Context, location string) (Source, error)
}

// LoaderFunc adapts a function into a Loader.
type LoaderFunc func(ctx context.Context, location string) (Source, error)

// Open calls f.
func (f LoaderFunc) Open(ctx context.Context, location string) (Source, error) {
	return f(ctx, location)
}

// Config configures the sources a SchemeLoader can open.
type Config struct {
	AzureAccount string `json:"azure_account" mapstructure:"azure_account"`
	AzureKey     string `json:"azure_key" mapstructure:"azure_key"`
}

// SchemeLoader dispatches on the scheme of a location.
type SchemeLoader struct {
	files  *fileLoader
	http   *httpLoader
	azure  *azureLoader
	logger logging.Logger
}

// NewLoader returns a loader for local files, http(s) URLs and, when an Azure account is
// configured, azblob://<container>/<blob> URLs.
func NewLoader(cfg Config, logger logging.Logger) (*SchemeLoader, error) {
	l := &SchemeLoader{
		files:  &fileLoader{},
		http:   newHTTPLoader(logger),
		logger: logger,
	}
	if cfg.AzureAccount != "" {
		azure, err := newAzureLoader(cfg.AzureAccount, cfg.AzureKey)
		if err != nil {
			return nil, err
		}
		l.azure = azure
	}
	return l, nil
}

// Open implements Loader.
func (l *SchemeLoader) Open(ctx context.Context, location string) (Source, error) {
	if location == "" {
		return nil, errors.New("no image location")
	}
	scheme, rest := splitScheme(location)
	switch scheme {
	case "", "file":
		return l.files.open(rest)
	case "http", "https":
		return l.http.open(location)
	case "azblob":
		if l.azure == nil {
			return nil, errors.Errorf("cannot open %q: no azure account configured", location)
		}
		return l.azure.open(rest)
	default:
		return nil, errors.Errorf("unsupported image location scheme %q", scheme)
	}
}

// splitScheme separates "scheme://rest". Locations without a scheme, including Windows style
// paths, return an empty scheme and the location unchanged.
func splitScheme(location string) (string, string) {
	idx := strings.Index(location, "://")
	if idx <= 1 {
		return "", location
	}
	scheme := strings.ToLower(location[:idx])
	rest := location[idx+3:]
	if scheme == "file" {
		if u, err := url.Parse(location); err == nil && u.Path != "" {
			rest = u.Path
		}
	}
	return scheme, rest
}

// staticSource returns the same image until closed.
type staticSource struct {
	img image.Image
}

// NewStaticSource returns a source that always captures img.
func NewStaticSource(img image.Image) Source {
	return &staticSource{img: img}
}

func (s *staticSource) Capture(ctx context.Context) (image.Image, error) {
	if s.img == nil {
		return nil, errors.New("source closed")
	}
	return s.img, nil
}

func (s *staticSource) Close(ctx context.Context) error {
	s.img = nil
	return nil
}
