package imagesource

import (
	"context"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/rimage"
	"go.viam.com/objrec/utils"
)

const (
	fetchAttempts  = 3
	maxImageBytes  = 64 << 20
	defaultTimeout = 30 * time.Second
)

type httpLoader struct {
	client       *http.Client
	initialRetry time.Duration
	maxBytes     int64
	logger       logging.Logger
}

func newHTTPLoader(logger logging.Logger) *httpLoader {
	return &httpLoader{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
		initialRetry: time.Second,
		maxBytes:     maxImageBytes,
		logger:       logger,
	}
}

func (l *httpLoader) open(url string) (Source, error) {
	return &httpSource{url: url, loader: l}, nil
}

type httpSource struct {
	url    string
	loader *httpLoader
}

// Capture downloads the image, retrying transport errors and 5xx replies.
func (s *httpSource) Capture(ctx context.Context) (image.Image, error) {
	var data []byte
	var mimeType string
	attempt := 0
	op := func() error {
		attempt++
		var err error
		data, mimeType, err = s.fetch(ctx)
		if err != nil {
			s.loader.logger.Debugw("image download failed", "url", s.url, "attempt", attempt, "error", err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.loader.initialRetry
	policy := backoff.WithContext(backoff.WithMaxRetries(b, fetchAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch image after %d attempts", attempt)
	}
	if mimeType == "" {
		mimeType = utils.MimeTypeFromPath(s.url)
	}
	return rimage.DecodeImage(ctx, data, mimeType)
}

func (s *httpSource) fetch(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, "", backoff.Permanent(errors.Wrap(err, "invalid URL"))
	}
	req.Header.Set("Accept", "image/png, image/jpeg, image/webp, image/*;q=0.8, */*;q=0.5")

	resp, err := s.loader.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.loader.logger.Debugw("error closing image body", "error", err)
		}
	}()

	switch {
	case resp.StatusCode >= 500:
		return nil, "", errors.Errorf("server error: status code %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, "", backoff.Permanent(errors.Errorf("client error: status code %d", resp.StatusCode))
	}

	data, err := readImage(resp.Body, s.loader.maxBytes)
	var tooLarge *TooLargeError
	if errors.As(err, &tooLarge) {
		return nil, "", backoff.Permanent(err)
	}
	if err != nil {
		return nil, "", err
	}
	mimeType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mimeType == "application/octet-stream" {
		mimeType = ""
	}
	return data, mimeType, nil
}

// TooLargeError is returned for images bigger than the download limit.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("image too large: more than %d bytes", e.Limit)
}

// readImage reads all of r, failing once more than limit bytes arrive.
func readImage(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &TooLargeError{Limit: limit}
	}
	return data, nil
}

func (s *httpSource) Close(ctx context.Context) error {
	return nil
}
