package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"go.viam.com/objrec/geometry"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/rimage"
	"go.viam.com/objrec/utils"
	"go.viam.com/objrec/vision/objectdetection"
)

var tracer = otel.Tracer("go.viam.com/objrec/services/detector")

const (
	// RequestEncodingObject sends the request mapping as a JSON object body.
	RequestEncodingObject = "object"
	// RequestEncodingString sends the request mapping JSON-encoded inside a JSON string body.
	RequestEncodingString = "string"

	defaultDetectTimeout  = 30 * time.Second
	defaultStartupTimeout = 30 * time.Second
)

// RemoteConfig configures a detector backed by an HTTP detection service.
type RemoteConfig struct {
	URL               string        `json:"url" mapstructure:"url"`
	StartupTimeout    time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
	DetectTimeout     time.Duration `json:"detect_timeout" mapstructure:"detect_timeout"`
	MinConfidence     float64       `json:"min_confidence" mapstructure:"min_confidence"`
	MaxImageDimension int           `json:"max_image_dimension" mapstructure:"max_image_dimension"`
	RequestEncoding   string        `json:"request_encoding" mapstructure:"request_encoding"`
	Schema            Schema        `json:"schema" mapstructure:"schema"`
}

// Validate ensures all parts of the config are valid.
func (cfg *RemoteConfig) Validate(path string) error {
	if cfg.URL == "" {
		return errors.Errorf("%s: expected url field to be set", path)
	}
	switch cfg.RequestEncoding {
	case "", RequestEncodingObject, RequestEncodingString:
	default:
		return errors.Errorf("%s: unknown request_encoding %q", path, cfg.RequestEncoding)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return errors.Errorf("%s: min_confidence must be between 0 and 1, got %v", path, cfg.MinConfidence)
	}
	if cfg.MaxImageDimension < 0 {
		return errors.Errorf("%s: max_image_dimension cannot be negative", path)
	}
	return nil
}

// Remote is a Detector calling an HTTP detection service.
type Remote struct {
	cfg         RemoteConfig
	schema      Schema
	backing     Backing
	client      *http.Client
	postprocess objectdetection.Postprocessor
	logger      logging.Logger
}

// NewRemote returns a detector for the service at cfg.URL. The backing is started by Start and
// stopped by Close.
func NewRemote(cfg RemoteConfig, backing Backing, logger logging.Logger) (*Remote, error) {
	if err := cfg.Validate("detector"); err != nil {
		return nil, err
	}
	if cfg.DetectTimeout == 0 {
		cfg.DetectTimeout = defaultDetectTimeout
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.RequestEncoding == "" {
		cfg.RequestEncoding = RequestEncodingObject
	}
	if backing == nil {
		backing = NoBacking
	}
	var postprocess objectdetection.Postprocessor
	if cfg.MinConfidence > 0 {
		postprocess = objectdetection.NewScoreFilter(cfg.MinConfidence)
	}
	return &Remote{
		cfg:         cfg,
		schema:      cfg.Schema.withDefaults(),
		backing:     backing,
		client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		postprocess: postprocess,
		logger:      logger,
	}, nil
}

// Start acquires the backing resource, waiting at most the startup timeout.
func (r *Remote) Start(ctx context.Context) error {
	r.logger.Infow("starting detector", "url", r.cfg.URL, "timeout", r.cfg.StartupTimeout)
	return Acquire(ctx, r.backing, r.cfg.StartupTimeout)
}

// Close releases the backing resource.
func (r *Remote) Close(ctx context.Context) error {
	return Release(ctx, r.backing, r.cfg.StartupTimeout)
}

// Detect sends img to the detection service and returns the detections in image coordinates.
func (r *Remote) Detect(ctx context.Context, img image.Image) (objectdetection.Result, error) {
	ctx, span := tracer.Start(ctx, "detector::Detect")
	defer span.End()

	result, err := r.detect(ctx, img)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		return objectdetection.Result{}, err
	}
	span.SetAttributes(attribute.Int("detections", result.Len()))
	return result, nil
}

func (r *Remote) detect(ctx context.Context, img image.Image) (objectdetection.Result, error) {
	if img == nil {
		return objectdetection.Result{}, &EncodingError{Err: errors.New("no image")}
	}
	sent, scaleX, scaleY := r.fit(img)

	encoded, err := rimage.EncodeImage(ctx, sent, utils.MimeTypePNG)
	if err != nil {
		return objectdetection.Result{}, &EncodingError{Err: err}
	}
	body, err := r.requestBody(encoded)
	if err != nil {
		return objectdetection.Result{}, &EncodingError{Err: err}
	}

	reply, err := r.post(ctx, body)
	if err != nil {
		return objectdetection.Result{}, err
	}
	records, err := r.schema.parseReply(reply)
	if err != nil {
		return objectdetection.Result{}, newRemoteServiceError(0, err)
	}

	result := objectdetection.Result{
		Objects: make([]objectdetection.Object, 0, len(records)),
		Bounds:  make([]geometry.Bounds, 0, len(records)),
	}
	for _, rec := range records {
		var box [4]int
		for i, v := range rec.Box {
			scale := scaleX
			if i%2 == 1 {
				scale = scaleY
			}
			box[i] = int(math.Trunc(v * scale))
		}
		result.Objects = append(result.Objects, objectdetection.Object{Type: rec.Label, Label: rec.Label, Confidence: rec.Score})
		result.Bounds = append(result.Bounds, objectdetection.BoundsFromLTRB(box))
	}
	if r.postprocess != nil {
		result = r.postprocess(result)
	}
	r.logger.Debugw("detected objects", "count", result.Len())
	return result, nil
}

// fit downscales img so its longest side is at most MaxImageDimension and returns the factors
// mapping the sent image's coordinates back onto img.
func (r *Remote) fit(img image.Image) (image.Image, float64, float64) {
	maxDim := r.cfg.MaxImageDimension
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if maxDim == 0 || (w <= maxDim && h <= maxDim) {
		return img, 1, 1
	}
	resized := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	rw, rh := resized.Bounds().Dx(), resized.Bounds().Dy()
	return resized, float64(w) / float64(rw), float64(h) / float64(rh)
}

func (r *Remote) requestBody(encoded []byte) ([]byte, error) {
	mapping := map[string]string{r.schema.Image: base64.StdEncoding.EncodeToString(encoded)}
	body, err := json.Marshal(mapping)
	if err != nil {
		return nil, err
	}
	if r.cfg.RequestEncoding == RequestEncodingString {
		return json.Marshal(string(body))
	}
	return body, nil
}

func (r *Remote) post(ctx context.Context, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DetectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, newRemoteServiceError(0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, newRemoteServiceError(0, errors.Wrapf(err, "could not reach %s", r.cfg.URL))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			r.logger.Debugw("error closing reply body", "error", err)
		}
	}()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newRemoteServiceError(resp.StatusCode, errors.Wrap(err, "could not read reply"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newRemoteServiceError(resp.StatusCode, errors.Errorf("unexpected reply %q", truncate(reply, 256)))
	}
	return reply, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
