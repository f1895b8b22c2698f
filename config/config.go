// Package config reads the objrec configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/objrec/eventstore"
	"go.viam.com/objrec/imagesource"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/rexec"
	"go.viam.com/objrec/services/detector"
	"go.viam.com/objrec/services/objectrecognition"
)

// Config is the whole configuration of an objrec instance.
type Config struct {
	ConfigFilePath string `json:"-" mapstructure:"-"`

	Events   objectrecognition.Config `json:"events" mapstructure:"events"`
	Detector DetectorConfig           `json:"detector" mapstructure:"detector"`
	Bus      BusConfig                `json:"bus" mapstructure:"bus"`
	Images   imagesource.Config       `json:"images" mapstructure:"images"`
	Store    eventstore.Config        `json:"store" mapstructure:"store"`
	Web      WebConfig                `json:"web" mapstructure:"web"`
	Log      LogConfig                `json:"log" mapstructure:"log"`
}

// DetectorConfig configures the detection service and, optionally, the process serving it.
type DetectorConfig struct {
	detector.RemoteConfig `mapstructure:",squash"`
	// Process is started before the first detection and stopped with the worker.
	Process *rexec.ProcessConfig `json:"process,omitempty" mapstructure:"process"`
}

// BusConfig selects the event bus. An empty URL uses the in-process bus.
type BusConfig struct {
	URL string `json:"url" mapstructure:"url"`
}

// WebConfig configures the HTTP server. An empty address disables it.
type WebConfig struct {
	Address string `json:"address" mapstructure:"address"`
}

// LogConfig configures logging. File, when set, receives a rotated copy of the log.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// Default returns the configuration used for everything the file leaves out.
func Default() Config {
	return Config{
		Events: objectrecognition.Config{
			InputTopic:  "cltl.topic.image",
			OutputTopic: "cltl.topic.object",
		},
		Detector: DetectorConfig{
			RemoteConfig: detector.RemoteConfig{
				URL:             "http://127.0.0.1:10004/",
				RequestEncoding: detector.RequestEncodingObject,
				Schema:          detector.DefaultSchema,
			},
		},
		Store: eventstore.Config{
			Database:   "objrec",
			Collection: "events",
		},
		Web: WebConfig{Address: ":8000"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Read reads the config file at filePath, substituting ${VAR} references from the environment.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config %q", filePath)
	}
	cfg, err := FromReader(bytes.NewReader(buf))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", filePath)
	}
	cfg.ConfigFilePath = filePath
	return cfg, nil
}

// FromReader decodes and validates a JSON config. Environment references are not substituted.
func FromReader(r io.Reader) (*Config, error) {
	var attributes map[string]interface{}
	if err := json.NewDecoder(r).Decode(&attributes); err != nil {
		return nil, errors.Wrap(err, "failed to decode config from json")
	}

	cfg := Default()
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Metadata: &md,
		Result:   &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if len(md.Unused) > 0 {
		return nil, errors.Errorf("unknown config fields %q", md.Unused)
	}
	if p := cfg.Detector.Process; p != nil && p.ID == "" {
		p.ID = "detector"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if err := cfg.Events.Validate("events"); err != nil {
		return err
	}
	if err := cfg.Detector.Validate("detector"); err != nil {
		return err
	}
	if cfg.Detector.Process != nil {
		if err := cfg.Detector.Process.Validate("detector.process"); err != nil {
			return err
		}
	}
	if cfg.Bus.URL != "" {
		u, err := url.Parse(cfg.Bus.URL)
		if err != nil {
			return errors.Wrap(err, "bus: invalid url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Errorf("bus: url scheme must be http or https, got %q", u.Scheme)
		}
	}
	if (cfg.Images.AzureAccount == "") != (cfg.Images.AzureKey == "") {
		return errors.New("images: azure_account and azure_key must be set together")
	}
	if err := cfg.Store.Validate("store"); err != nil {
		return err
	}
	if _, err := logging.LevelFromString(cfg.Log.Level); err != nil {
		return errors.Wrap(err, "log")
	}
	return nil
}
