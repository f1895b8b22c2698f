package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/objrec/services/detector"
)

const fullConfig = `{
  "events":   {"image_topic": "images", "object_topic": "objects", "stop_timeout": "5s"},
  "detector": {"url": "http://127.0.0.1:10004/", "startup_timeout": "1m", "detect_timeout": "2s",
               "min_confidence": 0.25, "max_image_dimension": 640, "request_encoding": "string",
               "schema": {"results": "detections", "score": "confidence"},
               "process": {"name": "docker", "args": ["run", "--rm", "-p", "10004:10004", "tae898/yolov5"], "stop_timeout": "20s"}},
  "bus":      {"url": "http://events.local:8000"},
  "images":   {"azure_account": "account", "azure_key": "${OBJREC_TEST_AZURE_KEY}"},
  "store":    {"mongo_uri": "mongodb://localhost:27017", "collection": "recognitions"},
  "web":      {"address": ":9000"},
  "log":      {"level": "debug", "file": "/tmp/objrec.log"}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "objrec.json")
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	return path
}

func TestRead(t *testing.T) {
	t.Setenv("OBJREC_TEST_AZURE_KEY", "c2VjcmV0")
	path := writeConfig(t, fullConfig)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ConfigFilePath, test.ShouldEqual, path)

	test.That(t, cfg.Events.InputTopic, test.ShouldEqual, "images")
	test.That(t, cfg.Events.OutputTopic, test.ShouldEqual, "objects")
	test.That(t, cfg.Events.StopTimeout, test.ShouldEqual, 5*time.Second)

	test.That(t, cfg.Detector.URL, test.ShouldEqual, "http://127.0.0.1:10004/")
	test.That(t, cfg.Detector.StartupTimeout, test.ShouldEqual, time.Minute)
	test.That(t, cfg.Detector.DetectTimeout, test.ShouldEqual, 2*time.Second)
	test.That(t, cfg.Detector.MinConfidence, test.ShouldEqual, 0.25)
	test.That(t, cfg.Detector.MaxImageDimension, test.ShouldEqual, 640)
	test.That(t, cfg.Detector.RequestEncoding, test.ShouldEqual, detector.RequestEncodingString)
	test.That(t, cfg.Detector.Schema.Results, test.ShouldEqual, "detections")
	test.That(t, cfg.Detector.Schema.Score, test.ShouldEqual, "confidence")
	test.That(t, cfg.Detector.Schema.Box, test.ShouldEqual, "bbox")

	test.That(t, cfg.Detector.Process, test.ShouldNotBeNil)
	test.That(t, cfg.Detector.Process.ID, test.ShouldEqual, "detector")
	test.That(t, cfg.Detector.Process.Name, test.ShouldEqual, "docker")
	test.That(t, cfg.Detector.Process.Args, test.ShouldHaveLength, 5)
	test.That(t, cfg.Detector.Process.StopTimeout, test.ShouldEqual, 20*time.Second)

	test.That(t, cfg.Bus.URL, test.ShouldEqual, "http://events.local:8000")
	test.That(t, cfg.Images.AzureKey, test.ShouldEqual, "c2VjcmV0")
	test.That(t, cfg.Store.Database, test.ShouldEqual, "objrec")
	test.That(t, cfg.Store.Collection, test.ShouldEqual, "recognitions")
	test.That(t, cfg.Web.Address, test.ShouldEqual, ":9000")
	test.That(t, cfg.Log.Level, test.ShouldEqual, "debug")
	test.That(t, cfg.Log.MaxBackups, test.ShouldEqual, 3)
}

func TestReadDefaults(t *testing.T) {
	cfg, err := Read(writeConfig(t, `{}`))
	test.That(t, err, test.ShouldBeNil)
	def := Default()
	def.ConfigFilePath = cfg.ConfigFilePath
	test.That(t, *cfg, test.ShouldResemble, def)
	test.That(t, cfg.Detector.Process, test.ShouldBeNil)
	test.That(t, cfg.Store.Enabled(), test.ShouldBeFalse)
}

func TestReadErrors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	for _, tc := range []struct {
		name   string
		config string
		errMsg string
	}{
		{"not json", `{"events": `, "decode config from json"},
		{"unknown field", `{"detectr": {}}`, "detectr"},
		{"bad duration", `{"detector": {"detect_timeout": "soon"}}`, "detect_timeout"},
		{"same topics", `{"events": {"image_topic": "a", "object_topic": "a"}}`, "must differ"},
		{"no url", `{"detector": {"url": ""}}`, "url"},
		{"bad encoding", `{"detector": {"request_encoding": "xml"}}`, "request_encoding"},
		{"bad confidence", `{"detector": {"min_confidence": 2}}`, "min_confidence"},
		{"process without name", `{"detector": {"process": {"args": ["x"]}}}`, "name"},
		{"bus scheme", `{"bus": {"url": "ftp://events"}}`, "scheme"},
		{"azure half set", `{"images": {"azure_account": "account"}}`, "azure_key"},
		{"store without collection", `{"store": {"mongo_uri": "mongodb://db", "collection": ""}}`, "collection"},
		{"log level", `{"log": {"level": "loud"}}`, "log level"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromReader(strings.NewReader(tc.config))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errMsg)
		})
	}
}
