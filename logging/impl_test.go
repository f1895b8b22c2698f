package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.viam.com/test"
)

func TestConsoleOutputFormat(t *testing.T) {
	// A logger object that will write to the `notStdout` buffer.
	notStdout := &bytes.Buffer{}
	logger := newImpl("impl", DEBUG, true, NewWriterAppender(notStdout))

	logger.Infow("detection published", "topic", "cltl.topic.object", "mentions", 2)
	line, err := notStdout.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	parts := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	test.That(t, parts, test.ShouldHaveLength, 6)
	test.That(t, parts[1], test.ShouldEqual, "INFO")
	test.That(t, parts[2], test.ShouldEqual, "impl")
	test.That(t, parts[3], test.ShouldStartWith, "logging/impl_test.go:")
	test.That(t, parts[4], test.ShouldEqual, "detection published")
	test.That(t, parts[5], test.ShouldEqual, `{"topic": "cltl.topic.object", "mentions": 2}`)
}

func TestLevels(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := newImpl("impl", INFO, true, NewWriterAppender(notStdout))

	logger.Debugw("hidden")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.SetLevel(DEBUG)
	logger.Debugw("shown", "count", 1)
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "shown")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, `"count": 1`)

	level, err := LevelFromString("WARN")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)

	_, err = LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSubloggerSharesAppenders(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("worker")
	subsub := sub.Sublogger("detector")

	subsub.Warnw("slow reply", "seconds", 3)
	logger.AddAppender(NewWriterAppender(&bytes.Buffer{}))
	sub.Errorw("failed", "error", "boom")

	entries := observed.All()
	test.That(t, entries, test.ShouldHaveLength, 2)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "worker.detector")
	test.That(t, entries[0].ContextMap()["seconds"], test.ShouldEqual, int64(3))
	test.That(t, entries[1].LoggerName, test.ShouldEqual, "worker")

	// sublogger levels are independent of the parent
	sub.SetLevel(ERROR)
	sub.Info("dropped")
	logger.Info("kept")
	test.That(t, observed.FilterMessage("dropped").Len(), test.ShouldEqual, 0)
	test.That(t, observed.FilterMessage("kept").Len(), test.ShouldEqual, 1)
}

func TestUnpairedKey(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	logger.Infow("msg", "lonely")
	test.That(t, observed.All()[0].ContextMap()["lonely"], test.ShouldNotBeNil)
}
