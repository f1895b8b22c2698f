package utils

import (
	"context"
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var running atomic.Int32
	started := make(chan struct{}, 2)
	worker := func(ctx context.Context) {
		running.Add(1)
		defer running.Add(-1)
		started <- struct{}{}
		<-ctx.Done()
	}

	sw := NewStoppableWorkers(worker)
	sw.Add(worker)
	<-started
	<-started
	test.That(t, running.Load(), test.ShouldEqual, 2)

	sw.Stop()
	test.That(t, running.Load(), test.ShouldEqual, 0)
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	// adding after stop does nothing
	var ran atomic.Bool
	sw.Add(func(context.Context) { ran.Store(true) })
	sw.Stop()
	test.That(t, ran.Load(), test.ShouldBeFalse)
}

func TestStoppableWorkersPanic(t *testing.T) {
	panics := make(chan interface{}, 1)
	sw := NewStoppableWorkersWithPanicHandler(func(err interface{}) { panics <- err }, func(context.Context) {
		panic("boom")
	})
	test.That(t, <-panics, test.ShouldEqual, "boom")
	sw.Stop()
}
