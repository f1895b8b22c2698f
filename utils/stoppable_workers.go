package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a collection of goroutines that can be stopped at a later time.
type StoppableWorkers interface {
	// Add starts one goroutine per function. Calls after Stop return without starting anything.
	Add(...func(context.Context))
	// Stop cancels the workers' context and waits for every worker to return.
	Stop()
	// Context is the context handed to the workers.
	Context() context.Context
}

// stoppableWorkersImpl is always used through the StoppableWorkers interface so the WaitGroup is
// never copied.
type stoppableWorkersImpl struct {
	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup
	onPanic    func(interface{})
}

// NewStoppableWorkers runs the functions in separate goroutines. They can be stopped later.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	return NewStoppableWorkersWithPanicHandler(nil, funcs...)
}

// NewStoppableWorkersWithPanicHandler is like NewStoppableWorkers but reports worker panics to
// onPanic instead of the default panic logger.
func NewStoppableWorkersWithPanicHandler(onPanic func(interface{}), funcs ...func(context.Context)) StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	sw := &stoppableWorkersImpl{cancelCtx: cancelCtx, cancelFunc: cancelFunc, onPanic: onPanic}
	sw.Add(funcs...)
	return sw
}

func (sw *stoppableWorkersImpl) Add(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancelCtx.Err() != nil {
		return
	}

	sw.workers.Add(len(funcs))
	for _, f := range funcs {
		run := func() {
			defer sw.workers.Done()
			f(sw.cancelCtx)
		}
		if sw.onPanic != nil {
			goutils.PanicCapturingGoWithCallback(run, sw.onPanic)
		} else {
			goutils.PanicCapturingGo(run)
		}
	}
}

func (sw *stoppableWorkersImpl) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelFunc()
	sw.workers.Wait()
}

func (sw *stoppableWorkersImpl) Context() context.Context {
	return sw.cancelCtx
}
