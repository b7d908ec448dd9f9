// Package utils contains small concurrency helpers shared by the streaming packages.
package utils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// StoppableWorkers is a collection of goroutines that can be stopped at a later time. It also
// tracks how many of them are still running, so that a worker which died on a panic can be
// told apart from one that is idle.
type StoppableWorkers struct {
	mu                      sync.Mutex
	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup

	alive    atomic.Int32
	panicked atomic.Pointer[error]
}

// NewStoppableWorkers runs the functions in separate goroutines. They can be stopped later.
func NewStoppableWorkers(funcs ...func(context.Context)) *StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	workers := &StoppableWorkers{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	workers.AddWorkers(funcs...)
	return workers
}

// AddWorkers starts up additional goroutines for each function passed in. If you call this after
// calling Stop(), it will return immediately without starting any new goroutines.
func (sw *StoppableWorkers) AddWorkers(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancelCtx.Err() != nil { // We've already stopped everything.
		return
	}

	sw.activeBackgroundWorkers.Add(len(funcs))
	sw.alive.Add(int32(len(funcs)))
	for _, f := range funcs {
		goutils.PanicCapturingGoWithCallback(func() {
			defer sw.activeBackgroundWorkers.Done()
			defer sw.alive.Add(-1)
			f(sw.cancelCtx)
		}, func(err interface{}) {
			perr := errors.Errorf("worker panicked: %v", err)
			sw.panicked.CompareAndSwap(nil, &perr)
		})
	}
}

// Alive returns the number of workers that have not returned yet.
func (sw *StoppableWorkers) Alive() int {
	return int(sw.alive.Load())
}

// Panic returns the first panic recovered from a worker, if any.
func (sw *StoppableWorkers) Panic() error {
	if p := sw.panicked.Load(); p != nil {
		return *p
	}
	return nil
}

// Stopping reports whether Stop has been called.
func (sw *StoppableWorkers) Stopping() bool {
	return sw.cancelCtx.Err() != nil
}

// Stop shuts down all the goroutines we started up.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelFunc()
	sw.activeBackgroundWorkers.Wait()
}

// Context gets the context the workers are checking on.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.cancelCtx
}
