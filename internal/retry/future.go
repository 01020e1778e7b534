package retry

import (
	"context"
	"sync"
)

// Future is the eventual outcome of a scheduled operation.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	err       error
	callbacks []func(error)
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.mu.Lock()
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// Done is closed once the operation succeeded or gave up.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the final error, or nil while still pending.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until completion or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers cb to run with the final error. If the future is
// already complete cb runs immediately on the caller's goroutine.
func (f *Future) OnComplete(cb func(error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		err := f.err
		f.mu.Unlock()
		cb(err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}
