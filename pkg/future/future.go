// Package future provides a small first-class completion handle, the Go
// equivalent of the Twisted Deferred the original broker relies on
// throughout. Every broker operation that "resolves later" (an exchange
// round, a registration attempt, a client exit call) returns a *Future
// instead of blocking its caller's goroutine.
package future

import (
	"context"
	"sync"
)

// Future is a single-assignment completion handle. It is safe to Resolve
// or Reject from any goroutine, and safe for many goroutines to Wait on
// concurrently.
type Future struct {
	done chan struct{}
	once sync.Once
	val  interface{}
	err  error
}

// New returns a Future ready to be resolved or rejected exactly once.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future that has already succeeded with value.
func Resolved(value interface{}) *Future {
	f := New()
	f.Resolve(value)
	return f
}

// Rejected returns a Future that has already failed with err.
func Rejected(err error) *Future {
	f := New()
	f.Reject(err)
	return f
}

// Resolve completes the future successfully. Only the first call (whether
// Resolve or Reject) has any effect.
func (f *Future) Resolve(value interface{}) {
	f.once.Do(func() {
		f.val = value
		close(f.done)
	})
}

// Reject completes the future with an error. Only the first call (whether
// Resolve or Reject) has any effect.
func (f *Future) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future is resolved, rejected, or ctx is done,
// whichever happens first.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed once the future settles, for use in
// select statements alongside other event sources.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
