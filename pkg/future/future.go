// Package future implements the one-shot async result primitive the
// companion is built on. Every long-running device operation is exposed as
// a Future; background operations with no final value are exposed as
// Continuations wrapping a completion Future.
package future

import (
	"context"
	"errors"
	"sync"
)

// Status is the resolution state of a Future.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Void is the value type of futures that carry no result.
type Void = struct{}

// ErrCancelled is the error observed on a cancelled future.
var ErrCancelled = errors.New("future: cancelled")

// Future is a one-shot container for the eventual outcome of an operation.
// It transitions out of Pending exactly once; terminal states are final.
type Future[T any] struct {
	mu        sync.Mutex
	status    Status
	value     T
	err       error
	name      string
	cancel    func()
	upstream  interface{ Cancel() }
	callbacks []func(Status, T, error)
	notifying bool
	done      chan struct{}
}

// Resolver is the single-use write side of a Future.
type Resolver[T any] struct {
	f *Future[T]
}

type settings struct {
	name   string
	cancel func()
}

// Option configures a new Future.
type Option func(*settings)

// WithName attaches a diagnostic name to the future.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithCancel registers a cancellation hook, invoked at most once when
// cancellation is requested while the future is still pending.
func WithCancel(hook func()) Option {
	return func(s *settings) { s.cancel = hook }
}

// New creates a pending future and its resolver.
func New[T any](opts ...Option) (*Future[T], *Resolver[T]) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	f := &Future[T]{
		name:   s.name,
		cancel: s.cancel,
		done:   make(chan struct{}),
	}
	return f, &Resolver[T]{f: f}
}

// Resolved returns a future already resolved with v.
func Resolved[T any](v T) *Future[T] {
	f, r := New[T]()
	r.Succeed(v)
	return f
}

// Errored returns a future already failed with err.
func Errored[T any](err error) *Future[T] {
	f, r := New[T]()
	r.Fail(err)
	return f
}

// Go runs fn on its own goroutine and returns a future for its result.
func Go[T any](name string, fn func() (T, error)) *Future[T] {
	f, r := New[T](WithName(name))
	go func() {
		v, err := fn()
		if err != nil {
			r.Fail(err)
			return
		}
		r.Succeed(v)
	}()
	return f
}

// Succeed resolves the future with v. Returns false if it was already
// terminal.
func (r *Resolver[T]) Succeed(v T) bool {
	return r.f.transition(Succeeded, v, nil)
}

// Fail resolves the future with err. Returns false if it was already
// terminal.
func (r *Resolver[T]) Fail(err error) bool {
	var zero T
	return r.f.transition(Failed, zero, err)
}

func (f *Future[T]) transition(st Status, v T, err error) bool {
	f.mu.Lock()
	if f.status != Pending {
		f.mu.Unlock()
		return false
	}
	f.status, f.value, f.err = st, v, err
	f.cancel = nil
	close(f.done)
	if f.notifying {
		f.mu.Unlock()
		return true
	}
	f.notifying = true
	f.mu.Unlock()
	f.drain()
	return true
}

// drain invokes queued callbacks one at a time in registration order.
// Exactly one goroutine drains at a time (the notifying flag), so no
// callback ever runs concurrently with another callback of this future.
func (f *Future[T]) drain() {
	for {
		f.mu.Lock()
		if len(f.callbacks) == 0 {
			f.notifying = false
			f.mu.Unlock()
			return
		}
		cb := f.callbacks[0]
		f.callbacks = f.callbacks[1:]
		st, v, err := f.status, f.value, f.err
		f.mu.Unlock()
		cb(st, v, err)
	}
}

// OnResolved registers a callback invoked exactly once with the terminal
// state. Callbacks on the same future run in registration order. If the
// future is already terminal the callback runs immediately on the calling
// goroutine, after any callbacks registered before it.
func (f *Future[T]) OnResolved(cb func(Status, T, error)) {
	f.mu.Lock()
	f.callbacks = append(f.callbacks, cb)
	if f.status == Pending || f.notifying {
		f.mu.Unlock()
		return
	}
	f.notifying = true
	f.mu.Unlock()
	f.drain()
}

// Cancel requests cancellation. It is idempotent and a no-op on a terminal
// future. The cancellation hook, if any, is invoked at most once, before
// the transition to Cancelled. Cancelling a chained future cancels its
// nearest unresolved upstream.
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	if f.status != Pending {
		f.mu.Unlock()
		return
	}
	hook := f.cancel
	f.cancel = nil
	up := f.upstream
	f.upstream = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	var zero T
	f.transition(Cancelled, zero, ErrCancelled)
	if up != nil {
		up.Cancel()
	}
}

// cancelled marks the future Cancelled without touching hooks or upstream,
// used when a terminal Cancelled state propagates downstream.
func (f *Future[T]) cancelled() {
	var zero T
	f.transition(Cancelled, zero, ErrCancelled)
}

func (f *Future[T]) setUpstream(up interface{ Cancel() }) {
	f.mu.Lock()
	if f.status == Pending {
		f.upstream = up
	}
	f.mu.Unlock()
}

// Status reports the current resolution state.
func (f *Future[T]) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Name returns the diagnostic name, if any.
func (f *Future[T]) Name() string {
	return f.name
}

// Done returns a channel closed once the future is terminal.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future is terminal and returns its outcome.
// Cancelled futures return ErrCancelled.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Await is Result bounded by ctx. The future itself is left untouched on
// context expiry.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
