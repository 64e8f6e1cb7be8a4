package future

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is the failure observed when a Timeout race is lost.
var ErrTimeout = errors.New("future: timed out")

// Map derives a future by transforming the success value. Failure and
// cancellation pass through; cancelling the derived future cancels the
// upstream one.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out, r := New[U](WithName(f.Name()))
	out.setUpstream(f)
	f.OnResolved(func(st Status, v T, err error) {
		switch st {
		case Succeeded:
			u, err := fn(v)
			if err != nil {
				r.Fail(err)
				return
			}
			r.Succeed(u)
		case Failed:
			r.Fail(err)
		case Cancelled:
			out.cancelled()
		}
	})
	return out
}

// Then chains fn onto f's success, flattening the returned future.
// Cancelling the result cancels whichever stage is still unresolved.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out, r := New[U](WithName(f.Name()))
	out.setUpstream(f)
	f.OnResolved(func(st Status, v T, err error) {
		switch st {
		case Succeeded:
			next := fn(v)
			out.setUpstream(next)
			next.OnResolved(func(st Status, u U, err error) {
				switch st {
				case Succeeded:
					r.Succeed(u)
				case Failed:
					r.Fail(err)
				case Cancelled:
					out.cancelled()
				}
			})
		case Failed:
			r.Fail(err)
		case Cancelled:
			out.cancelled()
		}
	})
	return out
}

// AwaitAll aggregates futures into one that succeeds with all values in
// input order. The first failure fails the aggregate and cancels the
// remaining inputs; cancelling the aggregate cancels every input.
func AwaitAll[T any](futures ...*Future[T]) *Future[[]T] {
	out, r := New[[]T](WithCancel(func() {
		for _, f := range futures {
			f.Cancel()
		}
	}))
	if len(futures) == 0 {
		r.Succeed(nil)
		return out
	}

	var mu sync.Mutex
	values := make([]T, len(futures))
	remaining := len(futures)

	settle := func(failed error, cancelled bool) {
		for _, f := range futures {
			f.Cancel()
		}
		if cancelled {
			out.cancelled()
			return
		}
		r.Fail(failed)
	}

	for i, f := range futures {
		i, f := i, f
		f.OnResolved(func(st Status, v T, err error) {
			switch st {
			case Succeeded:
				mu.Lock()
				values[i] = v
				remaining--
				last := remaining == 0
				mu.Unlock()
				if last {
					r.Succeed(values)
				}
			case Failed:
				settle(err, false)
			case Cancelled:
				settle(nil, true)
			}
		})
	}
	return out
}

// Settle resolves once f is terminal, regardless of outcome. Shutdown
// aggregation uses it to wait for completions that may fail or be
// cancelled without failing the aggregate.
func Settle[T any](f *Future[T]) *Future[Void] {
	out, r := New[Void](WithName(f.Name()))
	f.OnResolved(func(Status, T, error) {
		r.Succeed(Void{})
	})
	return out
}

// Timeout races f against a timer. If the timer fires first, f is
// cancelled and the result fails with ErrTimeout; otherwise the timer is
// stopped and f's outcome passes through.
func Timeout[T any](f *Future[T], d time.Duration) *Future[T] {
	out, r := New[T](WithName(f.Name()))
	out.setUpstream(f)
	timer := time.AfterFunc(d, func() {
		if r.Fail(errors.Wrapf(ErrTimeout, "after %s", d)) {
			f.Cancel()
		}
	})
	f.OnResolved(func(st Status, v T, err error) {
		timer.Stop()
		switch st {
		case Succeeded:
			r.Succeed(v)
		case Failed:
			r.Fail(err)
		case Cancelled:
			out.cancelled()
		}
	})
	return out
}
