package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrRejected resolves a promise whose task could not be queued because
	// the loop is shutting down or the strand was finalized.
	ErrRejected = errors.New("worker: task rejected")

	// ErrTimeout is returned by WaitTimeout when the caller stops waiting.
	// The task itself keeps running to completion on the loop.
	ErrTimeout = errors.New("worker: future timed out")

	// ErrTaskPanicked resolves a promise whose task panicked.
	ErrTaskPanicked = errors.New("worker: task panicked")
)

// Pusher accepts one-shot tasks. Both *Loop and *Strand implement it.
type Pusher interface {
	PushTask(fn Task) bool
}

// Future is the one-shot result of a task executed on a loop.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
	once sync.Once
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, nil)
	return f
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.resolve(zero, err)
	return f
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks for at most d. A non-positive d waits indefinitely.
func (f *Future[T]) WaitTimeout(d time.Duration) (T, error) {
	if d <= 0 {
		<-f.done
		return f.val, f.err
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-f.done:
		return f.val, f.err
	case <-t.C:
		var zero T
		return zero, ErrTimeout
	}
}

// PushPromiseTask queues fn on p and returns a future for its result. If p
// rejects the task the future fails with ErrRejected.
func PushPromiseTask[T any](p Pusher, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	ok := p.PushTask(func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.resolve(zero, fmt.Errorf("%w: %v", ErrTaskPanicked, r))
				panic(r)
			}
		}()
		v, err := fn()
		f.resolve(v, err)
	})
	if !ok {
		var zero T
		f.resolve(zero, ErrRejected)
	}
	return f
}
