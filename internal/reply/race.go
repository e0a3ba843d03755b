package reply

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the terminal state of one deadline race.
type Outcome int

const (
	// Completed means the work finished before the deadline.
	Completed Outcome = iota
	// TimedOut means the deadline fired first. The work keeps running.
	TimedOut
)

func (o Outcome) String() string {
	if o == TimedOut {
		return "timed_out"
	}
	return "completed"
}

// Future is a unit of work running in its own goroutine. Its context is
// detached from the caller's, so the work survives the request that started
// it and stops only on Cancel or its own timeout.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    T
	err    error
}

// Go starts fn. The work inherits ctx's values (trace spans, loggers) but not
// its cancellation. timeout > 0 bounds the total run time.
func Go[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) *Future[T] {
	base := context.WithoutCancel(ctx)
	var (
		workCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		workCtx, cancel = context.WithTimeout(base, timeout)
	} else {
		workCtx, cancel = context.WithCancel(base)
	}

	f := &Future[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("%w: panic: %v", ErrUpstreamFailure, r)
			}
		}()
		f.val, f.err = fn(workCtx)
	}()
	return f
}

// Done is closed when the work has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Cancel aborts the work. Cooperative: the work observes it at its next
// blocking point.
func (f *Future[T]) Cancel() { f.cancel() }

// Result returns the work's result. Only valid after Done is closed.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Wait blocks until the work finishes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Race waits for f up to d. On TimedOut f is left running untouched; the
// caller decides who adopts it. ctx cancellation (client gone) is reported
// as TimedOut too, for the same reason.
func Race[T any](ctx context.Context, f *Future[T], d time.Duration) (T, Outcome, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.val, Completed, f.err
	case <-timer.C:
	case <-ctx.Done():
	}

	// work finished in the same instant the timer fired
	select {
	case <-f.done:
		return f.val, Completed, f.err
	default:
	}
	var zero T
	return zero, TimedOut, ErrUpstreamTimeout
}
