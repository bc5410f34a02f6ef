// Package deadline races a blocking call against a timer.
package deadline

import (
	"context"
	"errors"
	"time"
)

// ErrExpired is returned when the timer fires before the call completes.
var ErrExpired = errors.New("deadline expired")

type result[T any] struct {
	val T
	err error
}

// Race runs fn with a context bounded by timeout and returns whichever finishes
// first: fn or the timer. A timer win always returns ErrExpired, even if fn
// later succeeds; that late result is dropped without side effects.
// Cancellation of the parent ctx is reported as ctx.Err().
func Race[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so the worker can always deliver and exit after we stop listening.
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, ErrExpired
		}
		return r.val, r.err
	case <-timer.C:
		return zero, ErrExpired
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
