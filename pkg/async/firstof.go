package async

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrTimeout = errors.New("operation timed out")

type result[T any] struct {
	value T
	err   error
}

// FirstOf runs op and returns its result, or ErrTimeout if timeout elapses
// first. The op context is cancelled once FirstOf returns; a result that
// arrives later is discarded.
func FirstOf[T any](ctx context.Context, clock clockwork.Clock, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := op(opCtx)
		done <- result[T]{value: v, err: err}
	}()

	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.Chan():
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
