package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout marks a collaborator call that ran past its own deadline.
// The caller's context was still live, so the collaborator is at fault.
var ErrTimeout = errors.New("collaborator timed out")

// Call runs fn under a per-call timeout and, when b is non-nil, a breaker.
//
// A deadline hit by the per-call timeout is reported as ErrTimeout and
// counts as a breaker failure. Cancellation of ctx itself is returned as
// ctx.Err() and leaves the breaker untouched.
func Call[T any](ctx context.Context, b *Breaker, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if b != nil {
		if err := b.acquire(); err != nil {
			return zero, fmt.Errorf("%s: %w", b.name, err)
		}
	}

	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	v, err := fn(callCtx)

	switch {
	case err == nil:
		if b != nil {
			b.release(false, false)
		}
		return v, nil
	case ctx.Err() != nil:
		if b != nil {
			b.release(true, true)
		}
		return zero, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		if b != nil {
			b.release(true, false)
		}
		return zero, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
	default:
		if b != nil {
			b.release(true, false)
		}
		return zero, err
	}
}
