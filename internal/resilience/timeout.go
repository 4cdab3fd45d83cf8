package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/swarmcore/internal/swarmerr"
)

// WithTimeout races op against timeout, canceling op's context and
// returning swarmerr.KindTimeout if the timer wins (spec §4.4).
func WithTimeout(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return swarmerr.New(swarmerr.KindTimeout, fmt.Sprintf("operation timed out after %s", timeout))
	}
}

// WithTimeoutResult is the value-returning form of WithTimeout.
func WithTimeoutResult[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, swarmerr.New(swarmerr.KindTimeout, fmt.Sprintf("operation timed out after %s", timeout))
	}
}
