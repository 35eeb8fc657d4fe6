package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often and how fast a failing call is retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used by the transports for publishing.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls fn with exponential backoff until it succeeds, returns a
// Permanent error, ctx is done, or the attempt budget is spent. It returns
// the number of attempts made alongside the result.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}

	attempts := 0
	op := func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(errors.Join(err, ctx.Err()))
		}
		return v, err
	}
	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	return v, attempts, err
}
