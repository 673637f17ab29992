package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds exponential backoff for external calls.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxElapsedTime:  2 * time.Minute,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// Retry runs op until it succeeds, returns a non-retryable error (see IsRetryable), the policy
// is exhausted or ctx is done.
func Retry[T any](ctx context.Context, logger *zap.Logger, policy RetryPolicy, name string, op func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		res, err := op()
		if err != nil && !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, policy.backOff(ctx), func(err error, next time.Duration) {
		logger.Warn("retrying after error",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("next", next),
			zap.Error(err))
	})
}
