package common

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScissorsErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zpay_scissor_errors_caught",
			Help: "Total number of unhandled errors caught",
		})
)

// Runnable is a long-running or one-shot task bound to a context.
type Runnable func(ctx context.Context) error

// RunWithScissors starts runnable in a goroutine, converting a panic into an error on errC.
// A nil result is not sent.
func RunWithScissors(ctx context.Context, errC chan<- error, name string, runnable Runnable) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- panicToError(name, r)
				ScissorsErrors.Inc()
			}
		}()
		err := runnable(ctx)
		if err != nil {
			errC <- err
		}
	}()
}

// WrapWithScissors returns a Runnable that recovers panics of runnable as errors.
func WrapWithScissors(runnable Runnable, name string) Runnable {
	return func(ctx context.Context) (result error) {
		defer func() {
			if r := recover(); r != nil {
				result = panicToError(name, r)
				ScissorsErrors.Inc()
			}
		}()
		return runnable(ctx)
	}
}

func panicToError(name string, r any) error {
	switch x := r.(type) {
	case error:
		return fmt.Errorf("%s: %w", name, x)
	default:
		return fmt.Errorf("%s: %v", name, x)
	}
}
