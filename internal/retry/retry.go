package retry

import (
	"context"
	"time"

	"marketflow/logger"
)

// Options controls the bounded retry loop. Zero values fall back to a
// three-attempt, one-second, doubling schedule.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// RetryOn decides whether an error is worth another attempt.
	// nil means every error is retryable.
	RetryOn func(error) bool
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2
	}
	return o
}

// Do runs fn up to MaxAttempts times with exponentially growing delays
// between attempts. The last error is returned once attempts are exhausted or
// a non-retryable error is seen. Context cancellation stops the loop early.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.normalized()
	log := logger.GetLogger().WithComponent("retry")

	var zero T
	var lastErr error
	delay := opts.BaseDelay

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == opts.MaxAttempts || (opts.RetryOn != nil && !opts.RetryOn(err)) {
			break
		}

		log.WithError(err).WithFields(logger.Fields{
			"attempt":  attempt,
			"max":      opts.MaxAttempts,
			"delay_ms": delay.Milliseconds(),
		}).Warn("attempt failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * opts.Multiplier)
	}

	return zero, lastErr
}
