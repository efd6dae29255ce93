package flow

import (
	"context"
	stderrors "errors"
	"math"
	"time"
)

// RetryStrategy encapsulates the delay between handler attempts.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration { return 0 }

// ExponentialBackoffStrategy grows the delay by Factor per attempt, capped at Max.
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (s ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(s.Base) * math.Pow(s.Factor, float64(attempt))
	if time.Duration(delay) > s.Max && s.Max > 0 {
		return s.Max
	}
	return time.Duration(delay)
}

type retryConfig struct {
	maxRetries int
	strategy   RetryStrategy
	timeout    time.Duration
}

// RetryOption configures RetryHandler.
type RetryOption func(*retryConfig)

// WithMaxRetries sets how many times a failed attempt is repeated.
func WithMaxRetries(n int) RetryOption {
	return func(c *retryConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryStrategy sets the delay between attempts.
func WithRetryStrategy(s RetryStrategy) RetryOption {
	return func(c *retryConfig) {
		if s != nil {
			c.strategy = s
		}
	}
}

// WithAttemptTimeout bounds every attempt with its own deadline.
func WithAttemptTimeout(d time.Duration) RetryOption {
	return func(c *retryConfig) {
		c.timeout = d
	}
}

// RetryHandler wraps a service task handler so technical failures are retried.
// Business errors and cancellation of the command context end the loop at once.
// The handler runs inside the command, so delays hold the instance.
func RetryHandler(fn HandlerFunc, opts ...RetryOption) HandlerFunc {
	cfg := retryConfig{maxRetries: 2, strategy: NoDelayStrategy{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(ctx context.Context, e *Execution) error {
		var err error
		for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
			err = runAttempt(ctx, cfg.timeout, fn, e)
			if err == nil || !retryable(ctx, err) {
				return err
			}
			if attempt == cfg.maxRetries {
				break
			}
			if e != nil && e.rt != nil {
				tokenLogger(e.rt.logger.WithContext(ctx), e).Warn(
					"handler attempt %d of %d failed: %v", attempt+1, cfg.maxRetries+1, err,
				)
			}
			if err := sleepContext(ctx, cfg.strategy.SleepDuration(attempt, err)); err != nil {
				return err
			}
		}
		return err
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn HandlerFunc, e *Execution) error {
	if timeout <= 0 {
		return fn(ctx, e)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, e)
}

func retryable(ctx context.Context, err error) bool {
	var business *BPMNError
	if stderrors.As(err, &business) {
		return false
	}
	return ctx.Err() == nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
