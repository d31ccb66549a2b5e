// Package resilience guards the pipeline's external calls, the Anthropic
// API, the Qwen embedding service, and Postgres, with retry and circuit
// breaker policies.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retrying with doubling backoff and jitter. The
// backoff doubles each attempt and carries a fixed ±25% jitter so the
// pipeline workers hitting the same stalled service do not retry in step.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first
	// try. A value of 1 means no retries.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubled backoff.
	MaxBackoff time.Duration

	// ShouldRetry overrides the IsTransient default.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is the tuning every pipeline call site starts from.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// DoVal runs fn until it succeeds, the attempts run out, the error is not
// transient, or the context ends. The value from the successful attempt is
// returned; after a failure the zero value is.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt >= cfg.MaxAttempts-1 {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(backoffDelay(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.InitialBackoff << attempt
	if delay > cfg.MaxBackoff || delay <= 0 {
		delay = cfg.MaxBackoff
	}
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(delay))
	return delay + jitter
}

// RetryLogger returns an OnRetry callback that logs which service and
// operation is being retried, e.g. ("qwen", "embed texts") or
// ("postgres", "archive save").
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
