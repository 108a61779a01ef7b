package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
)

// RetryConfig shapes the exponential backoff schedule.
type RetryConfig struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// Jitter is the randomization factor applied to every interval.
	Jitter float64
	// MaxAttempts bounds total invocations, first try included.
	MaxAttempts int
}

// DefaultRetryConfig returns the standard ingestion retry schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     60 * time.Second,
		Jitter:          0.2,
		MaxAttempts:     5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Jitter <= 0 {
		c.Jitter = d.Jitter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Retry runs op under the backoff schedule until it succeeds, returns a
// non-retryable fault, exhausts MaxAttempts, or ctx is done. Only
// retryable transport faults are retried.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxInterval
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !faults.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// RetryWithResult is Retry for operations that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	var out T
	err := Retry(ctx, cfg, func() error {
		var opErr error
		out, opErr = op()
		return opErr
	})
	return out, err
}

// DoWithRetry runs op through the retry schedule inside the breaker, so
// the breaker observes one outcome per exhausted sequence.
func (b *Breaker) DoWithRetry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	return b.Do(ctx, func(ctx context.Context) error {
		return Retry(ctx, cfg, func() error { return op(ctx) })
	})
}
