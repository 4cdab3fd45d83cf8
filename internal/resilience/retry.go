package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff retry (spec §4.4), grounded on
// the teacher's retry.Config.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool
	ShouldRetry func(err error, attempt int) bool
}

func (c *RetryConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(error, int) bool { return true }
	}
}

// RetryResult reports the outcome of Do/DoWithValue.
type RetryResult struct {
	Attempts int
	Err      error
	Duration time.Duration
}

func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Factor, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay *= 0.75 + rand.Float64()*0.5 // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return time.Duration(delay)
}

// Do executes op, retrying with exponential backoff until it succeeds,
// maxRetries is exhausted, or shouldRetry rejects further attempts.
func Do(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) RetryResult {
	cfg.applyDefaults()
	start := time.Now()
	res := RetryResult{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt + 1

		if err := ctx.Err(); err != nil {
			res.Err = err
			res.Duration = time.Since(start)
			return res
		}

		err := op(ctx)
		if err == nil {
			res.Err = nil
			res.Duration = time.Since(start)
			return res
		}
		res.Err = err

		if attempt >= cfg.MaxRetries || !cfg.ShouldRetry(err, attempt) {
			res.Duration = time.Since(start)
			return res
		}

		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.Duration = time.Since(start)
			return res
		case <-time.After(backoffDelay(attempt, cfg)):
		}
	}

	res.Duration = time.Since(start)
	return res
}

// DoWithValue executes op, retrying per cfg, and returns its last value
// alongside the RetryResult.
func DoWithValue[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, RetryResult) {
	var value T
	res := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		value, err = op(ctx)
		return err
	})
	return value, res
}
