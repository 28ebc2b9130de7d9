package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		RandomFactor:    0.1,
	}
}

// WithRetry executes an operation with exponential backoff retry
func WithRetry(ctx context.Context, operation func(context.Context) error, cfg RetryConfig, logger *slog.Logger) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	interval := cfg.InitialInterval
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		jitter := 1.0 + (cfg.RandomFactor * (2*rnd.Float64() - 1))
		wait := min(time.Duration(float64(interval)*jitter), cfg.MaxInterval)

		if logger != nil {
			logger.Debug("Operation failed, retrying",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"next_interval", wait,
				"error", err,
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		case <-timer.C:
		}
		interval = time.Duration(float64(interval) * cfg.Multiplier)
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, cfg.MaxAttempts, lastErr)
}
