package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"penny/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of retry attempts (default: 3)
	BaseDelay    time.Duration // Base delay for exponential backoff (default: 500ms)
	MaxDelay     time.Duration // Maximum delay between retries (default: 30s)
	JitterFactor float64       // Jitter factor for randomization (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes a function with exponential backoff retry logic.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc, logger logging.Logger) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}

// RetryWithResult executes a function that returns a result with retry logic.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)

	var lastErr error
	var zero T

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("attempt %d failed: %v", attempt+1, err)

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("max retries (%d) exhausted", config.MaxAttempts+1)
			break
		}

		delay := calculateBackoff(attempt, config)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns the delay before the next attempt, growing
// exponentially from BaseDelay and clamped at MaxDelay, with jitter.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	base := config.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if max := float64(config.MaxDelay); config.MaxDelay > 0 && delay > max {
		delay = max
	}
	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + rand.Float64()*jitter*2
	}
	return time.Duration(delay)
}
