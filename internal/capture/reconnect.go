package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff device reopening
type ReconnectConfig struct {
	MaxRetries    int           // Maximum number of reopen attempts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 500ms)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 10 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

// connectFunc attempts to (re)open the device
type connectFunc func(ctx context.Context) error

// runWithReconnect executes connectFn with exponential backoff until it succeeds,
// retries are exhausted, or ctx is cancelled.
//
// Backoff schedule with defaults: 500ms, 1s, 2s, 4s, 8s.
func runWithReconnect(ctx context.Context, connectFn connectFunc, cfg ReconnectConfig, onRetry func(), logger *slog.Logger) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connectFn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("capture: device reopened", "attempts", attempt+1)
			}
			return nil
		}

		attempt++
		if onRetry != nil {
			onRetry()
		}
		if attempt > cfg.MaxRetries {
			return fmt.Errorf("capture: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(attempt, cfg)
		logger.Warn("capture: reopen failed, retrying",
			"error", err,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
