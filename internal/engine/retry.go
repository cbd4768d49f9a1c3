package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// RetryConfig bounds transient-failure retries for provider calls.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // backoff cap, 0 = uncapped
}

// DefaultRetryConfig returns the retry bounds used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// IsRetryableError classifies whether a provider failure should be retried.
// Retryable: timeouts, network errors, typed errors with retryable codes.
// Non-retryable: context cancellation (the run is shutting down),
// validation and policy errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step-level deadline is retryable; run-level cancellation is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff calculates the exponential delay before retry attempt
// n (0-based: attempt 0 is the delay after the first failure).
func ComputeBackoff(cfg RetryConfig, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	delay := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed delay or returns early when
// the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
