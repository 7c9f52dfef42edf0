// Package resilience wraps the node daemon's reconnect path: exponential
// backoff with jitter around the dial to the resource manager, behind a
// circuit breaker so a long RM outage gets probed at a slower cadence
// than the raw retry schedule.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// RetryConfig defines backoff behavior for one retried operation.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64
}

// DefaultRetryConfig provides sensible defaults for a control-channel
// dial.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Multiplier:     2.0,
	JitterFactor:   0.5,
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// RetryFuncWithResult is a function that returns a result and can be retried
type RetryFuncWithResult[T any] func() (T, error)

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) error {
	_, err := RetryWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function with exponential backoff retry logic and returns a result
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn RetryFuncWithResult[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		// Check context before each attempt
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}

		// Don't sleep after last attempt
		if attempt < config.MaxRetries {
			backoff := calculateBackoff(config, attempt)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// calculateBackoff calculates the backoff duration with jitter
func calculateBackoff(config RetryConfig, attempt int) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(config.Multiplier, float64(attempt))

	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}

	// Add jitter to prevent thundering herd
	jitter := backoff * config.JitterFactor * (rand.Float64()*2 - 1) // Random between -jitter and +jitter
	backoff += jitter

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// IsRetryable determines if an error should trigger a retry. A dial to
// the resource manager that is refused, reset or timed out will be
// retried; a canceled context ends the loop immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Connection errors are retryable. Checked before the generic net.Error
	// case: a refused dial is a net.Error that is neither Temporary nor a
	// Timeout.
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	// Other network errors are retryable when temporary or timed out
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Temporary() || netErr.Timeout()
	}

	// Circuit breaker open is retryable (with backoff, circuit may close)
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	// Default: don't retry
	return false
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
func RetryWithCircuitBreaker[T any](
	ctx context.Context,
	cb *CircuitBreaker,
	service string,
	config RetryConfig,
	fn RetryFuncWithResult[T],
) (T, error) {
	return RetryWithResult(ctx, config, func() (T, error) {
		result, err := cb.ExecuteContext(ctx, service, func() (interface{}, error) {
			return fn()
		})

		if err != nil {
			var zero T
			return zero, err
		}

		return result.(T), nil
	})
}
