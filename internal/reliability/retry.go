package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRetryAborted       = errors.New("retry aborted")
)

// Policy describes a bounded retry with exponential backoff. The delay
// before retry n (0-based) is BaseDelay * 2^n, capped at MaxDelay if set.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryFunc is a function that can be retried. attempt is 0-based.
type RetryFunc func(ctx context.Context, attempt int) error

// NotifyFunc is called after every failed attempt. delay is the wait before
// the next attempt and is zero after the final one.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Attempts returns the number of attempts the policy allows, at least one
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff to wait after the given 0-based attempt
func (p Policy) Delay(attempt int) time.Duration {
	max := p.MaxDelay
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}
	return ExponentialBackoff(attempt, p.BaseDelay, 2.0, max)
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done
func (p Policy) Do(ctx context.Context, fn RetryFunc, notify NotifyFunc) error {
	attempts := p.Attempts()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		last := attempt == attempts-1

		var delay time.Duration
		if !last {
			delay = p.Delay(attempt)
		}
		if notify != nil {
			notify(attempt, err, delay)
		}
		if last {
			break
		}

		if err := Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", ErrRetryAborted, lastErr)
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
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

// isRetryable determines if an error should trigger a retry
func isRetryable(err error) bool {
	// Retry all errors except context errors
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// ExponentialBackoff calculates exponential backoff duration
func ExponentialBackoff(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt))
	if backoff >= float64(max) {
		return max
	}
	return time.Duration(backoff)
}
