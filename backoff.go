package dbbus

import (
	"context"
	"fmt"
	"math"
	"time"
)

// BackoffStrategy defines how to calculate delays between retry attempts.
type BackoffStrategy interface {
	// NextDelay calculates the delay duration for the given attempt number (0-indexed)
	NextDelay(attempt int) time.Duration
}

// ConstantBackoff waits the same delay between every attempt.
type ConstantBackoff struct {
	delay time.Duration
}

// NewConstantBackoff creates a ConstantBackoff with the specified delay.
func NewConstantBackoff(delay time.Duration) (*ConstantBackoff, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("delay must be > 0, got %v", delay)
	}

	return &ConstantBackoff{delay: delay}, nil
}

// NextDelay returns a constant delay regardless of attempt number.
func (c *ConstantBackoff) NextDelay(_ int) time.Duration {
	return c.delay
}

// ExponentialBackoff implements exponential backoff with a delay cap.
type ExponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// NewExponentialBackoff creates an ExponentialBackoff.
// Returns an error if parameters are invalid.
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, multiplier float64) (*ExponentialBackoff, error) {
	if initialDelay <= 0 {
		return nil, fmt.Errorf("initialDelay must be > 0, got %v", initialDelay)
	}

	if maxDelay < initialDelay {
		return nil, fmt.Errorf("maxDelay (%v) must be >= initialDelay (%v)", maxDelay, initialDelay)
	}

	if multiplier < 1.0 {
		return nil, fmt.Errorf("multiplier must be >= 1.0, got %v", multiplier)
	}

	return &ExponentialBackoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
	}, nil
}

// NextDelay calculates the next delay using the exponential formula.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(e.initialDelay) * math.Pow(e.multiplier, float64(attempt))

	if delay > float64(e.maxDelay) {
		return e.maxDelay
	}

	return time.Duration(delay)
}

// waitBackoff suspends until the strategy's delay for attempt elapses
// or ctx is cancelled. A timer, never a blocking sleep: the dispatcher
// shares its scheduler with the consumer loops.
func waitBackoff(ctx context.Context, b BackoffStrategy, attempt int) error {
	t := time.NewTimer(b.NextDelay(attempt))
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
