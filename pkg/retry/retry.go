package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how a "wait for X" operation polls: how often, for how
// long, and which errors are worth another attempt.
type Policy struct {
	// Interval is the delay between attempts
	Interval time.Duration
	// MaxInterval caps the delay when Multiplier grows it (0 = no cap)
	MaxInterval time.Duration
	// Multiplier grows the interval after each failed attempt (<= 1 keeps it fixed)
	Multiplier float64
	// Timeout is the wall-clock deadline for the whole wait
	Timeout time.Duration
	// Retryable decides whether an error is transient; nil treats all errors as transient
	Retryable func(error) bool
}

// Fixed returns a policy polling at a fixed interval until the timeout
func Fixed(interval, timeout time.Duration) Policy {
	return Policy{Interval: interval, Timeout: timeout}
}

// WithRetryable returns a copy of the policy using the given predicate
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithTimeout returns a copy of the policy with a different deadline
func (p Policy) WithTimeout(timeout time.Duration) Policy {
	p.Timeout = timeout
	return p
}

// TimeoutError is returned when a condition did not succeed before the deadline
type TimeoutError struct {
	Description string
	Timeout     time.Duration
	Attempts    int
	Elapsed     time.Duration
	LastErr     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timeout waiting for %s (timeout: %v, attempts: %d)", e.Description, e.Timeout, e.Attempts)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// IsTimeout reports whether err is (or wraps) a TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Poll runs fn until it succeeds, returns a non-retryable error, or the
// policy deadline expires. The first attempt happens immediately.
func (p Policy) Poll(ctx context.Context, description string, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fmt.Errorf("invalid timeout %v waiting for %s", p.Timeout, description)
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	attempts := 0
	var lastErr error
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return fmt.Errorf("%s: %w", description, err)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &TimeoutError{
				Description: description,
				Timeout:     p.Timeout,
				Attempts:    attempts,
				Elapsed:     time.Since(start),
				LastErr:     lastErr,
			}
		case <-timer.C:
		}

		if p.Multiplier > 1 {
			interval = time.Duration(float64(interval) * p.Multiplier)
			if p.MaxInterval > 0 && interval > p.MaxInterval {
				interval = p.MaxInterval
			}
		}
	}
}

// Retry retries an operation with exponential backoff. Errors rejected by
// retryable are returned immediately; a nil retryable retries everything.
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, retryable func(error) bool, operation func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay = delay * 2
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
