// File: internal/infra/worker/retry.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retried operation. A Multiplier of 0 or 1 keeps the
// interval fixed.
type Policy struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Multiplier   float64
	MaxInterval  time.Duration
	MaxAttempts  int
}

// Backoff is the exponential policy used for outbound calls.
func Backoff(attempts int, base time.Duration) Policy {
	return Policy{Interval: base, Multiplier: 2, MaxInterval: 30 * base, MaxAttempts: attempts}
}

// Fixed waits initial once, then interval between attempts.
func Fixed(initial, interval time.Duration, attempts int) Policy {
	return Policy{InitialDelay: initial, Interval: interval, MaxAttempts: attempts}
}

// AttemptFunc runs one attempt (1-based). Returning done stops the loop and
// Run returns err as is.
type AttemptFunc func(ctx context.Context, attempt int) (done bool, err error)

// Run drives fn under p. When attempts run out it returns
// ErrAttemptsExhausted joined with the last attempt error.
func Run(ctx context.Context, p Policy, fn AttemptFunc) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if err := sleep(ctx, p.InitialDelay); err != nil {
		return err
	}

	delay := p.Interval
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		done, err := fn(ctx, attempt)
		if done {
			return err
		}
		last = err
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = next(p, delay)
	}
	if last != nil {
		return fmt.Errorf("%w: %w", ErrAttemptsExhausted, last)
	}
	return ErrAttemptsExhausted
}

// Retryable wraps a plain call: errors accepted by retry are attempted
// again, anything else ends the loop.
func Retryable(fn func(ctx context.Context) error, retry func(error) bool) AttemptFunc {
	return func(ctx context.Context, _ int) (bool, error) {
		err := fn(ctx)
		if err == nil || !retry(err) {
			return true, err
		}
		return false, err
	}
}

func next(p Policy, d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	d = time.Duration(float64(d) * p.Multiplier)
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
