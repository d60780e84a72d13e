// Package retry provides bounded retry and polling helpers.
//
// Every loop here has a fixed upper bound on attempts; callers choose the
// wait between attempts (fixed or exponential with jitter).
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrPollExhausted is returned by Poll when the check never reported done.
var ErrPollExhausted = errors.New("retry: poll budget exhausted")

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do and Poll stop immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Backoff returns the wait after the given 1-based attempt.
type Backoff func(attempt int) time.Duration

// Fixed waits d between every attempt.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Exponential doubles base on every attempt with +-25% jitter.
func Exponential(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		delay := base << (attempt - 1)
		jitter := delay / 4
		return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
	}
}

// Policy describes a bounded retry loop.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff

	// OnRetry is called before each wait; useful for logging and metrics.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do calls fn until it succeeds, returns a permanent error, ctx is done,
// or MaxAttempts is reached. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Fixed(0)
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts {
			break
		}

		wait := backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return err
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := Policy{MaxAttempts: maxAttempts, Backoff: Exponential(baseDelay)}
	return p.Do(ctx, func(context.Context, int) error { return fn() })
}

// Poll calls check up to maxPolls times, interval apart, until it reports
// done. Errors from check are treated as "not yet" unless permanent; the
// last one is wrapped into the ErrPollExhausted result.
func Poll(ctx context.Context, interval time.Duration, maxPolls int, check func(ctx context.Context) (bool, error)) error {
	if maxPolls <= 0 {
		maxPolls = 1
	}

	var lastErr error
	for i := 0; i < maxPolls; i++ {
		if i > 0 {
			if err := sleep(ctx, interval); err != nil {
				return err
			}
		}

		done, err := check(ctx)
		if done {
			return nil
		}
		if err != nil {
			var pe *PermanentError
			if errors.As(err, &pe) {
				return pe.Err
			}
			lastErr = err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrPollExhausted, lastErr)
	}
	return ErrPollExhausted
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
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
