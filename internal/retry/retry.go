// Package retry runs fallible operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// maxDelay caps the backoff so a long retry sequence against a slow
// upstream does not sleep for minutes between attempts.
const maxDelay = 10 * time.Second

// PermanentError marks an error as not worth retrying, such as a 4xx
// response where repeating the same request cannot change the outcome.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do stops immediately instead of retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times, sleeping between attempts with
// exponential backoff and full jitter. It returns nil on the first
// success, the unwrapped error if fn returns a *PermanentError, the
// context error if ctx is cancelled while waiting, and otherwise the
// last error fn returned.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt >= maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(baseDelay, attempt)):
		}
	}
}

// backoff returns a random duration in (0, baseDelay*2^(attempt-1)],
// capped at maxDelay. Full jitter spreads concurrent retriers apart
// instead of letting them hammer the upstream in lockstep.
func backoff(baseDelay time.Duration, attempt int) time.Duration {
	d := baseDelay
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d))) + 1
}
