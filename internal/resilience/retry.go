package resilience

import (
	"context"
	"time"
)

// RetryOnce runs fn and, when it fails, retries exactly once after waiting
// for backoff. The wait is cut short by context cancellation, in which case
// the first error is returned wrapped with the context error via errors.Join
// semantics (the original error takes precedence for errors.Is checks on the
// returned value's chain).
//
// A nil error from either attempt is returned immediately.
func RetryOnce(ctx context.Context, backoff time.Duration, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	if backoff > 0 {
		t := time.NewTimer(backoff)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return err
		}
	}
	if ctx.Err() != nil {
		return err
	}

	return fn(ctx)
}
