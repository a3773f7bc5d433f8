// Package retry implements the bounded exponential backoff policy used for
// part uploads and part fetches.
//
// Only errors classified as Transient are retried. Fatal and protocol
// errors return immediately, and a cancelled context stops the loop
// between attempts.
package retry

import (
	"context"
	"log/slog"
	"time"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/metrics"
)

// Policy bounds the number of attempts and the delay between them.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles after.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy is three attempts with backoff starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay before the given attempt (1-based). Attempt 1
// has no delay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 2
	if shift > 30 {
		shift = 30
	}
	d := p.BaseDelay << shift
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
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

// Do calls fn until it succeeds, returns a non-transient error, the
// attempts are exhausted, or ctx is cancelled. op labels log lines and
// the retry counter. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Backoff(attempt)
			if hint := stasherr.RetryAfterOf(lastErr); hint > delay {
				delay = hint
			}
			if err := Wait(ctx, delay); err != nil {
				return err
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !stasherr.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		metrics.RetriesTotal.WithLabelValues(op).Inc()
		slog.Warn("transient failure, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
	}
	return lastErr
}
