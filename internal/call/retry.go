package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultRetryAttempts  = 5
	DefaultRetryBaseDelay = 200 * time.Millisecond
	DefaultRetryMaxDelay  = 3 * time.Second
)

// Retry bounds how signaling writes are repeated after transient failures.
// The delay doubles after each failed attempt up to MaxDelay.
type Retry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (r Retry) withDefaults() Retry {
	if r.Attempts <= 0 {
		r.Attempts = DefaultRetryAttempts
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = DefaultRetryBaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = DefaultRetryMaxDelay
	}
	if r.MaxDelay < r.BaseDelay {
		r.MaxDelay = r.BaseDelay
	}
	return r
}

// do runs op until it succeeds, fails with a non-retryable error, ctx is done
// or the attempts are used up. onRetry, if set, runs before every repeat.
func (r Retry) do(ctx context.Context, logger *slog.Logger, what string, op func(context.Context) error, onRetry func()) error {
	r = r.withDefaults()
	delay := r.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= r.Attempts {
			return fmt.Errorf("%s: gave up after %d attempts: %w", what, attempt, err)
		}
		logger.Warn("signaling write failed, retrying", "op", what, "attempt", attempt, "delay", delay, "err", err)
		if onRetry != nil {
			onRetry()
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if delay < r.MaxDelay {
			delay *= 2
			if delay > r.MaxDelay {
				delay = r.MaxDelay
			}
		}
	}
}
