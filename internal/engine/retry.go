package engine

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts       = 3
	defaultMaxSettleAttempts = 10
	defaultBaseBackoff       = 500 * time.Millisecond
	defaultMaxBackoff        = 10 * time.Second
)

// backoff returns the delay before retry n (1-based): base doubled per retry, capped.
func backoff(n int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
