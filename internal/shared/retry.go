package shared

import (
	"context"
	"time"
)

// RetryPolicy bounds conflict retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the aggregate write contention budget:
// 5 attempts, 50ms initial delay doubling up to a 2s cap.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  5,
	InitialDelay: 50 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     2 * time.Second,
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. The last error is returned as-is so callers
// can surface the retryable sentinel.
func (p RetryPolicy) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.InitialDelay
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}
