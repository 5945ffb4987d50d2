package state

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
)

// RetryPolicy bounds the exponential back-off applied to store writes.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy keeps the worst case under a second so a stuck write
// fails fast enough for the caller to terminate the affected connection.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    400 * time.Millisecond,
}

// Retry runs fn until it succeeds, the policy is exhausted, or the context
// ends. ErrNamespaceNotEmpty is never retried. On exhaustion the last error
// is returned; the caller decides whether that tears down a connection.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	delay := policy.BaseDelay
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNamespaceNotEmpty) || ctx.Err() != nil {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		metrics.StateRetries.Inc()
		logging.Warn(ctx, "State write failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	metrics.StateFailures.Inc()
	logging.Error(ctx, "State write exhausted retries",
		zap.String("op", op),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(err))
	return err
}
