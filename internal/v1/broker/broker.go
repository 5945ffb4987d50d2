// Package broker moves envelope bytes between server instances. Delivery is
// best effort and at most once: the broker never stores, never replays, and
// drops a publish once its retry budget is spent. Authoritative membership
// lives in the state package; echo suppression by origin instance happens at
// the subscriber.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
)

// ErrClosed is returned for operations on a broker after Close.
var ErrClosed = errors.New("broker closed")

// Handler receives the raw bytes of one published message.
type Handler func(data []byte)

// Token identifies one live subscription for Unsubscribe.
type Token string

// Broker is the pluggable fan-out backend.
type Broker interface {
	Subscribe(topic string, handler Handler) (Token, error)
	// Unsubscribe stops delivery for the given token. Unknown tokens are
	// ignored so teardown paths can run more than once.
	Unsubscribe(token Token) error
	Publish(ctx context.Context, topic string, data []byte) error
	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error
	Close() error
}

// Topic taxonomy. Every cross-instance message flows through one of these
// four shapes; nothing else is ever published.
func RoomTopic(ns, room string) string   { return "broker:" + ns + ":room:" + room }
func UserTopic(ns, userID string) string { return "broker:" + ns + ":user:" + userID }
func NamespaceTopic(ns string) string    { return "broker:" + ns + ":global" }

// ClusterTopic reaches every connection on every instance.
const ClusterTopic = "broker:wss:global"

// PublishPolicy bounds how hard a backend tries before dropping an envelope.
type PublishPolicy struct {
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// Timeout is the per-attempt deadline.
	Timeout time.Duration
}

// DefaultPublishPolicy mirrors the PUBLISH_MAX_RETRIES / PUBLISH_TIMEOUT_MS
// defaults.
var DefaultPublishPolicy = PublishPolicy{MaxRetries: 3, Timeout: 5 * time.Second}

// publishWithRetry drives a backend publish attempt through the policy.
// When the budget is spent the envelope is dropped: the drop counter moves
// and the last error goes back to the caller, which logs and continues.
// An open circuit breaker is not retried; the breaker exists to fail fast.
func publishWithRetry(ctx context.Context, policy PublishPolicy, topic string, attempt func(context.Context) error) error {
	delay := 100 * time.Millisecond
	var err error
	for try := 0; ; try++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		err = attempt(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			metrics.BrokerPublishes.WithLabelValues("ok").Inc()
			return nil
		}
		if try == policy.MaxRetries || errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		delay *= 2
	}

	metrics.BrokerPublishes.WithLabelValues("error").Inc()
	metrics.BrokerPublishDrops.Inc()
	logging.Error(ctx, "Broker publish dropped",
		zap.String("topic", topic),
		zap.Int("max_retries", policy.MaxRetries),
		zap.Error(err))
	return err
}
