package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
)

// RedisBroker fans out through Redis pub/sub. Publishes run behind a circuit
// breaker so a dead Redis fails fast instead of stalling every emitting
// room. Subscriptions survive reconnects: go-redis re-issues SUBSCRIBE for
// live PubSub objects after the connection is restored.
type RedisBroker struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	policy PublishPolicy

	mu     sync.Mutex
	subs   map[Token]*redisSubscription
	closed bool
	wg     sync.WaitGroup
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBroker wraps an already-connected Redis client.
func NewRedisBroker(client *redis.Client, policy PublishPolicy) *RedisBroker {
	st := gobreaker.Settings{
		Name:        "redis-broker",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.BreakerState.Set(stateVal)
			logging.Warn(context.Background(), "Redis breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &RedisBroker{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		policy: policy,
		subs:   make(map[Token]*redisSubscription),
	}
}

func (b *RedisBroker) Subscribe(topic string, handler Handler) (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round trip so a dead backend surfaces here rather
	// than as a silently deaf subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return "", fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	token := Token(uuid.NewString())
	b.subs[token] = &redisSubscription{pubsub: pubsub, cancel: cancel}

	ch := pubsub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				metrics.BrokerReceives.Inc()
				handler([]byte(msg.Payload))
			}
		}
	}()

	return token, nil
}

func (b *RedisBroker) Unsubscribe(token Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[token]; ok {
		delete(b.subs, token)
		sub.cancel()
		_ = sub.pubsub.Close()
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, data []byte) error {
	return publishWithRetry(ctx, b.policy, topic, func(attemptCtx context.Context) error {
		_, err := b.cb.Execute(func() (interface{}, error) {
			return nil, b.client.Publish(attemptCtx, topic, data).Err()
		})
		return err
	})
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	return err
}

// Close tears down every subscription. The injected client is shared and
// closed by its owner.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for token, sub := range b.subs {
		delete(b.subs, token)
		sub.cancel()
		_ = sub.pubsub.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
