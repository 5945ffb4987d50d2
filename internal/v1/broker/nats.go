package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
)

// NATSBroker fans out through core NATS. The client reconnects forever and
// replays its subscriptions after every reconnect, which covers the
// resubscription requirement without bookkeeping on our side.
type NATSBroker struct {
	conn   *nats.Conn
	policy PublishPolicy

	mu     sync.Mutex
	subs   map[Token]*nats.Subscription
	closed bool
}

// NewNATSBroker dials the given NATS URL.
func NewNATSBroker(url string, policy PublishPolicy) (*NATSBroker, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn(context.Background(), "NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logging.Info(context.Background(), "NATS reconnected",
				zap.String("url", conn.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logging.Error(context.Background(), "NATS async error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logging.Info(context.Background(), "Connected to NATS",
		zap.String("url", conn.ConnectedUrl()))
	return &NATSBroker{
		conn:   conn,
		policy: policy,
		subs:   make(map[Token]*nats.Subscription),
	}, nil
}

func (b *NATSBroker) Subscribe(topic string, handler Handler) (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		metrics.BrokerReceives.Inc()
		handler(msg.Data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	token := Token(uuid.NewString())
	b.subs[token] = sub
	return token, nil
}

func (b *NATSBroker) Unsubscribe(token Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[token]; ok {
		delete(b.subs, token)
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
	}
	return nil
}

func (b *NATSBroker) Publish(ctx context.Context, topic string, data []byte) error {
	return publishWithRetry(ctx, b.policy, topic, func(context.Context) error {
		return b.conn.Publish(topic, data)
	})
}

func (b *NATSBroker) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for token, sub := range b.subs {
		delete(b.subs, token)
		if err := sub.Unsubscribe(); err != nil {
			logging.Warn(context.Background(), "Failed to unsubscribe during close", zap.Error(err))
		}
	}
	b.conn.Close()
	return nil
}
