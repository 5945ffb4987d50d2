package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/roomcast/roomcast/internal/v1/metrics"
)

// MemoryBroker is the single-instance backend, built on watermill's
// gochannel pub/sub. Messages published on this instance loop straight back
// to this instance's subscribers; the origin check at the receiver keeps
// that from echoing into connections.
type MemoryBroker struct {
	pubsub *gochannel.GoChannel
	policy PublishPolicy

	mu     sync.Mutex
	subs   map[Token]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryBroker returns an in-process Broker.
func NewMemoryBroker(policy PublishPolicy) *MemoryBroker {
	return &MemoryBroker{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NopLogger{}),
		policy: policy,
		subs:   make(map[Token]context.CancelFunc),
	}
}

func (b *MemoryBroker) Subscribe(topic string, handler Handler) (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return "", fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	token := Token(uuid.NewString())
	b.subs[token] = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// Ack first: delivery is at most once, and a slow handler must not
		// wedge the gochannel output.
		for msg := range msgs {
			msg.Ack()
			metrics.BrokerReceives.Inc()
			handler(msg.Payload)
		}
	}()

	return token, nil
}

func (b *MemoryBroker) Unsubscribe(token Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.subs[token]; ok {
		delete(b.subs, token)
		cancel()
	}
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	return publishWithRetry(ctx, b.policy, topic, func(context.Context) error {
		return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), data))
	})
}

func (b *MemoryBroker) Ping(context.Context) error { return nil }

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for token, cancel := range b.subs {
		delete(b.subs, token)
		cancel()
	}
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
