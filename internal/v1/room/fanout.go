package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/broker"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

// outbound is one envelope waiting in the batch window, already encoded in
// its client wire form. except holds connection ids the envelope must not
// reach, usually just its sender.
type outbound struct {
	data   []byte
	except map[string]struct{}
}

// Emit fans the envelope out to every local member except those listed, and
// hands it to the publisher for the rest of the cluster. The envelope is
// encoded exactly once regardless of member count.
func (r *Room) Emit(ctx context.Context, env *envelope.Envelope, except ...string) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	env.Origin = r.deps.InstanceID
	r.publish(ctx, env)
	return r.enqueue(env, except...)
}

// EmitLocal delivers to local members only, without broker transit. Used for
// envelopes that already crossed the cluster.
func (r *Room) EmitLocal(env *envelope.Envelope, except ...string) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return r.enqueue(env, except...)
}

// publish queues the envelope for broker transit. The publisher goroutine
// preserves emit order; when its queue is full the envelope is dropped so a
// slow broker cannot stall event handling.
func (r *Room) publish(ctx context.Context, env *envelope.Envelope) {
	select {
	case r.publishCh <- env:
	default:
		metrics.BrokerPublishDrops.Inc()
		logging.Warn(r.logCtx(ctx), "Publish queue full, dropping envelope",
			zap.String("event", env.Event))
	}
}

// publishLoop drains the publish queue into the room's broker topic, one
// envelope at a time. Retry and drop accounting live in the broker.
func (r *Room) publishLoop() {
	defer r.wg.Done()
	topic := broker.RoomTopic(r.ns, r.name)
	for {
		select {
		case <-r.ctx.Done():
			return
		case env := <-r.publishCh:
			data, err := env.EncodeBroker()
			if err != nil {
				logging.Error(r.logCtx(r.ctx), "Broker frame encode failed",
					zap.String("event", env.Event), zap.Error(err))
				continue
			}
			_ = r.deps.Broker.Publish(r.ctx, topic, data)
		}
	}
}

// handleBrokerFrame receives one frame from the room topic. Frames published
// by this instance already reached local members directly and are dropped.
func (r *Room) handleBrokerFrame(data []byte) {
	env, err := envelope.DecodeBroker(data)
	if err != nil {
		logging.Warn(r.logCtx(context.Background()), "Dropping malformed broker frame",
			zap.Error(err))
		return
	}
	if env.Origin == r.deps.InstanceID {
		return
	}
	_ = r.EmitLocal(env)
}

// enqueue encodes the envelope and places it in the batch window, arming the
// flush timer if this is the window's first envelope. Without a batch
// interval delivery is immediate.
func (r *Room) enqueue(env *envelope.Envelope, except ...string) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	r.touch()

	item := outbound{data: data, except: exceptSet(except)}
	if r.deps.BatchInterval <= 0 {
		r.deliver([]outbound{item})
		return nil
	}

	r.queueMu.Lock()
	r.queue = append(r.queue, item)
	if !r.batchPending {
		r.batchPending = true
		r.batchTimer.Reset(r.deps.BatchInterval)
	}
	r.queueMu.Unlock()
	return nil
}

// flushLoop waits out each batch window and delivers it. Teardown runs one
// final flush so a destroyed room does not eat queued envelopes.
func (r *Room) flushLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			r.flush()
			return
		case <-r.batchTimer.C:
			r.flush()
		}
	}
}

// flush takes the pending window and fans it out.
func (r *Room) flush() {
	r.queueMu.Lock()
	pending := r.queue
	r.queue = nil
	r.batchPending = false
	r.queueMu.Unlock()

	if len(pending) == 0 {
		return
	}
	metrics.BatchFlushes.Inc()
	metrics.BatchedEnvelopes.Add(float64(len(pending)))
	r.deliver(pending)
}

// deliver writes one window to the local members. A window of one envelope
// goes out as a plain envelope frame; larger windows go out as one
// chat:batch frame. Members excluded from some envelopes get a reduced
// frame; everyone else shares a single encoding.
func (r *Room) deliver(pending []outbound) {
	r.mu.RLock()
	members := make([]*transport.Conn, 0, len(r.members))
	for _, c := range r.members {
		members = append(members, c)
	}
	r.mu.RUnlock()
	if len(members) == 0 {
		return
	}

	var fullFrame []byte
	if len(pending) == 1 {
		fullFrame = pending[0].data
	} else {
		frames := make([]json.RawMessage, len(pending))
		for i, o := range pending {
			frames[i] = o.data
		}
		var err error
		fullFrame, err = envelope.EncodeBatch(frames)
		if err != nil {
			logging.Error(r.logCtx(context.Background()), "Batch encode failed",
				zap.Int("size", len(pending)), zap.Error(err))
			return
		}
	}

	anyExcept := false
	for _, o := range pending {
		if len(o.except) > 0 {
			anyExcept = true
			break
		}
	}

	for _, c := range members {
		if !anyExcept {
			c.SendRaw(fullFrame)
			continue
		}

		subset := make([]json.RawMessage, 0, len(pending))
		for _, o := range pending {
			if _, skip := o.except[c.ID()]; skip {
				continue
			}
			subset = append(subset, o.data)
		}
		switch {
		case len(subset) == 0:
		case len(subset) == len(pending):
			c.SendRaw(fullFrame)
		case len(subset) == 1:
			c.SendRaw(subset[0])
		default:
			frame, err := envelope.EncodeBatch(subset)
			if err != nil {
				logging.Error(r.logCtx(context.Background()), "Batch encode failed",
					zap.Int("size", len(subset)), zap.Error(err))
				continue
			}
			c.SendRaw(frame)
		}
	}
}

func exceptSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
