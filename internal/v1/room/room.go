// Package room implements the fan-out unit of the fabric. A room holds the
// local members of one named channel, coalesces outbound envelopes into
// batched socket writes, and bridges to the rest of the cluster through its
// broker topic. Membership truth lives in the state store; the room only
// mirrors the local slice of it.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/broker"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
	"github.com/roomcast/roomcast/internal/v1/scheduler"
	"github.com/roomcast/roomcast/internal/v1/state"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

// ErrClosed is returned for operations against a destroyed room.
var ErrClosed = errors.New("room closed")

// publishQueueSize bounds envelopes waiting for broker transit. The publisher
// preserves order; a full queue drops the newest envelope rather than stall
// the emitting handler.
const publishQueueSize = 512

// Deps carries the shared backends a room operates against.
type Deps struct {
	Store      state.Store
	Broker     broker.Broker
	Scheduler  scheduler.Scheduler
	InstanceID string

	// BatchInterval is the coalescing window for socket writes. Zero or
	// negative delivers every envelope immediately.
	BatchInterval time.Duration

	// OnEmpty is invoked after the last member leaves and the cluster-wide
	// count is zero, unless the room is persistent. The callback removes
	// the room from its namespace.
	OnEmpty func(name string)
}

// Options are the per-room knobs.
type Options struct {
	// Persistent rooms survive with zero members and are never garbage
	// collected.
	Persistent bool

	// Meta is recorded in the room catalogue on first creation. Later
	// creators of the same room do not overwrite it.
	Meta state.Meta
}

// Room is one named channel inside a namespace.
type Room struct {
	name string
	ns   string
	deps Deps
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	members      map[string]*transport.Conn
	closed       bool
	active       bool
	subToken     broker.Token
	tasks        map[string]TaskSpec
	lastActivity time.Time

	queueMu      sync.Mutex
	queue        []outbound
	batchTimer   *time.Timer
	batchPending bool

	publishCh chan *envelope.Envelope
}

// New builds a room and starts its publisher and flush workers. The room is
// inert until the first member joins; only then does it subscribe to its
// broker topic and start its scheduled tasks.
func New(ns, name string, deps Deps, opts Options) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		name:         name,
		ns:           ns,
		deps:         deps,
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		members:      make(map[string]*transport.Conn),
		tasks:        make(map[string]TaskSpec),
		lastActivity: time.Now(),
		publishCh:    make(chan *envelope.Envelope, publishQueueSize),
	}

	// The timer starts disarmed; enqueue arms it for one flush at a time.
	r.batchTimer = time.NewTimer(time.Hour)
	if !r.batchTimer.Stop() {
		<-r.batchTimer.C
	}

	r.wg.Add(2)
	go r.publishLoop()
	go r.flushLoop()

	metrics.IncRoom()
	logging.Info(r.logCtx(context.Background()), "Room created",
		zap.Bool("persistent", opts.Persistent))
	return r
}

func (r *Room) Name() string      { return r.name }
func (r *Room) Namespace() string { return r.ns }
func (r *Room) Persistent() bool  { return r.opts.Persistent }

// MemberCount returns the number of members on this instance. The
// cluster-wide count lives in the state store.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// HasMember reports whether the connection is a local member.
func (r *Room) HasMember(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connID]
	return ok
}

// Members returns a snapshot of the local member connections.
func (r *Room) Members() []*transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*transport.Conn, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

// LastActivity returns the time of the most recent join, leave or emit.
func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Idle reports whether the room has seen no activity for at least ttl.
func (r *Room) Idle(ttl time.Duration) bool {
	return time.Since(r.LastActivity()) >= ttl
}

func (r *Room) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// Join adds the connection as a local member and records the membership in
// the state store. The store write retries with back-off; if it still fails
// the local add is rolled back and the error returned, at which point the
// caller terminates the connection rather than leave its view inconsistent.
// Joining twice is a no-op.
func (r *Room) Join(ctx context.Context, c *transport.Conn) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.members[c.ID()]; ok {
		r.mu.Unlock()
		return nil
	}
	r.members[c.ID()] = c
	r.lastActivity = time.Now()
	r.mu.Unlock()

	err := state.Retry(ctx, state.DefaultRetryPolicy, "add_room_member", func() error {
		return r.deps.Store.AddUserToRoom(ctx, r.ns, r.name, c.ID())
	})
	if err != nil {
		r.mu.Lock()
		delete(r.members, c.ID())
		r.mu.Unlock()
		return err
	}

	c.MarkJoined(r.name)
	r.ensureActive()
	logging.Info(logging.WithRoom(logging.WithConnection(ctx, c.ID(), c.UserID(), r.ns), r.name),
		"Member joined room", zap.Int("local_members", r.MemberCount()))
	return nil
}

// Leave removes the connection from the room. The membership row removal is
// best effort: a failed write is logged and left for instance cleanup, it
// never tears down the connection. When the last member on the whole cluster
// is gone a non-persistent room reports itself empty.
func (r *Room) Leave(ctx context.Context, c *transport.Conn) error {
	r.mu.Lock()
	if _, ok := r.members[c.ID()]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.members, c.ID())
	r.lastActivity = time.Now()
	empty := len(r.members) == 0
	r.mu.Unlock()

	c.MarkLeft(r.name)

	err := state.Retry(ctx, state.DefaultRetryPolicy, "remove_room_member", func() error {
		return r.deps.Store.RemoveUserFromRoom(ctx, r.ns, r.name, c.ID())
	})
	if err != nil {
		logging.Error(r.logCtx(ctx), "Failed to remove membership row",
			zap.String("connection_id", c.ID()), zap.Error(err))
	}

	logging.Info(logging.WithRoom(logging.WithConnection(ctx, c.ID(), c.UserID(), r.ns), r.name),
		"Member left room", zap.Int("local_members", r.MemberCount()))

	if empty {
		r.maybeDeactivate()
		r.checkClusterEmpty(ctx)
	}
	return err
}

// ensureActive subscribes the room to its broker topic and starts its tasks
// once it has members. Safe to call repeatedly.
func (r *Room) ensureActive() {
	r.mu.Lock()
	if r.closed || r.active || len(r.members) == 0 {
		r.mu.Unlock()
		return
	}
	r.active = true
	tasks := make([]TaskSpec, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	token, err := r.deps.Broker.Subscribe(broker.RoomTopic(r.ns, r.name), r.handleBrokerFrame)
	if err != nil {
		logging.Error(r.logCtx(context.Background()), "Room topic subscribe failed",
			zap.Error(err))
	} else {
		r.mu.Lock()
		if r.closed || !r.active {
			r.mu.Unlock()
			_ = r.deps.Broker.Unsubscribe(token)
		} else {
			r.subToken = token
			r.mu.Unlock()
		}
	}

	for _, t := range tasks {
		r.startTask(t)
	}
}

// maybeDeactivate drops the broker subscription and stops tasks once the
// local member set is empty. The room itself stays usable; the next join
// reactivates it.
func (r *Room) maybeDeactivate() {
	r.mu.Lock()
	if !r.active || len(r.members) > 0 {
		r.mu.Unlock()
		return
	}
	r.active = false
	token := r.subToken
	r.subToken = ""
	ids := r.scheduledIDsLocked()
	r.mu.Unlock()

	if token != "" {
		_ = r.deps.Broker.Unsubscribe(token)
	}
	for _, id := range ids {
		r.deps.Scheduler.Stop(id)
	}
}

// checkClusterEmpty fires OnEmpty when no instance holds a member any more.
func (r *Room) checkClusterEmpty(ctx context.Context) {
	if r.opts.Persistent || r.deps.OnEmpty == nil {
		return
	}
	count, err := r.deps.Store.CountClientsInRoom(ctx, r.ns, r.name)
	if err != nil {
		logging.Warn(r.logCtx(ctx), "Cluster member count unavailable, keeping room",
			zap.Error(err))
		return
	}
	if count == 0 {
		r.deps.OnEmpty(r.name)
	}
}

// Destroy tears the room down: unsubscribes, stops tasks, flushes pending
// envelopes to still-attached members, and stops the workers. Idempotent.
// The passed context bounds how long the teardown waits for the workers.
func (r *Room) Destroy(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	token := r.subToken
	r.subToken = ""
	r.active = false
	ids := r.scheduledIDsLocked()
	r.mu.Unlock()

	if token != "" {
		_ = r.deps.Broker.Unsubscribe(token)
	}
	for _, id := range ids {
		r.deps.Scheduler.Stop(id)
	}

	// Cancelling runs the final flush in the flush worker, so pending
	// envelopes still reach members before the sockets are closed above us.
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn(r.logCtx(ctx), "Room teardown timed out waiting for workers")
	}

	r.mu.Lock()
	members := make([]*transport.Conn, 0, len(r.members))
	for _, c := range r.members {
		members = append(members, c)
	}
	r.members = make(map[string]*transport.Conn)
	r.mu.Unlock()
	for _, c := range members {
		c.MarkLeft(r.name)
	}

	metrics.DecRoom()
	logging.Info(r.logCtx(ctx), "Room destroyed")
}

func (r *Room) scheduledIDsLocked() []string {
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, scheduler.TaskID(r.ns, r.name, id))
	}
	return ids
}

func (r *Room) logCtx(ctx context.Context) context.Context {
	return logging.WithRoom(logging.WithNamespace(ctx, r.ns), r.name)
}
