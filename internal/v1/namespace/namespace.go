// Package namespace groups connections and rooms under one isolation unit.
// Each namespace owns its event dispatch (middleware, custom handlers, the
// built-in protocol), its room set, and its slice of the broker topic space.
// Rooms never span namespaces; neither do broadcasts.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/broker"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/room"
	"github.com/roomcast/roomcast/internal/v1/scheduler"
	"github.com/roomcast/roomcast/internal/v1/state"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

var (
	// ErrClosed is returned for operations against a destroyed namespace.
	ErrClosed = errors.New("namespace closed")

	// ErrRoomNameInvalid rejects room names outside ^[a-z0-9_-]{3,64}$.
	ErrRoomNameInvalid = errors.New("invalid room name")
)

var (
	nameRE     = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
	roomNameRE = regexp.MustCompile(`^[a-z0-9_-]{3,64}$`)
)

// ValidName reports whether s is a well-formed namespace name.
func ValidName(s string) bool { return nameRE.MatchString(s) }

// ValidRoomName reports whether s is a well-formed room name.
func ValidRoomName(s string) bool { return roomNameRE.MatchString(s) }

// Deps carries the shared backends a namespace operates against.
type Deps struct {
	Store      state.Store
	Broker     broker.Broker
	Scheduler  scheduler.Scheduler
	InstanceID string

	// BatchInterval is handed down to every room.
	BatchInterval time.Duration

	// RoomIdleTTL drives the garbage collection backstop for rooms whose
	// empty-check was missed, usually after an instance crash elsewhere.
	// Zero disables the sweep.
	RoomIdleTTL time.Duration
}

// Namespace is one isolation unit of the fabric.
type Namespace struct {
	name string
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	closed      bool
	conns       map[string]*transport.Conn
	userConns   map[string]map[string]*transport.Conn
	userTokens  map[string]broker.Token
	rooms       map[string]*room.Room
	middlewares []Middleware
	handlers    map[string]Handler

	globalToken broker.Token
}

// New builds a namespace, subscribes it to its broker topic, and starts the
// room sweep when an idle TTL is configured.
func New(name string, deps Deps) *Namespace {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Namespace{
		name:       name,
		deps:       deps,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*transport.Conn),
		userConns:  make(map[string]map[string]*transport.Conn),
		userTokens: make(map[string]broker.Token),
		rooms:      make(map[string]*room.Room),
		handlers:   make(map[string]Handler),
	}

	token, err := deps.Broker.Subscribe(broker.NamespaceTopic(name), n.handleGlobalFrame)
	if err != nil {
		logging.Error(n.logCtx(context.Background()), "Namespace topic subscribe failed",
			zap.Error(err))
	} else {
		n.globalToken = token
	}

	if deps.RoomIdleTTL > 0 {
		n.wg.Add(1)
		go n.sweepLoop()
	}

	logging.Info(n.logCtx(context.Background()), "Namespace ready")
	return n
}

func (n *Namespace) Name() string { return n.name }

// ConnCount returns the number of local connections.
func (n *Namespace) ConnCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

// Conns returns a snapshot of the local connections.
func (n *Namespace) Conns() []*transport.Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*transport.Conn, 0, len(n.conns))
	for _, c := range n.conns {
		out = append(out, c)
	}
	return out
}

// Use appends a middleware to the dispatch chain. Middlewares run in
// registration order, each deciding whether to call next.
func (n *Namespace) Use(mw Middleware) {
	n.mu.Lock()
	n.middlewares = append(n.middlewares, mw)
	n.mu.Unlock()
}

// Handle registers a custom event handler. Custom handlers are consulted
// before the built-in protocol, so an application may shadow it. Registering
// the same event twice replaces the handler.
func (n *Namespace) Handle(event string, h Handler) {
	n.mu.Lock()
	n.handlers[event] = h
	n.mu.Unlock()
}

// AddConnection registers the connection and writes its registry row. On
// write exhaustion the registration is rolled back and the caller closes the
// socket; a connection the cluster cannot see must not stay up.
func (n *Namespace) AddConnection(ctx context.Context, c *transport.Conn) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if _, ok := n.conns[c.ID()]; ok {
		n.mu.Unlock()
		return nil
	}
	n.conns[c.ID()] = c
	uid := c.UserID()
	firstOfUser := false
	if uid != "" {
		m := n.userConns[uid]
		if m == nil {
			m = make(map[string]*transport.Conn)
			n.userConns[uid] = m
			firstOfUser = true
		}
		m[c.ID()] = c
	}
	n.mu.Unlock()

	err := state.Retry(ctx, state.DefaultRetryPolicy, "add_client", func() error {
		return n.deps.Store.AddClient(ctx, state.ClientInfo{
			ConnectionID: c.ID(),
			UserID:       uid,
			Namespace:    n.name,
			InstanceID:   n.deps.InstanceID,
			ConnectedAt:  c.CreatedAt().UnixMilli(),
		})
	})
	if err != nil {
		n.mu.Lock()
		delete(n.conns, c.ID())
		n.dropUserIndexLocked(uid, c.ID())
		n.mu.Unlock()
		return err
	}

	if firstOfUser {
		n.subscribeUser(uid)
	}

	logging.Info(logging.WithConnection(ctx, c.ID(), uid, n.name), "Connection registered",
		zap.Int("local_connections", n.ConnCount()))
	return nil
}

// RemoveConnection detaches the connection from every room it joined and
// deletes its registry row. Safe to call for unknown connections; it is the
// OnClose path for every socket regardless of how it died.
func (n *Namespace) RemoveConnection(ctx context.Context, c *transport.Conn) {
	for _, name := range c.Rooms() {
		if r := n.Room(name); r != nil {
			_ = r.Leave(ctx, c)
		}
	}

	n.mu.Lock()
	_, known := n.conns[c.ID()]
	delete(n.conns, c.ID())
	uid := c.UserID()
	lastOfUser := n.dropUserIndexLocked(uid, c.ID())
	var token broker.Token
	if lastOfUser {
		token = n.userTokens[uid]
		delete(n.userTokens, uid)
	}
	n.mu.Unlock()

	if !known {
		return
	}
	if token != "" {
		_ = n.deps.Broker.Unsubscribe(token)
	}

	err := state.Retry(ctx, state.DefaultRetryPolicy, "remove_client", func() error {
		return n.deps.Store.RemoveClient(ctx, c.ID())
	})
	if err != nil {
		logging.Error(logging.WithConnection(ctx, c.ID(), uid, n.name),
			"Failed to remove registry row, instance purge will reclaim it", zap.Error(err))
	}

	logging.Info(logging.WithConnection(ctx, c.ID(), uid, n.name), "Connection removed",
		zap.Int("local_connections", n.ConnCount()))
}

// dropUserIndexLocked removes one connection from the user index and reports
// whether it was the user's last local connection. Caller holds mu.
func (n *Namespace) dropUserIndexLocked(uid, connID string) bool {
	if uid == "" {
		return false
	}
	m := n.userConns[uid]
	if m == nil {
		return false
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(n.userConns, uid)
		return true
	}
	return false
}

// subscribeUser opens the per-user broker topic when a user's first local
// connection arrives, so other instances can reach them here.
func (n *Namespace) subscribeUser(uid string) {
	token, err := n.deps.Broker.Subscribe(broker.UserTopic(n.name, uid), func(data []byte) {
		n.handleUserFrame(uid, data)
	})
	if err != nil {
		logging.Error(n.logCtx(context.Background()), "User topic subscribe failed",
			zap.String("user_id", uid), zap.Error(err))
		return
	}

	n.mu.Lock()
	stale := n.closed || n.userConns[uid] == nil
	if !stale {
		n.userTokens[uid] = token
	}
	n.mu.Unlock()
	if stale {
		_ = n.deps.Broker.Unsubscribe(token)
	}
}

// Broadcast delivers the envelope to every connection in the namespace,
// cluster-wide.
func (n *Namespace) Broadcast(ctx context.Context, env *envelope.Envelope) error {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	env.Origin = n.deps.InstanceID
	if err := n.BroadcastLocal(env); err != nil {
		return err
	}

	data, err := env.EncodeBroker()
	if err != nil {
		return err
	}
	go func() {
		_ = n.deps.Broker.Publish(n.ctx, broker.NamespaceTopic(n.name), data)
	}()
	return nil
}

// BroadcastLocal delivers the envelope to local connections only. The
// envelope is encoded once and written to every socket queue directly;
// namespace-wide traffic does not pass through room batching.
func (n *Namespace) BroadcastLocal(env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	for _, c := range n.Conns() {
		c.SendRaw(data)
	}
	return nil
}

// SendToUser delivers the envelope to every connection of one user,
// cluster-wide.
func (n *Namespace) SendToUser(ctx context.Context, userID string, env *envelope.Envelope) error {
	n.mu.RLock()
	closed := n.closed
	targets := make([]*transport.Conn, 0, 2)
	for _, c := range n.userConns[userID] {
		targets = append(targets, c)
	}
	n.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	env.Origin = n.deps.InstanceID
	data, err := env.Encode()
	if err != nil {
		return err
	}
	for _, c := range targets {
		c.SendRaw(data)
	}

	brokerData, err := env.EncodeBroker()
	if err != nil {
		return err
	}
	go func() {
		_ = n.deps.Broker.Publish(n.ctx, broker.UserTopic(n.name, userID), brokerData)
	}()
	return nil
}

// handleGlobalFrame receives one frame from the namespace topic.
func (n *Namespace) handleGlobalFrame(data []byte) {
	env, err := envelope.DecodeBroker(data)
	if err != nil {
		logging.Warn(n.logCtx(context.Background()), "Dropping malformed broker frame",
			zap.Error(err))
		return
	}
	if env.Origin == n.deps.InstanceID {
		return
	}
	_ = n.BroadcastLocal(env)
}

// handleUserFrame receives one frame from a per-user topic.
func (n *Namespace) handleUserFrame(uid string, data []byte) {
	env, err := envelope.DecodeBroker(data)
	if err != nil {
		logging.Warn(n.logCtx(context.Background()), "Dropping malformed broker frame",
			zap.String("user_id", uid), zap.Error(err))
		return
	}
	if env.Origin == n.deps.InstanceID {
		return
	}

	frame, err := env.Encode()
	if err != nil {
		return
	}
	n.mu.RLock()
	targets := make([]*transport.Conn, 0, 2)
	for _, c := range n.userConns[uid] {
		targets = append(targets, c)
	}
	n.mu.RUnlock()
	for _, c := range targets {
		c.SendRaw(frame)
	}
}

// Room returns the local room by name, or nil.
func (n *Namespace) Room(name string) *room.Room {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rooms[name]
}

// Rooms returns a snapshot of the local rooms.
func (n *Namespace) Rooms() []*room.Room {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*room.Room, 0, len(n.rooms))
	for _, r := range n.rooms {
		out = append(out, r)
	}
	return out
}

// CreateRoom builds (or returns) the named room with the given options and
// records it in the catalogue. Options apply only on first creation.
func (n *Namespace) CreateRoom(ctx context.Context, name string, opts room.Options) (*room.Room, error) {
	if !ValidRoomName(name) {
		return nil, fmt.Errorf("room %q: %w", name, ErrRoomNameInvalid)
	}
	r, created := n.getOrCreateRoom(name, opts)
	if r == nil {
		return nil, ErrClosed
	}
	if created {
		n.catalogueRoom(ctx, name, opts.Meta)
	}
	return r, nil
}

// getOrCreateRoom returns the named room, building it on first reference.
func (n *Namespace) getOrCreateRoom(name string, opts room.Options) (*room.Room, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, false
	}
	if r, ok := n.rooms[name]; ok {
		return r, false
	}
	r := room.New(n.name, name, room.Deps{
		Store:         n.deps.Store,
		Broker:        n.deps.Broker,
		Scheduler:     n.deps.Scheduler,
		InstanceID:    n.deps.InstanceID,
		BatchInterval: n.deps.BatchInterval,
		OnEmpty:       n.removeRoom,
	}, opts)
	n.rooms[name] = r
	return r, true
}

// catalogueRoom records the room in the namespace catalogue, best effort.
func (n *Namespace) catalogueRoom(ctx context.Context, name string, meta state.Meta) {
	err := state.Retry(ctx, state.DefaultRetryPolicy, "add_room", func() error {
		return n.deps.Store.AddRoom(ctx, n.name, name, meta)
	})
	if err != nil {
		logging.Error(logging.WithRoom(n.logCtx(ctx), name),
			"Failed to catalogue room", zap.Error(err))
	}
}

// removeRoom destroys the named room and removes it from the catalogue.
// Invoked when the last cluster-wide member leaves and by the idle sweep.
func (n *Namespace) removeRoom(name string) {
	n.mu.Lock()
	r, ok := n.rooms[name]
	delete(n.rooms, name)
	n.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Destroy(ctx)

	err := state.Retry(ctx, state.DefaultRetryPolicy, "remove_room", func() error {
		return n.deps.Store.RemoveRoom(ctx, n.name, name)
	})
	if err != nil {
		logging.Error(logging.WithRoom(n.logCtx(ctx), name),
			"Failed to remove room from catalogue", zap.Error(err))
	}
}

// sweepLoop is the backstop for rooms whose empty-check never fired, for
// example when the instance holding the last member crashed.
func (n *Namespace) sweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.deps.RoomIdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sweepIdleRooms()
		}
	}
}

func (n *Namespace) sweepIdleRooms() {
	for _, r := range n.Rooms() {
		if r.Persistent() || r.MemberCount() > 0 || !r.Idle(n.deps.RoomIdleTTL) {
			continue
		}
		count, err := n.deps.Store.CountClientsInRoom(n.ctx, n.name, r.Name())
		if err != nil {
			logging.Warn(logging.WithRoom(n.logCtx(n.ctx), r.Name()),
				"Sweep skipped, member count unavailable", zap.Error(err))
			continue
		}
		if count > 0 {
			continue
		}
		logging.Info(logging.WithRoom(n.logCtx(n.ctx), r.Name()), "Sweeping idle room")
		n.removeRoom(r.Name())
	}
}

// Destroy tears down the namespace: the sweep stops, every room is
// destroyed, and all broker subscriptions are released. Connections are left
// to the caller, which owns the socket lifecycle.
func (n *Namespace) Destroy(ctx context.Context) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	rooms := make([]*room.Room, 0, len(n.rooms))
	for _, r := range n.rooms {
		rooms = append(rooms, r)
	}
	n.rooms = make(map[string]*room.Room)
	tokens := make([]broker.Token, 0, len(n.userTokens)+1)
	if n.globalToken != "" {
		tokens = append(tokens, n.globalToken)
		n.globalToken = ""
	}
	for _, t := range n.userTokens {
		tokens = append(tokens, t)
	}
	n.userTokens = make(map[string]broker.Token)
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()

	for _, t := range tokens {
		_ = n.deps.Broker.Unsubscribe(t)
	}
	for _, r := range rooms {
		r.Destroy(ctx)
	}

	logging.Info(n.logCtx(ctx), "Namespace destroyed")
}

func (n *Namespace) logCtx(ctx context.Context) context.Context {
	return logging.WithNamespace(ctx, n.name)
}
