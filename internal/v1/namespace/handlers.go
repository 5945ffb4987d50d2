package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/auth"
	"github.com/roomcast/roomcast/internal/v1/broker"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
	"github.com/roomcast/roomcast/internal/v1/room"
	"github.com/roomcast/roomcast/internal/v1/scheduler"
	"github.com/roomcast/roomcast/internal/v1/state"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

// Services is what a custom handler gets to work with.
type Services struct {
	Namespace *Namespace
	Store     state.Store
	Broker    broker.Broker
	Scheduler scheduler.Scheduler
}

// Handler is a custom event handler registered with Handle. Returning an
// error marks the event failed in metrics and logs; client-visible replies
// are the handler's own business.
type Handler func(ctx context.Context, c *transport.Conn, payload json.RawMessage, svc Services) error

// Middleware wraps event dispatch. A middleware that never calls next drops
// the event.
type Middleware func(ctx context.Context, c *transport.Conn, in *envelope.Inbound, next func() error) error

// HandleEvent runs one inbound frame through the middleware chain, then a
// custom handler if one is registered for the event, then the built-in
// protocol. Runs on the connection's read loop, so one connection's events
// are handled strictly in order.
func (n *Namespace) HandleEvent(ctx context.Context, c *transport.Conn, in *envelope.Inbound) {
	start := time.Now()
	ctx = logging.WithEvent(logging.WithConnection(ctx, c.ID(), c.UserID(), n.name), in.Event)

	if c.Principal() == nil {
		c.SendError("unauthenticated")
		metrics.Events.WithLabelValues(in.Event, "error").Inc()
		return
	}

	n.mu.RLock()
	mws := n.middlewares
	n.mu.RUnlock()

	next := func() error { return n.dispatch(ctx, c, in) }
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func() error { return mw(ctx, c, in, inner) }
	}

	status := "ok"
	if err := next(); err != nil {
		status = "error"
		logging.Error(ctx, "Event handling failed", zap.Error(err))
	}
	metrics.Events.WithLabelValues(in.Event, status).Inc()
	metrics.EventHandlingDuration.WithLabelValues(in.Event).Observe(time.Since(start).Seconds())
}

func (n *Namespace) dispatch(ctx context.Context, c *transport.Conn, in *envelope.Inbound) error {
	n.mu.RLock()
	custom := n.handlers[in.Event]
	n.mu.RUnlock()
	if custom != nil {
		return custom(ctx, c, in.Payload, n.services())
	}

	switch in.Event {
	case envelope.EventRoomJoin:
		return n.handleRoomJoin(ctx, c, in.Payload)
	case envelope.EventRoomLeave:
		return n.handleRoomLeave(ctx, c, in.Payload)
	case envelope.EventChatSendMessage:
		return n.handleChatMessage(ctx, c, in.Payload)
	case envelope.EventChatTypingStart:
		return n.handleTypingStart(ctx, c, in.Payload)
	case envelope.EventChatSendGlobal:
		return n.handleChatGlobal(ctx, c, in.Payload)
	case envelope.EventPing:
		return n.handlePing(c, in.Payload)
	case envelope.EventWhoAmI:
		return n.handleWhoAmI(c)
	case envelope.EventListRooms:
		return n.handleListRooms(ctx, c)
	default:
		c.SendError("unknown event: " + in.Event)
		return nil
	}
}

func (n *Namespace) services() Services {
	return Services{
		Namespace: n,
		Store:     n.deps.Store,
		Broker:    n.deps.Broker,
		Scheduler: n.deps.Scheduler,
	}
}

type roomRequest struct {
	Room string `json:"roomName"`
}

type chatMessage struct {
	Room string `json:"roomName"`
	Text string `json:"text"`
}

func (n *Namespace) handleRoomJoin(ctx context.Context, c *transport.Conn, payload json.RawMessage) error {
	var req roomRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Room == "" {
		c.SendError("room name required")
		return nil
	}
	if !ValidRoomName(req.Room) {
		c.SendError("invalid room name")
		return nil
	}
	ctx = logging.WithRoom(ctx, req.Room)

	r, created := n.getOrCreateRoom(req.Room, room.Options{})
	if r == nil {
		return ErrClosed
	}
	if created {
		n.catalogueRoom(ctx, req.Room, nil)
	}

	err := r.Join(ctx, c)
	if errors.Is(err, room.ErrClosed) {
		// Lost a race against the empty-room teardown; take a fresh room.
		r, created = n.getOrCreateRoom(req.Room, room.Options{})
		if r == nil {
			return ErrClosed
		}
		if created {
			n.catalogueRoom(ctx, req.Room, nil)
		}
		err = r.Join(ctx, c)
	}
	if err != nil {
		// The cluster cannot see this membership, so the client must not
		// believe it joined.
		c.Close(websocket.CloseInternalServerErr, "internal error")
		return err
	}

	ack, err := envelope.New(n.name, req.Room, envelope.EventRoomJoined, roomRequest{Room: req.Room})
	if err != nil {
		return err
	}
	return c.Send(ack)
}

func (n *Namespace) handleRoomLeave(ctx context.Context, c *transport.Conn, payload json.RawMessage) error {
	var req roomRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Room == "" {
		c.SendError("room name required")
		return nil
	}

	if r := n.Room(req.Room); r != nil {
		if err := r.Leave(logging.WithRoom(ctx, req.Room), c); err != nil {
			logging.Warn(ctx, "Leave left a stale membership row", zap.Error(err))
		}
	}

	ack, err := envelope.New(n.name, req.Room, envelope.EventRoomLeft, roomRequest{Room: req.Room})
	if err != nil {
		return err
	}
	return c.Send(ack)
}

func (n *Namespace) handleChatMessage(ctx context.Context, c *transport.Conn, payload json.RawMessage) error {
	var req chatMessage
	if err := json.Unmarshal(payload, &req); err != nil || req.Room == "" {
		c.SendError("room name required")
		return nil
	}
	r := n.memberRoom(c, req.Room)
	if r == nil {
		return nil
	}
	// The room name already travels in the envelope's room field; the payload
	// carries only the message body.
	env, err := envelope.New(n.name, r.Name(), envelope.EventMessageNew, map[string]string{"text": req.Text})
	if err != nil {
		return err
	}
	env.Sender = senderOf(c)
	return r.Emit(ctx, env, c.ID())
}

func (n *Namespace) handleTypingStart(ctx context.Context, c *transport.Conn, payload json.RawMessage) error {
	var req roomRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Room == "" {
		c.SendError("room name required")
		return nil
	}
	r := n.memberRoom(c, req.Room)
	if r == nil {
		return nil
	}
	env := envelope.NewRaw(n.name, r.Name(), envelope.EventChatTypingStart, nil)
	env.Sender = senderOf(c)
	return r.Emit(ctx, env, c.ID())
}

// memberRoom resolves the named room and checks the sender is a member.
// Failures are answered on the spot and reported as nil.
func (n *Namespace) memberRoom(c *transport.Conn, name string) *room.Room {
	r := n.Room(name)
	if r == nil || !r.HasMember(c.ID()) {
		c.SendError("not a member of room " + name)
		return nil
	}
	return r
}

func (n *Namespace) handleChatGlobal(ctx context.Context, c *transport.Conn, payload json.RawMessage) error {
	if !c.Principal().Level.AtLeast(auth.LevelAdmin) {
		c.SendError("forbidden")
		return nil
	}
	env := envelope.NewRaw(n.name, "", envelope.EventGlobalNew, payload)
	env.Sender = senderOf(c)
	return n.Broadcast(ctx, env)
}

// handlePing doubles as application-level liveness: any client that cannot
// observe PONG control frames can prove itself alive here instead.
func (n *Namespace) handlePing(c *transport.Conn, payload json.RawMessage) error {
	c.MarkAlive()
	return c.Send(envelope.NewRaw(n.name, "", envelope.EventPong, payload))
}

func (n *Namespace) handleWhoAmI(c *transport.Conn) error {
	p := c.Principal()
	reply, err := envelope.New(n.name, "", envelope.EventWhoAmI, map[string]any{
		"sid":          c.ID(),
		"user_id":      p.UserID,
		"display_name": p.DisplayName,
		"access_level": p.Level,
	})
	if err != nil {
		return err
	}
	return c.Send(reply)
}

func (n *Namespace) handleListRooms(ctx context.Context, c *transport.Conn) error {
	rooms, err := n.deps.Store.GetRooms(ctx, n.name)
	if err != nil {
		c.SendError("room list unavailable")
		return err
	}
	sort.Strings(rooms)
	reply, err := envelope.New(n.name, "", envelope.EventListRooms, map[string]any{"rooms": rooms})
	if err != nil {
		return err
	}
	return c.Send(reply)
}

func senderOf(c *transport.Conn) *envelope.Sender {
	p := c.Principal()
	if p == nil {
		return nil
	}
	return &envelope.Sender{ID: p.UserID, Name: p.DisplayName}
}
