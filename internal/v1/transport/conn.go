// Package transport owns the WebSocket leg of every connection: the single
// writer queue, the read loop, the per-connection message rate limit, the
// heartbeat bookkeeping, and the close/terminate state machine. Everything
// above it (namespaces, rooms) talks to a *Conn and never to the socket.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/auth"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/metrics"
)

// Close codes used by the fabric on top of the standard WebSocket set.
const (
	CloseAuthFailed = 4001
	CloseRateLimit  = 4003
)

const (
	// writeWait bounds every socket write, control frames included.
	writeWait = 10 * time.Second

	// sendQueueSize bounds the per-connection writer queue. A consumer that
	// falls this far behind starts losing frames.
	sendQueueSize = 256

	// readLimitSlack is headroom on top of the payload budget for the
	// envelope fields around the payload.
	readLimitSlack = 4096
)

// State tracks the connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is the subset of *websocket.Conn the connection drives. Tests
// substitute an in-memory fake.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// FrameHandler receives each decoded inbound frame on the connection's read
// loop.
type FrameHandler func(c *Conn, in *envelope.Inbound)

// Options configures one connection.
type Options struct {
	ID         string // generated when empty
	InstanceID string
	Namespace  string
	Principal  *auth.Principal
	Socket     Socket

	// MaxMsgsPerSecond caps inbound frames per one-second window; zero
	// disables the limit.
	MaxMsgsPerSecond int
	// MaxPayloadBytes bounds one inbound payload; zero disables the bound.
	MaxPayloadBytes int

	// OnFrame is invoked on the read loop for every well-formed frame.
	OnFrame FrameHandler
	// OnClose is invoked exactly once, after the read loop has ended and
	// the socket is closed.
	OnClose func(c *Conn)
}

// Conn wraps one WebSocket. A single writer goroutine owns the write half,
// so Send order is delivery order; the read loop feeds decoded frames to
// OnFrame one at a time.
type Conn struct {
	id         string
	instanceID string
	nsName     string
	principal  *auth.Principal
	createdAt  time.Time

	sock    Socket
	send    chan []byte
	quit    chan struct{}
	onFrame FrameHandler
	onClose func(c *Conn)

	maxMsgs    int
	maxPayload int

	state     atomic.Int32
	closeOnce sync.Once

	mu          sync.Mutex
	lastAction  time.Time
	rooms       map[string]struct{}
	alive       bool
	pongTimer   *time.Timer
	windowStart time.Time
	windowCount int
}

// New builds a connection around an accepted socket. The connection starts
// in the connecting state; Start opens it and launches the pumps.
func New(opts Options) *Conn {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &Conn{
		id:         id,
		instanceID: opts.InstanceID,
		nsName:     opts.Namespace,
		principal:  opts.Principal,
		createdAt:  time.Now(),
		sock:       opts.Socket,
		send:       make(chan []byte, sendQueueSize),
		quit:       make(chan struct{}),
		onFrame:    opts.OnFrame,
		onClose:    opts.OnClose,
		maxMsgs:    opts.MaxMsgsPerSecond,
		maxPayload: opts.MaxPayloadBytes,
		lastAction: time.Now(),
		rooms:      make(map[string]struct{}),
		alive:      true,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) Namespace() string { return c.nsName }
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Principal returns the identity attached at upgrade time; nil means the
// connection was never authenticated.
func (c *Conn) Principal() *auth.Principal { return c.principal }

// UserID returns the principal's user id, or "" for an unauthenticated
// connection.
func (c *Conn) UserID() string {
	if c.principal == nil {
		return ""
	}
	return c.principal.UserID
}

func (c *Conn) State() State { return State(c.state.Load()) }

// Start opens the connection and launches the read and write pumps.
func (c *Conn) Start() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
	metrics.IncConnection()
	go c.writePump()
	go c.readPump()
}

// Touch records inbound activity for the principal's last-action timestamp.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastAction = time.Now()
	c.mu.Unlock()
}

// LastAction returns the time of the most recent inbound event.
func (c *Conn) LastAction() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAction
}

// MarkJoined records room membership on the connection. Rooms call this
// after the authoritative membership write succeeds.
func (c *Conn) MarkJoined(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

// MarkLeft removes the room from the connection's membership set.
func (c *Conn) MarkLeft(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// InRoom reports whether the connection is currently joined to the room.
func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns a snapshot of the rooms the connection is joined to.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Send serialises the envelope and queues it on the writer.
func (c *Conn) Send(e *envelope.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	c.SendRaw(data)
	return nil
}

// SendRaw queues pre-serialised bytes on the writer. Frames to a closed or
// saturated connection are dropped and counted; a slow consumer must not
// stall the room that is fanning out to it.
func (c *Conn) SendRaw(data []byte) {
	if c.State() >= StateClosing {
		return
	}
	select {
	case c.send <- data:
	default:
		metrics.DroppedFrames.Inc()
		logging.Warn(c.logCtx(), "Send queue full, dropping frame",
			zap.Int("queue_size", sendQueueSize))
	}
}

// SendError answers the connection with a sys:error envelope. Protocol
// errors never close the socket.
func (c *Conn) SendError(msg string) {
	if err := c.Send(envelope.NewSysError(c.nsName, msg)); err != nil {
		logging.Error(c.logCtx(), "Failed to encode sys:error", zap.Error(err))
	}
}

// Close performs a closing handshake with the given code and reason, then
// releases the socket. Idempotent, also against Terminate.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.sock.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			logging.Warn(c.logCtx(), "Failed to write close frame",
				zap.Int("code", code), zap.Error(err))
		}
		c.finish()
	})
}

// Terminate severs the connection without a closing handshake. Used by the
// heartbeat and the rate limiter, where the peer has forfeited the goodbye.
func (c *Conn) Terminate() {
	c.closeOnce.Do(c.finish)
}

// finish moves the connection to closed and releases the socket. Runs under
// closeOnce only.
func (c *Conn) finish() {
	c.state.Store(int32(StateClosed))
	c.mu.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.mu.Unlock()
	close(c.quit)
	_ = c.sock.Close()
}

// Alive reports whether the connection has produced liveness evidence since
// the previous heartbeat sweep.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// MarkPinged flips the connection to unproven liveness and arms the pong
// deadline. onTimeout fires if nothing proves liveness within the timeout.
func (c *Conn) MarkPinged(timeout time.Duration, onTimeout func(*Conn)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = time.AfterFunc(timeout, func() {
		if !c.Alive() {
			onTimeout(c)
		}
	})
}

// MarkAlive records liveness evidence: a PONG control frame or an
// application-level ping event. The pending pong deadline is disarmed.
func (c *Conn) MarkAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// Ping writes a PING control frame. Safe to call off the writer goroutine;
// control writes are synchronised by the socket.
func (c *Conn) Ping() error {
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// allowFrame applies the per-connection message budget over a fixed
// one-second window.
func (c *Conn) allowFrame() bool {
	if c.maxMsgs <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= c.maxMsgs
}

// readPump drives the read half until the socket dies. A read error is the
// normal termination signal, not an exceptional one: the deferred cleanup is
// the single exit path for every connection.
func (c *Conn) readPump() {
	defer func() {
		c.Terminate()
		metrics.DecConnection()
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	if c.maxPayload > 0 {
		c.sock.SetReadLimit(int64(c.maxPayload + readLimitSlack))
	}
	c.sock.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	for {
		msgType, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}

		if !c.allowFrame() {
			metrics.RateLimitTerminations.Inc()
			logging.Warn(c.logCtx(), "Message rate limit exceeded",
				zap.Int("limit_per_second", c.maxMsgs))
			c.Close(CloseRateLimit, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			c.SendError("invalid frame: expected text")
			continue
		}

		in, err := envelope.DecodeInbound(data, c.maxPayload)
		if err != nil {
			c.SendError(err.Error())
			continue
		}

		c.Touch()
		if c.onFrame != nil {
			c.onFrame(c, in)
		}
	}
}

// writePump owns the write half. It exits when the connection is finished
// or a write fails; either way the socket is closed behind it.
func (c *Conn) writePump() {
	defer func() { _ = c.sock.Close() }()

	for {
		select {
		case <-c.quit:
			return
		case data := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Warn(c.logCtx(), "Socket write failed", zap.Error(err))
				c.Terminate()
				return
			}
		}
	}
}

func (c *Conn) logCtx() context.Context {
	return logging.WithConnection(context.Background(), c.id, c.UserID(), c.nsName)
}
