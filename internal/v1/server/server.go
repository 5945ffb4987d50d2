// Package server exposes the WebSocket endpoint and owns the instance-wide
// lifecycle: the upgrade pipeline (rate limit, origin, namespace resolution,
// authentication), the connection arena, the heartbeat sweep, cluster-wide
// broadcast, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roomcast/roomcast/internal/v1/auth"
	"github.com/roomcast/roomcast/internal/v1/broker"
	"github.com/roomcast/roomcast/internal/v1/config"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/logging"
	"github.com/roomcast/roomcast/internal/v1/namespace"
	"github.com/roomcast/roomcast/internal/v1/ratelimit"
	"github.com/roomcast/roomcast/internal/v1/scheduler"
	"github.com/roomcast/roomcast/internal/v1/state"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

// Version is reported to every client in SYSTEM_CONNECTED. Release builds
// stamp it at link time:
//
//	go build -ldflags "-X github.com/roomcast/roomcast/internal/v1/server.Version=v1.2.0"
var Version = "dev"

// shutdownNoticeGrace is how long queued shutdown notices get to drain
// before the close frames go out.
const shutdownNoticeGrace = 200 * time.Millisecond

// ErrClosed is returned for operations on a server that is shutting down.
var ErrClosed = errors.New("server closed")

// Deps carries the pluggable backends the server wires together.
type Deps struct {
	Store     state.Store
	Broker    broker.Broker
	Scheduler scheduler.Scheduler
	Auth      auth.Adapter

	// Limiter guards the upgrade endpoint; nil disables the check.
	Limiter *ratelimit.UpgradeLimiter
}

// Server is one fabric instance.
type Server struct {
	cfg  *config.Config
	deps Deps

	upgrader websocket.Upgrader

	mu         sync.RWMutex
	closed     bool
	namespaces map[string]*namespace.Namespace
	conns      map[string]*transport.Conn

	clusterToken broker.Token

	hbCtx    context.Context
	hbCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a server, registers the default namespace, subscribes to the
// cluster topic, and starts the heartbeat.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	hbCtx, hbCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			WriteBufferPool: &sync.Pool{},
			CheckOrigin:     transport.OriginChecker(cfg.AllowedOrigins),
		},
		namespaces: make(map[string]*namespace.Namespace),
		conns:      make(map[string]*transport.Conn),
		hbCtx:      hbCtx,
		hbCancel:   hbCancel,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.RegisterNamespace(ctx, cfg.DefaultNamespace); err != nil {
		hbCancel()
		return nil, err
	}

	token, err := deps.Broker.Subscribe(broker.ClusterTopic, s.handleClusterFrame)
	if err != nil {
		logging.Error(ctx, "Cluster topic subscribe failed", zap.Error(err))
	} else {
		s.clusterToken = token
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	logging.Info(ctx, "Server ready",
		zap.String("instance_id", cfg.InstanceID),
		zap.String("default_namespace", cfg.DefaultNamespace))
	return s, nil
}

// RegisterNamespace creates (or returns) a namespace and records it in the
// catalogue. Names are validated against the namespace grammar.
func (s *Server) RegisterNamespace(ctx context.Context, name string) (*namespace.Namespace, error) {
	if !namespace.ValidName(name) {
		return nil, errors.New("invalid namespace name: " + name)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if n, ok := s.namespaces[name]; ok {
		s.mu.Unlock()
		return n, nil
	}
	n := namespace.New(name, namespace.Deps{
		Store:         s.deps.Store,
		Broker:        s.deps.Broker,
		Scheduler:     s.deps.Scheduler,
		InstanceID:    s.cfg.InstanceID,
		BatchInterval: s.cfg.BatchInterval,
		RoomIdleTTL:   s.cfg.RoomIdleTTL,
	})
	s.namespaces[name] = n
	s.mu.Unlock()

	err := state.Retry(ctx, state.DefaultRetryPolicy, "add_namespace", func() error {
		return s.deps.Store.AddNamespace(ctx, name, state.Meta{
			"created_at": time.Now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		s.mu.Lock()
		delete(s.namespaces, name)
		s.mu.Unlock()
		n.Destroy(ctx)
		return nil, err
	}
	return n, nil
}

// Namespace returns the registered namespace, or nil.
func (s *Server) Namespace(name string) *namespace.Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespaces[name]
}

// Namespaces returns a snapshot of the registered namespaces.
func (s *Server) Namespaces() []*namespace.Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*namespace.Namespace, 0, len(s.namespaces))
	for _, n := range s.namespaces {
		out = append(out, n)
	}
	return out
}

// ConnCount returns the number of connections on this instance.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Conns returns a snapshot of the connections on this instance.
func (s *Server) Conns() []*transport.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*transport.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Routes registers the WebSocket endpoints: the base path serves the default
// namespace, the first segment below it selects a namespace by name, and
// anything after that segment is ignored.
func (s *Server) Routes(r *gin.Engine) {
	base := strings.TrimRight(s.cfg.BasePath, "/")
	r.GET(base, s.serveWs)
	r.GET(base+"/:namespace", s.serveWs)
	r.GET(base+"/:namespace/*rest", s.serveWs)
}

// serveWs runs the upgrade pipeline. Refusals before the upgrade are plain
// HTTP; after it they are close frames, so browser clients can read the
// code.
func (s *Server) serveWs(c *gin.Context) {
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(c) {
		return
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	sock, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written its refusal.
		logging.Warn(c.Request.Context(), "Upgrade failed", zap.Error(err))
		return
	}

	nsName := c.Param("namespace")
	if nsName == "" {
		nsName = s.cfg.DefaultNamespace
	}
	ns := s.Namespace(nsName)
	if ns == nil {
		closeRaw(sock, websocket.ClosePolicyViolation, "NS_NOT_FOUND")
		return
	}

	principal, err := s.deps.Auth.Authenticate(c.Request)
	if err != nil {
		logging.Warn(logging.WithNamespace(c.Request.Context(), nsName),
			"Authentication failed", zap.Error(err))
		closeRaw(sock, transport.CloseAuthFailed, "AUTH_FAILED")
		return
	}

	conn := transport.New(transport.Options{
		InstanceID:       s.cfg.InstanceID,
		Namespace:        nsName,
		Principal:        principal,
		Socket:           sock,
		MaxMsgsPerSecond: s.cfg.MaxMsgsPerSecond,
		MaxPayloadBytes:  s.cfg.MaxPayloadBytes,
		OnFrame: func(c *transport.Conn, in *envelope.Inbound) {
			ns.HandleEvent(context.Background(), c, in)
		},
		OnClose: func(c *transport.Conn) {
			s.releaseConn(ns, c)
		},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeRaw(sock, websocket.CloseGoingAway, "server_shutdown")
		return
	}
	s.conns[conn.ID()] = conn
	s.mu.Unlock()

	ctx := logging.WithConnection(c.Request.Context(), conn.ID(), principal.UserID, nsName)
	if err := ns.AddConnection(ctx, conn); err != nil {
		s.mu.Lock()
		delete(s.conns, conn.ID())
		s.mu.Unlock()
		logging.Error(ctx, "Connection registration failed", zap.Error(err))
		closeRaw(sock, websocket.CloseInternalServerErr, "internal error")
		return
	}

	welcome, err := envelope.New(nsName, "", envelope.EventSystemConnected, map[string]string{
		"sid":     conn.ID(),
		"user":    principal.UserID,
		"version": Version,
	})
	if err == nil {
		// Queued before Start, so it is the first frame on the wire.
		_ = conn.Send(welcome)
	}

	conn.Start()
	logging.Info(ctx, "Connection established",
		zap.String("display_name", principal.DisplayName),
		zap.String("access_level", string(principal.Level)))
}

// releaseConn is the OnClose path for every connection, however it died.
func (s *Server) releaseConn(ns *namespace.Namespace, c *transport.Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ns.RemoveConnection(ctx, c)
}

// BroadcastAll delivers the envelope to every connection on every namespace,
// cluster-wide.
func (s *Server) BroadcastAll(ctx context.Context, env *envelope.Envelope) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	env.Origin = s.cfg.InstanceID
	for _, n := range s.Namespaces() {
		_ = n.BroadcastLocal(env)
	}

	data, err := env.EncodeBroker()
	if err != nil {
		return err
	}
	go func() {
		_ = s.deps.Broker.Publish(s.hbCtx, broker.ClusterTopic, data)
	}()
	return nil
}

// handleClusterFrame receives one frame from the cluster topic.
func (s *Server) handleClusterFrame(data []byte) {
	env, err := envelope.DecodeBroker(data)
	if err != nil {
		logging.Warn(context.Background(), "Dropping malformed cluster frame", zap.Error(err))
		return
	}
	if env.Origin == s.cfg.InstanceID {
		return
	}
	for _, n := range s.Namespaces() {
		_ = n.BroadcastLocal(env)
	}
}

// Shutdown drains the instance: clients get a shutdown notice and a 1001
// close, namespaces are destroyed, and every row this instance wrote is
// purged so the cluster forgets it cleanly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	token := s.clusterToken
	s.clusterToken = ""
	s.mu.Unlock()

	logging.Info(ctx, "Shutdown started", zap.Int("connections", s.ConnCount()))

	notice := []byte(`{"reason":"server_shutdown"}`)
	for _, n := range s.Namespaces() {
		_ = n.BroadcastLocal(envelope.NewRaw(n.Name(), "", envelope.EventSysShutdown, notice))
	}
	time.Sleep(shutdownNoticeGrace)

	s.hbCancel()
	s.wg.Wait()
	if token != "" {
		_ = s.deps.Broker.Unsubscribe(token)
	}

	// Snapshot room persistence before the namespaces tear down; the
	// catalogue sweep below needs it.
	type roomRef struct {
		ns, name   string
		persistent bool
	}
	var refs []roomRef
	for _, n := range s.Namespaces() {
		for _, r := range n.Rooms() {
			refs = append(refs, roomRef{ns: n.Name(), name: r.Name(), persistent: r.Persistent()})
		}
	}

	for _, c := range s.Conns() {
		c.Close(websocket.CloseGoingAway, "server_shutdown")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range s.Namespaces() {
		n := n
		g.Go(func() error {
			n.Destroy(gctx)
			return nil
		})
	}
	_ = g.Wait()

	err := state.Retry(ctx, state.DefaultRetryPolicy, "clear_instance", func() error {
		return s.deps.Store.ClearInstanceData(ctx, s.cfg.InstanceID)
	})
	if err != nil {
		logging.Error(ctx, "Instance purge failed, rows will linger until external cleanup",
			zap.Error(err))
	}

	// Catalogue rows for rooms nobody holds any more, single attempt each.
	for _, ref := range refs {
		if ref.persistent {
			continue
		}
		count, cerr := s.deps.Store.CountClientsInRoom(ctx, ref.ns, ref.name)
		if cerr != nil || count > 0 {
			continue
		}
		_ = s.deps.Store.RemoveRoom(ctx, ref.ns, ref.name)
	}

	logging.Info(ctx, "Shutdown complete")
	return err
}

// closeRaw performs a close handshake on a socket that never became a
// tracked connection.
func closeRaw(sock *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(10 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = sock.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = sock.Close()
}
