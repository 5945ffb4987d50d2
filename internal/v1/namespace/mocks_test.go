package namespace

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roomcast/roomcast/internal/v1/auth"
	"github.com/roomcast/roomcast/internal/v1/broker"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/scheduler"
	"github.com/roomcast/roomcast/internal/v1/state"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

const testInstance = "inst-a"

// fakeSock satisfies transport.Socket; reads block until close, text writes
// are recorded.
type fakeSock struct {
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	written [][]byte
}

func newFakeSock() *fakeSock {
	return &fakeSock{done: make(chan struct{})}
}

func (f *fakeSock) ReadMessage() (int, []byte, error) {
	<-f.done
	return 0, nil, net.ErrClosed
}

func (f *fakeSock) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.written = append(f.written, buf)
	return nil
}

func (f *fakeSock) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeSock) SetReadLimit(int64)                        {}
func (f *fakeSock) SetPongHandler(func(string) error)         {}
func (f *fakeSock) SetWriteDeadline(time.Time) error          { return nil }

func (f *fakeSock) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeSock) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, b := range f.written {
		out[i] = string(b)
	}
	return out
}

func waitFrames(t *testing.T, sock *fakeSock, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sock.Frames()) >= n
	}, time.Second, 5*time.Millisecond)
	return sock.Frames()
}

// flakyStore wraps a memory store so client registration can be failed.
type flakyStore struct {
	state.Store
	failAddClient atomic.Bool
}

func (s *flakyStore) AddClient(ctx context.Context, info state.ClientInfo) error {
	if s.failAddClient.Load() {
		return errors.New("registry backend down")
	}
	return s.Store.AddClient(ctx, info)
}

type testBackends struct {
	store *flakyStore
	brk   broker.Broker
	sched scheduler.Scheduler
}

func newTestBackends(t *testing.T) *testBackends {
	t.Helper()
	brk := broker.NewMemoryBroker(broker.DefaultPublishPolicy)
	sched := scheduler.NewTimerScheduler(testInstance, scheduler.NewMemoryLockManager())
	t.Cleanup(func() {
		sched.Close()
		_ = brk.Close()
	})
	return &testBackends{
		store: &flakyStore{Store: state.NewMemoryStore()},
		brk:   brk,
		sched: sched,
	}
}

func newTestNamespace(t *testing.T, b *testBackends) *Namespace {
	return newTestNamespaceTTL(t, b, 0)
}

func newTestNamespaceTTL(t *testing.T, b *testBackends, idleTTL time.Duration) *Namespace {
	t.Helper()
	n := New("default", Deps{
		Store:         b.store,
		Broker:        b.brk,
		Scheduler:     b.sched,
		InstanceID:    testInstance,
		BatchInterval: 5 * time.Millisecond,
		RoomIdleTTL:   idleTTL,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n.Destroy(ctx)
	})
	return n
}

// newAttachedConn builds a started connection and registers it with the
// namespace.
func newAttachedConn(t *testing.T, n *Namespace, id, userID string, level auth.AccessLevel) (*transport.Conn, *fakeSock) {
	t.Helper()
	c, sock := newLooseConn(t, id, userID, level)
	require.NoError(t, n.AddConnection(context.Background(), c))
	return c, sock
}

// newLooseConn builds a started connection that is not yet registered.
func newLooseConn(t *testing.T, id, userID string, level auth.AccessLevel) (*transport.Conn, *fakeSock) {
	t.Helper()
	sock := newFakeSock()
	c := transport.New(transport.Options{
		ID:         id,
		InstanceID: testInstance,
		Namespace:  "default",
		Principal:  &auth.Principal{UserID: userID, DisplayName: userID, Level: level},
		Socket:     sock,
	})
	c.Start()
	t.Cleanup(c.Terminate)
	return c, sock
}

func event(t *testing.T, n *Namespace, c *transport.Conn, event, payload string) {
	t.Helper()
	in := &envelope.Inbound{Event: event}
	if payload != "" {
		in.Payload = []byte(payload)
	}
	n.HandleEvent(context.Background(), c, in)
}

func joinRoom(t *testing.T, n *Namespace, c *transport.Conn, room string) {
	t.Helper()
	event(t, n, c, envelope.EventRoomJoin, `{"roomName":"`+room+`"}`)
	require.Eventually(t, func() bool {
		r := n.Room(room)
		return r != nil && r.HasMember(c.ID())
	}, time.Second, 5*time.Millisecond)
}
