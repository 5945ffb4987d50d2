package room

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
	"github.com/roomcast/roomcast/internal/v1/scheduler"
	"github.com/roomcast/roomcast/internal/v1/state"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

const testInstance = "inst-a"

// fakeSock satisfies transport.Socket. Reads block until the socket closes;
// text writes are recorded for assertions.
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

// Frames returns the text frames written so far.
func (f *fakeSock) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, b := range f.written {
		out[i] = string(b)
	}
	return out
}

// newMemberConn builds a started connection backed by a fakeSock.
func newMemberConn(t *testing.T, id, userID string) (*transport.Conn, *fakeSock) {
	t.Helper()
	sock := newFakeSock()
	c := transport.New(transport.Options{
		ID:         id,
		InstanceID: testInstance,
		Namespace:  "default",
		Principal:  &auth.Principal{UserID: userID, DisplayName: userID, Level: auth.LevelUser},
		Socket:     sock,
	})
	c.Start()
	t.Cleanup(c.Terminate)
	return c, sock
}

// flakyStore wraps a memory store so individual writes can be failed.
type flakyStore struct {
	state.Store
	failAdds atomic.Bool
}

func (s *flakyStore) AddUserToRoom(ctx context.Context, ns, room, connectionID string) error {
	if s.failAdds.Load() {
		return errors.New("membership backend down")
	}
	return s.Store.AddUserToRoom(ctx, ns, room, connectionID)
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

// newTestRoom builds a room on fresh in-memory backends with a short batch
// window.
func newTestRoom(t *testing.T, b *testBackends, opts Options, onEmpty func(string)) *Room {
	return newTestRoomInterval(t, b, 10*time.Millisecond, opts, onEmpty)
}

func newTestRoomInterval(t *testing.T, b *testBackends, interval time.Duration, opts Options, onEmpty func(string)) *Room {
	t.Helper()
	r := New("default", "lobby", Deps{
		Store:         b.store,
		Broker:        b.brk,
		Scheduler:     b.sched,
		InstanceID:    testInstance,
		BatchInterval: interval,
		OnEmpty:       onEmpty,
	}, opts)
	t.Cleanup(func() {
		destroyCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Destroy(destroyCtx)
	})
	return r
}

func mustJoin(t *testing.T, r *Room, c *transport.Conn) {
	t.Helper()
	require.NoError(t, r.Join(context.Background(), c))
}
