package transport

import (
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomcast/roomcast/internal/v1/auth"
	"github.com/roomcast/roomcast/internal/v1/envelope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []*envelope.Inbound
}

func (r *frameRecorder) handle(_ *Conn, in *envelope.Inbound) {
	r.mu.Lock()
	r.frames = append(r.frames, in)
	r.mu.Unlock()
}

func (r *frameRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Event
	}
	return out
}

func newTestConn(t *testing.T, sock *fakeSocket, opts Options) *Conn {
	t.Helper()
	opts.Socket = sock
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Principal == nil {
		opts.Principal = &auth.Principal{UserID: "user-1", DisplayName: "User One", Level: auth.LevelUser}
	}
	c := New(opts)
	t.Cleanup(c.Terminate)
	return c
}

func TestConnDeliversInboundFrames(t *testing.T) {
	sock := newFakeSocket()
	rec := &frameRecorder{}
	c := newTestConn(t, sock, Options{OnFrame: rec.handle})
	before := c.LastAction()

	c.Start()
	sock.InjectText(`{"event":"ping","payload":{"t":1}}`)
	sock.InjectText(`{"event":"room:join","payload":{"roomName":"lobby"}}`)

	require.Eventually(t, func() bool {
		return len(rec.events()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping", "room:join"}, rec.events())
	assert.True(t, c.LastAction().After(before) || c.LastAction().Equal(before))
}

func TestConnAnswersMalformedFrameWithoutClosing(t *testing.T) {
	sock := newFakeSocket()
	rec := &frameRecorder{}
	c := newTestConn(t, sock, Options{OnFrame: rec.handle})

	c.Start()
	sock.InjectText(`{not json`)
	sock.InjectText(`{"event":"ping"}`)

	require.Eventually(t, func() bool {
		return len(rec.events()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateOpen, c.State(), "protocol errors must not close the socket")
	require.Eventually(t, func() bool {
		return len(sock.Written()) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sock.Written()[0], envelope.EventSysError)
}

func TestConnRejectsFrameWithoutEvent(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})

	c.Start()
	sock.InjectText(`{"payload":{}}`)

	require.Eventually(t, func() bool {
		return len(sock.Written()) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sock.Written()[0], envelope.EventSysError)
	assert.Equal(t, StateOpen, c.State())
}

func TestConnRejectsOversizedPayload(t *testing.T) {
	sock := newFakeSocket()
	rec := &frameRecorder{}
	c := newTestConn(t, sock, Options{OnFrame: rec.handle, MaxPayloadBytes: 16})

	c.Start()
	sock.InjectText(`{"event":"chat:send_message","payload":"` + strings.Repeat("a", 64) + `"}`)

	require.Eventually(t, func() bool {
		return len(sock.Written()) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sock.Written()[0], "payload exceeds")
	assert.Empty(t, rec.events())
	assert.Equal(t, StateOpen, c.State())
}

func TestConnRejectsBinaryFrame(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})

	c.Start()
	sock.Inject(websocket.BinaryMessage, []byte{0x01, 0x02})

	require.Eventually(t, func() bool {
		return len(sock.Written()) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sock.Written()[0], envelope.EventSysError)
}

func TestConnRateLimitTerminatesWithPolicyCode(t *testing.T) {
	sock := newFakeSocket()
	rec := &frameRecorder{}
	c := newTestConn(t, sock, Options{OnFrame: rec.handle, MaxMsgsPerSecond: 2})

	c.Start()
	sock.InjectText(`{"event":"ping"}`)
	sock.InjectText(`{"event":"ping"}`)
	sock.InjectText(`{"event":"ping"}`)

	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, rec.events(), 2, "frames within the budget are still handled")
	frames := sock.CloseFrames()
	require.Len(t, frames, 1)
	code := binary.BigEndian.Uint16(frames[0].data[:2])
	assert.Equal(t, uint16(CloseRateLimit), code)
}

func TestConnWriteDeliversQueuedFrames(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})

	c.Start()
	env := envelope.NewRaw("default", "", envelope.EventPong, nil)
	require.NoError(t, c.Send(env))
	c.SendRaw([]byte(`{"event":"x"}`))

	require.Eventually(t, func() bool {
		return len(sock.Written()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sock.Written()[0], envelope.EventPong)
}

func TestConnWriteFailureTerminates(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})

	c.Start()
	sock.SetWriteErr(errors.New("broken pipe"))
	c.SendRaw([]byte(`{"event":"x"}`))

	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestConnSendQueueDropsWhenSaturated(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})
	// The writer never runs, so the queue fills and the overflow is dropped
	// rather than blocking the caller.
	for i := 0; i < sendQueueSize+10; i++ {
		c.SendRaw([]byte(`{"event":"x"}`))
	}
	assert.Len(t, c.send, sendQueueSize)
}

func TestConnCloseWritesCloseFrameOnce(t *testing.T) {
	sock := newFakeSocket()
	var closes atomic.Int32
	c := newTestConn(t, sock, Options{OnClose: func(*Conn) { closes.Add(1) }})

	c.Start()
	c.Close(websocket.CloseGoingAway, "server_shutdown")
	c.Close(websocket.CloseNormalClosure, "again")
	c.Terminate()

	require.Eventually(t, func() bool {
		return closes.Load() == 1
	}, time.Second, 5*time.Millisecond)

	frames := sock.CloseFrames()
	require.Len(t, frames, 1, "close handshake happens exactly once")
	code := binary.BigEndian.Uint16(frames[0].data[:2])
	assert.Equal(t, uint16(websocket.CloseGoingAway), code)
	assert.Equal(t, "server_shutdown", string(frames[0].data[2:]))
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, sock.Closed())
}

func TestConnTerminateSkipsHandshake(t *testing.T) {
	sock := newFakeSocket()
	done := make(chan struct{})
	c := newTestConn(t, sock, Options{OnClose: func(*Conn) { close(done) }})

	c.Start()
	c.Terminate()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnClose was never invoked")
	}
	assert.Empty(t, sock.CloseFrames())
	assert.True(t, sock.Closed())
}

func TestConnPeerDisconnectRunsOnClose(t *testing.T) {
	sock := newFakeSocket()
	done := make(chan struct{})
	c := newTestConn(t, sock, Options{OnClose: func(*Conn) { close(done) }})

	c.Start()
	require.NoError(t, sock.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnClose was never invoked after peer disconnect")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestConnHeartbeatTimeout(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})
	c.Start()

	timedOut := make(chan struct{})
	c.MarkPinged(15*time.Millisecond, func(*Conn) { close(timedOut) })
	assert.False(t, c.Alive())

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("pong deadline never fired")
	}
}

func TestConnHeartbeatPongDisarmsDeadline(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})
	c.Start()

	var timedOut atomic.Bool
	c.MarkPinged(20*time.Millisecond, func(*Conn) { timedOut.Store(true) })
	c.MarkAlive()

	assert.True(t, c.Alive())
	time.Sleep(40 * time.Millisecond)
	assert.False(t, timedOut.Load(), "liveness evidence must disarm the deadline")
}

func TestConnPongControlFrameMarksAlive(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})
	c.Start()

	c.MarkPinged(time.Minute, func(*Conn) {})
	require.False(t, c.Alive())

	require.Eventually(t, func() bool {
		sock.FirePong()
		return c.Alive()
	}, time.Second, 5*time.Millisecond)
}

func TestConnRoomBookkeeping(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})

	assert.False(t, c.InRoom("lobby"))
	c.MarkJoined("lobby")
	c.MarkJoined("ops")
	assert.True(t, c.InRoom("lobby"))
	assert.ElementsMatch(t, []string{"lobby", "ops"}, c.Rooms())

	c.MarkLeft("lobby")
	assert.False(t, c.InRoom("lobby"))
	assert.ElementsMatch(t, []string{"ops"}, c.Rooms())
}

func TestConnIdentity(t *testing.T) {
	sock := newFakeSocket()
	p := &auth.Principal{UserID: "u-9", DisplayName: "Nine", Level: auth.LevelAdmin}
	c := newTestConn(t, sock, Options{ID: "conn-1", Namespace: "ops", Principal: p})

	assert.Equal(t, "conn-1", c.ID())
	assert.Equal(t, "ops", c.Namespace())
	assert.Equal(t, "u-9", c.UserID())
	assert.Same(t, p, c.Principal())
	assert.Equal(t, StateConnecting, c.State())
}

func TestConnGeneratesIDWhenEmpty(t *testing.T) {
	sock := newFakeSocket()
	c := newTestConn(t, sock, Options{})
	assert.NotEmpty(t, c.ID())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
