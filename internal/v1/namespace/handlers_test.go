package namespace

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomcast/roomcast/internal/v1/auth"
	"github.com/roomcast/roomcast/internal/v1/envelope"
	"github.com/roomcast/roomcast/internal/v1/transport"
)

func TestJoinAcksAndCataloguesRoom(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	event(t, n, c, envelope.EventRoomJoin, `{"roomName":"ops"}`)

	frames := waitFrames(t, sock, 1)
	assert.Contains(t, frames[0], envelope.EventRoomJoined)
	assert.Contains(t, frames[0], `"ops"`)

	require.NotNil(t, n.Room("ops"))
	assert.True(t, n.Room("ops").HasMember(c.ID()))
	assert.True(t, c.InRoom("ops"))

	rooms, err := b.store.GetRooms(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, rooms)
}

func TestJoinRejectsInvalidRoomName(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	event(t, n, c, envelope.EventRoomJoin, `{"roomName":"Not Valid!"}`)

	assert.Contains(t, waitFrames(t, sock, 1)[0], "invalid room name")
	assert.Nil(t, n.Room("Not Valid!"))
	assert.Equal(t, transport.StateOpen, c.State(), "protocol errors keep the connection open")
}

func TestJoinRequiresRoomField(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	event(t, n, c, envelope.EventRoomJoin, `{}`)
	assert.Contains(t, waitFrames(t, sock, 1)[0], "room name required")
}

func TestLeaveAcksAndDropsMembership(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)
	joinRoom(t, n, c, "ops")

	event(t, n, c, envelope.EventRoomLeave, `{"roomName":"ops"}`)

	require.Eventually(t, func() bool {
		for _, f := range sock.Frames() {
			if json.Valid([]byte(f)) && containsEvent(f, envelope.EventRoomLeft) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.InRoom("ops"))
	assert.Nil(t, n.Room("ops"), "the last leave destroys the room")
}

func TestLeaveOfUnknownRoomStillAcks(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	event(t, n, c, envelope.EventRoomLeave, `{"roomName":"nowhere"}`)
	assert.Contains(t, waitFrames(t, sock, 1)[0], envelope.EventRoomLeft)
}

func TestChatMessageFansOutExceptSender(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	sender, senderSock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)
	other, otherSock := newAttachedConn(t, n, "conn-2", "bob", auth.LevelUser)
	joinRoom(t, n, sender, "ops")
	joinRoom(t, n, other, "ops")
	senderAcks := len(senderSock.Frames())

	event(t, n, sender, envelope.EventChatSendMessage, `{"roomName":"ops","text":"hi there"}`)

	require.Eventually(t, func() bool {
		for _, f := range otherSock.Frames() {
			if containsEvent(f, envelope.EventMessageNew) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var delivered string
	for _, f := range otherSock.Frames() {
		if containsEvent(f, envelope.EventMessageNew) {
			delivered = f
		}
	}
	assert.Contains(t, delivered, "hi there")
	assert.Contains(t, delivered, `"alice"`, "sender identity is stamped server-side")
	assert.NotContains(t, delivered, "roomName", "payload carries only the message body")

	time.Sleep(30 * time.Millisecond)
	for _, f := range senderSock.Frames()[senderAcks:] {
		assert.False(t, containsEvent(f, envelope.EventMessageNew),
			"sender must not get its own message back")
	}
}

func TestChatMessageRequiresMembership(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	event(t, n, c, envelope.EventChatSendMessage, `{"roomName":"ops","text":"hi"}`)
	assert.Contains(t, waitFrames(t, sock, 1)[0], "not a member")
}

func TestTypingRelaysToOtherMembers(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	sender, _ := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)
	other, otherSock := newAttachedConn(t, n, "conn-2", "bob", auth.LevelUser)
	joinRoom(t, n, sender, "ops")
	joinRoom(t, n, other, "ops")

	event(t, n, sender, envelope.EventChatTypingStart, `{"roomName":"ops"}`)

	require.Eventually(t, func() bool {
		for _, f := range otherSock.Frames() {
			if containsEvent(f, envelope.EventChatTypingStart) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestGlobalChatIsAdminOnly(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	user, userSock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	event(t, n, user, envelope.EventChatSendGlobal, `{"text":"announcement"}`)
	assert.Contains(t, waitFrames(t, userSock, 1)[0], "forbidden")
}

func TestGlobalChatBroadcastsForAdmin(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	admin, _ := newAttachedConn(t, n, "conn-1", "root", auth.LevelAdmin)
	_, userSock := newAttachedConn(t, n, "conn-2", "alice", auth.LevelUser)

	event(t, n, admin, envelope.EventChatSendGlobal, `{"text":"maintenance at noon"}`)

	frames := waitFrames(t, userSock, 1)
	assert.Contains(t, frames[0], envelope.EventGlobalNew)
	assert.Contains(t, frames[0], "maintenance at noon")
}

func TestPingAnswersPongAndProvesLiveness(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	c.MarkPinged(time.Minute, func(*transport.Conn) {})
	require.False(t, c.Alive())

	event(t, n, c, envelope.EventPing, `{"t":12345}`)

	frames := waitFrames(t, sock, 1)
	assert.Contains(t, frames[0], envelope.EventPong)
	assert.Contains(t, frames[0], "12345", "pong echoes the ping payload")
	assert.True(t, c.Alive(), "an application ping is liveness evidence")
}

func TestWhoAmIReturnsIdentity(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-9", "alice", auth.LevelAdmin)

	event(t, n, c, envelope.EventWhoAmI, "")

	frames := waitFrames(t, sock, 1)
	assert.Contains(t, frames[0], `"conn-9"`)
	assert.Contains(t, frames[0], `"alice"`)
	assert.Contains(t, frames[0], `"admin"`)
}

func TestListRoomsReturnsSortedCatalogue(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	require.NoError(t, b.store.AddRoom(context.Background(), "default", "zeta", nil))
	require.NoError(t, b.store.AddRoom(context.Background(), "default", "alpha", nil))

	event(t, n, c, envelope.EventListRooms, "")

	frames := waitFrames(t, sock, 1)
	assert.Contains(t, frames[0], `["alpha","zeta"]`)
}

func TestUnknownEventAnswersSysError(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	event(t, n, c, "no:such_event", `{}`)

	frames := waitFrames(t, sock, 1)
	assert.Contains(t, frames[0], envelope.EventSysError)
	assert.Contains(t, frames[0], "unknown event")
}

func TestMiddlewareCanDropEvents(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, _ := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	var seen atomic.Int32
	n.Use(func(ctx context.Context, c *transport.Conn, in *envelope.Inbound, next func() error) error {
		seen.Add(1)
		if in.Event == envelope.EventRoomJoin {
			return nil // swallowed
		}
		return next()
	})

	event(t, n, c, envelope.EventRoomJoin, `{"roomName":"ops"}`)
	assert.Equal(t, int32(1), seen.Load())
	assert.Nil(t, n.Room("ops"), "a middleware that does not call next drops the event")

	event(t, n, c, envelope.EventWhoAmI, "")
	assert.Equal(t, int32(2), seen.Load())
}

func TestMiddlewareRunsInRegistrationOrder(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, _ := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	var order []string
	n.Use(func(_ context.Context, _ *transport.Conn, _ *envelope.Inbound, next func() error) error {
		order = append(order, "first")
		return next()
	})
	n.Use(func(_ context.Context, _ *transport.Conn, _ *envelope.Inbound, next func() error) error {
		order = append(order, "second")
		return next()
	})

	event(t, n, c, envelope.EventWhoAmI, "")
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCustomHandlerReceivesServices(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	n.Handle("game:move", func(ctx context.Context, c *transport.Conn, payload json.RawMessage, svc Services) error {
		require.Same(t, n, svc.Namespace)
		require.NotNil(t, svc.Store)
		require.NotNil(t, svc.Broker)
		require.NotNil(t, svc.Scheduler)
		return c.Send(envelope.NewRaw(n.name, "", "game:moved", payload))
	})

	event(t, n, c, "game:move", `{"square":"e4"}`)

	frames := waitFrames(t, sock, 1)
	assert.Contains(t, frames[0], "game:moved")
	assert.Contains(t, frames[0], "e4")
}

func TestCustomHandlerShadowsBuiltin(t *testing.T) {
	b := newTestBackends(t)
	n := newTestNamespace(t, b)
	c, sock := newAttachedConn(t, n, "conn-1", "alice", auth.LevelUser)

	n.Handle(envelope.EventListRooms, func(ctx context.Context, c *transport.Conn, _ json.RawMessage, _ Services) error {
		return c.Send(envelope.NewRaw(n.name, "", "rooms:custom", nil))
	})

	event(t, n, c, envelope.EventListRooms, "")
	assert.Contains(t, waitFrames(t, sock, 1)[0], "rooms:custom")
}

func containsEvent(frame, event string) bool {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(frame), &probe); err != nil {
		return false
	}
	return probe.Event == event
}
