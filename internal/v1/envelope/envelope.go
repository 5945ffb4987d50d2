// Package envelope defines the canonical message record exchanged with
// clients and carried between instances through the broker.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Wire event types produced or consumed by the fabric.
const (
	// Inbound events handled by every namespace.
	EventRoomJoin        = "room:join"
	EventRoomLeave       = "room:leave"
	EventChatSendMessage = "chat:send_message"
	EventChatTypingStart = "chat:typing_start"
	EventChatSendGlobal  = "chat:send_global"
	EventPing            = "ping"
	EventWhoAmI          = "who_am_i"
	EventListRooms       = "list_rooms"

	// Outbound events produced by the fabric.
	EventSystemConnected = "SYSTEM_CONNECTED"
	EventSysError        = "sys:error"
	EventSysShutdown     = "sys:shutdown"
	EventBatch           = "chat:batch"
	EventPong            = "pong"
	EventMessageNew      = "chat:message_new"
	EventGlobalNew       = "chat:global_new"
	EventRoomJoined      = "room:joined"
	EventRoomLeft        = "room:left"
)

var (
	// ErrInvalidFrame marks a frame that is not valid JSON or is missing
	// the event type.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrPayloadTooLarge marks a payload above the configured byte limit.
	ErrPayloadTooLarge = errors.New("payload exceeds configured limit")
)

// Sender identifies the user that produced an envelope.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Meta carries per-envelope metadata.
type Meta struct {
	Trace string `json:"trace,omitempty"`
}

// Envelope is the canonical message record. It is produced by exactly one
// component and flows unmodified through the broker and the socket.
type Envelope struct {
	ID      string          `json:"id"`
	NS      string          `json:"ns"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  *Sender         `json:"sender,omitempty"`
	TS      int64           `json:"ts"`
	Meta    Meta            `json:"meta"`

	// Origin is the id of the instance that produced the envelope. It
	// travels only inside broker frames and is used to suppress echo; it
	// never reaches clients.
	Origin string `json:"-"`
}

// New builds an envelope with a fresh id, trace id and timestamp. The payload
// is marshalled once at construction.
func New(ns, room, event string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %q: %w", event, err)
		}
		raw = b
	}
	return NewRaw(ns, room, event, raw), nil
}

// NewRaw builds an envelope around an already-serialised payload.
func NewRaw(ns, room, event string, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:      uuid.NewString(),
		NS:      ns,
		Room:    room,
		Event:   event,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
		Meta:    Meta{Trace: uuid.NewString()},
	}
}

// NewSysError builds the protocol error reply sent to a single connection.
func NewSysError(ns, msg string) *Envelope {
	raw, _ := json.Marshal(msg)
	return NewRaw(ns, "", EventSysError, raw)
}

// Encode serialises the client wire form.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return b, nil
}

// Decode parses a client wire form envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// brokerFrame wraps the wire form with the producing instance for cluster
// transit.
type brokerFrame struct {
	Origin   string          `json:"origin"`
	Envelope json.RawMessage `json:"envelope"`
}

// EncodeBroker serialises the envelope for broker transit, tagged with its
// origin instance.
func (e *Envelope) EncodeBroker() ([]byte, error) {
	inner, err := e.Encode()
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(brokerFrame{Origin: e.Origin, Envelope: inner})
	if err != nil {
		return nil, fmt.Errorf("encode broker frame %s: %w", e.ID, err)
	}
	return b, nil
}

// DecodeBroker parses a broker frame and restores the origin instance tag.
func DecodeBroker(data []byte) (*Envelope, error) {
	var f brokerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode broker frame: %w", err)
	}
	e, err := Decode(f.Envelope)
	if err != nil {
		return nil, err
	}
	e.Origin = f.Origin
	return e, nil
}

// Batch is the frame that coalesces several envelopes into one socket write.
type Batch struct {
	Event string      `json:"event"`
	Items []*Envelope `json:"items"`
}

// NewBatch wraps the given envelopes into a chat:batch frame.
func NewBatch(items []*Envelope) *Batch {
	return &Batch{Event: EventBatch, Items: items}
}

// Encode serialises the batch frame.
func (b *Batch) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch of %d: %w", len(b.Items), err)
	}
	return data, nil
}

// EncodeBatch coalesces already-encoded envelope frames into one chat:batch
// frame without re-serialising them.
func EncodeBatch(frames []json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(struct {
		Event string            `json:"event"`
		Items []json.RawMessage `json:"items"`
	}{Event: EventBatch, Items: frames})
	if err != nil {
		return nil, fmt.Errorf("encode batch of %d: %w", len(frames), err)
	}
	return data, nil
}

// Inbound is one frame received from a client: an event type plus its
// payload. Identity, timestamps and routing are stamped server-side.
type Inbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeInbound parses one client frame. Non-JSON input and frames without
// an event type yield ErrInvalidFrame; payloads above maxPayloadBytes yield
// ErrPayloadTooLarge. Both are protocol errors: the caller answers sys:error
// and keeps the connection open.
func DecodeInbound(data []byte, maxPayloadBytes int) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if in.Event == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidFrame)
	}
	if maxPayloadBytes > 0 && len(in.Payload) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(in.Payload))
	}
	return &in, nil
}
