package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type inboundFrame struct {
	msgType int
	data    []byte
}

type controlFrame struct {
	msgType int
	data    []byte
}

// fakeSocket is an in-memory Socket. The test plays the peer: Inject feeds
// frames to the read loop, written text and control frames are recorded for
// assertions, and Close unblocks any pending read the way a real socket
// teardown does.
type fakeSocket struct {
	mu sync.Mutex

	inbound chan inboundFrame
	done    chan struct{}

	written  [][]byte
	controls []controlFrame

	writeErr error
	pongH    func(string) error

	closed    bool
	readLimit int64
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan inboundFrame, 16),
		done:    make(chan struct{}),
	}
}

// Inject delivers a frame to the read loop as if the peer sent it.
func (f *fakeSocket) Inject(msgType int, data []byte) {
	f.inbound <- inboundFrame{msgType: msgType, data: data}
}

// InjectText delivers a text frame from the peer.
func (f *fakeSocket) InjectText(data string) {
	f.Inject(websocket.TextMessage, []byte(data))
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.inbound:
		return frame.msgType, frame.data, nil
	case <-f.done:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeSocket) WriteMessage(msgType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if msgType == websocket.TextMessage {
		buf := make([]byte, len(data))
		copy(buf, data)
		f.written = append(f.written, buf)
	}
	return nil
}

func (f *fakeSocket) WriteControl(msgType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.controls = append(f.controls, controlFrame{msgType: msgType, data: buf})
	return nil
}

func (f *fakeSocket) SetReadLimit(limit int64) {
	f.mu.Lock()
	f.readLimit = limit
	f.mu.Unlock()
}

func (f *fakeSocket) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pongH = h
	f.mu.Unlock()
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

// Written returns a snapshot of the text frames written so far.
func (f *fakeSocket) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, b := range f.written {
		out[i] = string(b)
	}
	return out
}

// Controls returns a snapshot of the control frames written so far.
func (f *fakeSocket) Controls() []controlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]controlFrame, len(f.controls))
	copy(out, f.controls)
	return out
}

// CloseFrames returns the close control frames written so far.
func (f *fakeSocket) CloseFrames() []controlFrame {
	var out []controlFrame
	for _, c := range f.Controls() {
		if c.msgType == websocket.CloseMessage {
			out = append(out, c)
		}
	}
	return out
}

// FirePong invokes the registered pong handler as the socket would on
// receipt of a PONG control frame.
func (f *fakeSocket) FirePong() {
	f.mu.Lock()
	h := f.pongH
	f.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

// Closed reports whether the socket has been released.
func (f *fakeSocket) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetWriteErr makes every subsequent write fail with err.
func (f *fakeSocket) SetWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}
