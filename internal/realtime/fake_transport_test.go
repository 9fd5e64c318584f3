package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, envelope)
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server frame to the client.
func (c *fakeConn) push(t *testing.T, kind EventKind, payload interface{}) {
	t.Helper()
	frame, err := Encode(kind, payload)
	require.NoError(t, err)
	c.inbound <- frame
}

func (c *fakeConn) frames(kind EventKind) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0)
	for _, envelope := range c.written {
		if envelope.Event == kind {
			out = append(out, envelope)
		}
	}
	return out
}

func (c *fakeConn) all() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.written...)
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context, _ string, _ http.Header) (Conn, error) {
	t.mu.Lock()
	t.dials++
	if t.failures > 0 {
		t.failures--
		t.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := newFakeConn()
	t.conns <- conn
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) nextConn(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case conn := <-t.conns:
		return conn
	case <-time.After(2 * time.Second):
		tb.Fatalf("transport was never dialled")
		return nil
	}
}

func newTestManager(t *testing.T, transport Transport) *Manager {
	t.Helper()
	manager, err := NewManager(Config{
		URL:        "ws://realtime.test/socket",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, transport, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func waitConnected(t *testing.T, manager *Manager) {
	t.Helper()
	require.Eventually(t, manager.Connected, 2*time.Second, 5*time.Millisecond)
}
