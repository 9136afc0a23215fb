package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/helios-rt/helios/internal/v1/events"
	"github.com/helios-rt/helios/internal/v1/protocol"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// testBase is second aligned because JWT timestamps truncate to seconds.
var testBase = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// fakeTransport implements Transport and records everything the session
// layer pushes through it.
type fakeTransport struct {
	mu          sync.Mutex
	remote      string
	sendOK      bool
	pingOK      bool
	closed      bool
	closeCode   int
	closeReason string
	frames      [][]byte
	binaries    []bool
	pings       int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{remote: "10.0.0.1:52000", sendOK: true, pingOK: true}
}

func (f *fakeTransport) Send(data []byte, binary bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.sendOK {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, buf)
	f.binaries = append(f.binaries, binary)
	return true
}

func (f *fakeTransport) Ping(_ []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.pingOK {
		return false
	}
	f.pings++
	return true
}

func (f *fakeTransport) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeTransport) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) RemoteAddr() string { return f.remote }

func (f *fakeTransport) setSendOK(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendOK = ok
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) closeFrame() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// sentMessages decodes every queued frame back into an envelope.
func (f *fakeTransport) sentMessages(t *testing.T) []*protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]*protocol.Message, 0, len(f.frames))
	for _, frame := range f.frames {
		var m protocol.Message
		require.NoError(t, json.Unmarshal(frame, &m))
		msgs = append(msgs, &m)
	}
	return msgs
}

// eventsFor returns the wire events queued for an exact topic.
func (f *fakeTransport) eventsFor(t *testing.T, topic string) []*protocol.Message {
	t.Helper()
	var out []*protocol.Message
	for _, m := range f.sentMessages(t) {
		if m.Kind == protocol.KindEvent && m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// newTestHub builds a hub on a fake clock and tears down every connection
// when the test ends so no health or sweep goroutine outlives it.
func newTestHub(t *testing.T, opts Options) (*Hub, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(testBase)
	opts.Clock = clk
	h, err := NewHub(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		for _, c := range h.registry.Active() {
			if tr := c.transportHandle(); tr != nil {
				h.disconnect(tr, websocket.CloseGoingAway, "Server shutting down")
			}
		}
		_ = h.Shutdown(context.Background())
	})
	return h, clk
}

// openConn admits a fresh fake transport without a session token.
func openConn(t *testing.T, h *Hub) (*Conn, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	c := h.open(f, "")
	require.NotNil(t, c)
	return c, f
}

// deliver feeds a client-to-server envelope through the hub.
func deliver(t *testing.T, h *Hub, f *fakeTransport, m *protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	h.message(f, data, false)
}

// clientRequest feeds a request through the hub and returns the response
// queued for it on the transport.
func clientRequest(t *testing.T, h *Hub, f *fakeTransport, method string, params any) *protocol.Message {
	t.Helper()
	raw, err := protocol.MarshalPayload(params)
	require.NoError(t, err)
	req := protocol.NewRequest(method, raw)
	deliver(t, h, f, req)

	for _, m := range f.sentMessages(t) {
		if m.Kind == protocol.KindResponse && m.RequestID == req.ID {
			return m
		}
	}
	t.Fatalf("No response for %s request %s", method, req.ID)
	return nil
}

// decodePayload unmarshals a message payload into T.
func decodePayload[T any](t *testing.T, m *protocol.Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(m.Payload, &v))
	return v
}

// recordBus captures every payload published on topic. The returned
// function snapshots the captures so far.
func recordBus(h *Hub, topic string) func() []any {
	var mu sync.Mutex
	var payloads []any
	h.Events().Subscribe(topic, func(_ context.Context, e *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, e.Payload)
	})
	return func() []any {
		mu.Lock()
		defer mu.Unlock()
		return append([]any(nil), payloads...)
	}
}

func pongWaiterCount(c *Conn) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pongWaiters)
}

// deadlineArmed reports whether a ping deadline timer is live.
func (m *healthMonitor) deadlineArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout != nil
}
