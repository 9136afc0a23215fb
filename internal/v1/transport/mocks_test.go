package transport

import (
	"net/http"
	"sync"
	"time"
)

// MockConnection implements wsConnection
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error

	mu          sync.Mutex
	pongHandler func(string) error
	readLimit   int64
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error { return nil }

func (m *MockConnection) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readLimit = limit
}

func (m *MockConnection) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

func (m *MockConnection) firePong() {
	m.mu.Lock()
	h := m.pongHandler
	m.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (m *MockConnection) getReadLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLimit
}

// MockHandler records transport events. Like the real session layer it
// closes the socket from HandleClose so the write pump always winds down.
type MockHandler struct {
	mu          sync.Mutex
	opens       int
	messages    [][]byte
	binaries    []bool
	closes      int
	closeCode   int
	closeReason string
	pongs       int
}

func (m *MockHandler) HandleOpen(s *Socket, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
}

func (m *MockHandler) HandleMessage(s *Socket, data []byte, binary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, data)
	m.binaries = append(m.binaries, binary)
}

func (m *MockHandler) HandleClose(s *Socket, code int, reason string) {
	m.mu.Lock()
	m.closes++
	m.closeCode = code
	m.closeReason = reason
	m.mu.Unlock()

	s.Close(code, reason)
}

func (m *MockHandler) HandlePong(s *Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongs++
}

func (m *MockHandler) snapshot() (opens, messages, closes, pongs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens, len(m.messages), m.closes, m.pongs
}
