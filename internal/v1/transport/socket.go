package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Handler receives transport events. Events for one socket are delivered
// sequentially from that socket's read loop, and HandleClose fires exactly
// once per socket.
type Handler interface {
	HandleOpen(s *Socket, r *http.Request)
	HandleMessage(s *Socket, data []byte, binary bool)
	HandleClose(s *Socket, code int, reason string)
	HandlePong(s *Socket)
}

// frame pairs a WebSocket message type with its payload.
type frame struct {
	messageType int
	data        []byte
}

// Socket wraps a single WebSocket connection with buffered single-writer
// output. All frames leave through the writePump goroutine; callers enqueue
// and never block.
type Socket struct {
	conn       wsConnection
	handler    Handler
	remoteAddr string

	mu          sync.RWMutex // Protects closed and the recorded close frame
	closed      bool
	closeCode   int
	closeReason string

	closeOnce  sync.Once // Ensures channels are only closed once
	notifyOnce sync.Once // Ensures HandleClose fires exactly once

	send    chan frame // Buffered channel for data frames
	control chan frame // Buffered channel for pings and other control frames
}

func newSocket(conn wsConnection, handler Handler, remoteAddr string) *Socket {
	return &Socket{
		conn:       conn,
		handler:    handler,
		remoteAddr: remoteAddr,
		send:       make(chan frame, 256),
		control:    make(chan frame, 256),
	}
}

// RemoteAddr returns the peer address recorded at upgrade time.
func (s *Socket) RemoteAddr() string {
	return s.remoteAddr
}

// Writable reports whether frames can still be enqueued.
func (s *Socket) Writable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Send queues a data frame for delivery. It reports false when the socket is
// closed or its buffer is full; it never blocks.
func (s *Socket) Send(data []byte, binary bool) (ok bool) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.mu.RUnlock()

	// The channel may be closed between the check above and the enqueue.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closing socket",
				zap.String("remoteAddr", s.remoteAddr), zap.Any("panic", r))
			ok = false
		}
	}()

	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}

	select {
	case s.send <- frame{messageType: messageType, data: data}:
		return true
	default:
		metrics.SendsDropped.Inc()
		logging.Warn(context.Background(), "Socket send buffer full, dropping frame",
			zap.String("remoteAddr", s.remoteAddr))
		return false
	}
}

// Ping queues a ping control frame. It reports false when the socket is
// closed or the control buffer is full.
func (s *Socket) Ping(payload []byte) (ok bool) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from ping on closing socket",
				zap.String("remoteAddr", s.remoteAddr), zap.Any("panic", r))
			ok = false
		}
	}()

	select {
	case s.control <- frame{messageType: websocket.PingMessage, data: payload}:
		return true
	default:
		metrics.SendsDropped.Inc()
		return false
	}
}

// Close records the close frame to deliver and shuts down the write side.
// Closing the channels makes the writePump emit the close frame and drop the
// connection; the readPump then unblocks and runs teardown.
func (s *Socket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()

		close(s.send)
		close(s.control)
	})
}

// notifyClose reports teardown to the handler exactly once. A close the
// server initiated keeps its recorded code over whatever the wire carried.
func (s *Socket) notifyClose(code int, reason string) {
	s.notifyOnce.Do(func() {
		s.mu.RLock()
		if s.closed && s.closeCode != 0 {
			code, reason = s.closeCode, s.closeReason
		}
		s.mu.RUnlock()

		s.handler.HandleClose(s, code, reason)
	})
}

// closeDetails extracts the close code and reason from a read error.
func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

// readPump processes incoming WebSocket frames until the connection drops.
func (s *Socket) readPump(maxMessageBytes int64) {
	defer func() {
		s.notifyClose(websocket.CloseAbnormalClosure, "")
		s.conn.Close()
		metrics.DecConnection()
	}()

	if maxMessageBytes > 0 {
		s.conn.SetReadLimit(maxMessageBytes)
	}
	s.conn.SetPongHandler(func(string) error {
		s.handler.HandlePong(s)
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			s.notifyClose(code, reason)
			break
		}

		switch messageType {
		case websocket.TextMessage:
			s.handler.HandleMessage(s, data, false)
		case websocket.BinaryMessage:
			s.handler.HandleMessage(s, data, true)
		}
	}
}

func (s *Socket) writePump() {
	defer s.conn.Close()
	writeWait := 10 * time.Second

	for {
		select {
		case f, ok := <-s.control:
			if !ok {
				s.writeClose()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(f.messageType, f.data); err != nil {
				logging.Error(context.Background(), "error writing control frame", zap.Error(err))
				return
			}
		case f, ok := <-s.send:
			if !ok {
				s.writeClose()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(f.messageType, f.data); err != nil {
				logging.Error(context.Background(), "error writing message", zap.Error(err))
				return
			}
		}
	}
}

// writeClose emits the recorded close frame as the final write.
func (s *Socket) writeClose() {
	s.mu.RLock()
	code, reason := s.closeCode, s.closeReason
	s.mu.RUnlock()

	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
