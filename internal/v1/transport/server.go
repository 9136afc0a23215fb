package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
	"github.com/helios-rt/helios/internal/v1/ratelimit"
)

// Options configures a Server.
type Options struct {
	AllowedOrigins  []string
	DevMode         bool
	MaxMessageBytes int64
	Limiter         *ratelimit.Limiter
}

// Server upgrades HTTP requests to WebSocket sockets and hands them to the
// configured Handler.
type Server struct {
	handler Handler
	opts    Options
}

// NewServer creates a Server that delivers transport events to handler.
func NewServer(handler Handler, opts Options) *Server {
	return &Server{handler: handler, opts: opts}
}

// ServeWs rate limits the caller, validates the request origin, upgrades to
// WebSocket, and starts the socket pumps.
func (s *Server) ServeWs(c *gin.Context) {
	if s.opts.Limiter != nil && !s.opts.Limiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	if err := validateOrigin(c.Request, s.opts.AllowedOrigins, s.opts.DevMode); err != nil {
		metrics.UpgradeRejects.WithLabelValues("bad_origin").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := s.upgrade(c)
	if err != nil {
		return // Upgrader already wrote the error response
	}

	sock := newSocket(conn, s.handler, c.Request.RemoteAddr)
	metrics.IncConnection()

	s.handler.HandleOpen(sock, c.Request)

	go sock.writePump()
	go sock.readPump(s.opts.MaxMessageBytes)
}

// validateOrigin checks if the request origin is in the allowed list.
// Requests without an Origin header are allowed as non-browser clients, and
// dev mode allows everything.
func validateOrigin(r *http.Request, allowedOrigins []string, devMode bool) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.GetLogger().Debug("No origin header - allowing non-browser client")
		return nil
	}
	if devMode {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		// Scheme and host must match exactly
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgrade performs the WebSocket handshake.
func (s *Server) upgrade(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, s.opts.AllowedOrigins, s.opts.DevMode) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}
