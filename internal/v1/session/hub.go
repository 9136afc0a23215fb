package session

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/helios-rt/helios/internal/v1/events"
	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
	"github.com/helios-rt/helios/internal/v1/protocol"
	"github.com/helios-rt/helios/internal/v1/rooms"
	"github.com/helios-rt/helios/internal/v1/token"
	"github.com/helios-rt/helios/internal/v1/transport"
)

// Hub option defaults.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultRecoveryTTL    = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
)

// RecoveryConfig enables session recovery: disconnected connections are
// retained for TTL and a client presenting a valid token rebinds to its
// prior state. Secret signs the tokens and must carry at least 256 bits.
type RecoveryConfig struct {
	Enabled       bool
	Secret        string
	TTL           time.Duration
	SweepInterval time.Duration
}

// Options configures a Hub. Zero values take defaults; a nil Clock means
// wall time.
type Options struct {
	RequestTimeout time.Duration
	ParseMode      protocol.ParseMode
	Recovery       RecoveryConfig
	Health         HealthConfig
	Clock          clock.WithTickerAndDelayedExecution
}

// Hub is the coordinator: it owns the registry, the room broker, the
// method/topic dispatcher and the event bus, and translates transport
// events into connection lifecycle transitions. It implements the
// transport handler so a WebSocket server can deliver straight into it.
type Hub struct {
	bus      *events.Bus
	broker   *rooms.Broker
	dispatch *Dispatcher
	registry *Registry
	tokens   *token.Codec
	clock    clock.WithTickerAndDelayedExecution

	parseMode protocol.ParseMode
	recovery  RecoveryConfig
	closed    atomic.Bool
}

var _ transport.Handler = (*Hub)(nil)

// NewHub builds a hub from opts. It fails only when session recovery is
// enabled with an unusable secret.
func NewHub(opts Options) (*Hub, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ParseMode == "" {
		opts.ParseMode = protocol.ParseStrict
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Recovery.TTL <= 0 {
		opts.Recovery.TTL = DefaultRecoveryTTL
	}
	if opts.Recovery.SweepInterval <= 0 {
		opts.Recovery.SweepInterval = DefaultSweepInterval
	}
	opts.Health = opts.Health.withDefaults()

	bus := events.NewBus()
	h := &Hub{
		bus:       bus,
		broker:    rooms.NewBroker(bus),
		dispatch:  newDispatcher(),
		clock:     opts.Clock,
		parseMode: opts.ParseMode,
		recovery:  opts.Recovery,
	}

	if opts.Recovery.Enabled {
		codec, err := token.NewCodec(opts.Recovery.Secret, opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("session recovery: %w", err)
		}
		h.tokens = codec
	}

	h.registry = newRegistry(opts.Recovery.TTL, opts.Recovery.SweepInterval, connDeps{
		clock:          opts.Clock,
		bus:            bus,
		dispatch:       h.dispatch,
		requestTimeout: opts.RequestTimeout,
		sessionTTL:     opts.Recovery.TTL,
		health:         opts.Health,
	})
	h.registry.onExpire = h.finalizeExpired

	h.registerBuiltins()

	if opts.Recovery.Enabled {
		h.registry.startSweep()
	}
	return h, nil
}

// Events returns the server-side event bus.
func (h *Hub) Events() *events.Bus {
	return h.bus
}

// Rooms returns the room broker.
func (h *Hub) Rooms() *rooms.Broker {
	return h.broker
}

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Method registers handler for an exact method name. A later registration
// under the same name replaces the earlier one.
func (h *Hub) Method(name string, handler MethodHandler) {
	h.dispatch.registerMethod(name, handler)
}

// Topic registers handler for a topic pattern (exact topics included).
// Every binding matching an incoming event runs, in registration order.
func (h *Hub) Topic(pattern string, handler TopicHandler) {
	h.dispatch.registerTopic(pattern, handler)
}

// Use appends request middleware. Middleware registered first runs
// outermost.
func (h *Hub) Use(mw Middleware) {
	h.dispatch.use(mw)
}

// Broadcast marshals payload and fans it out to every subscriber resolved
// for topicOrPattern.
func (h *Hub) Broadcast(ctx context.Context, topicOrPattern string, payload any) (rooms.BroadcastResult, error) {
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		return rooms.BroadcastResult{}, err
	}
	return h.broker.Broadcast(ctx, topicOrPattern, raw), nil
}

// ShuttingDown reports whether Shutdown has begun.
func (h *Hub) ShuttingDown() bool {
	return h.closed.Load()
}

// Shutdown stops admitting transports and closes every active connection
// with a going-away frame. Per-connection teardown then arrives through
// each transport's close event. Calling Shutdown twice is a no-op.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.registry.stopSweep()

	for _, c := range h.registry.Active() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.closeTransport(websocket.CloseGoingAway, "Server shutting down")
	}
	return nil
}

// Transport handler adapters. The WebSocket server calls these; tests
// drive the unexported equivalents with fake transports.

// HandleOpen implements transport.Handler.
func (h *Hub) HandleOpen(s *transport.Socket, r *http.Request) {
	var sessionToken string
	if r != nil {
		sessionToken = r.URL.Query().Get("session_token")
	}
	h.open(s, sessionToken)
}

// HandleMessage implements transport.Handler.
func (h *Hub) HandleMessage(s *transport.Socket, data []byte, binary bool) {
	h.message(s, data, binary)
}

// HandleClose implements transport.Handler.
func (h *Hub) HandleClose(s *transport.Socket, code int, reason string) {
	h.disconnect(s, code, reason)
}

// HandlePong implements transport.Handler.
func (h *Hub) HandlePong(s *transport.Socket) {
	h.pong(s)
}

// open admits a new transport. A presented session token is tried first;
// on any verification or rebind failure the client is told why and gets a
// fresh connection, so recovery failure is never fatal to the transport.
func (h *Hub) open(t Transport, sessionToken string) *Conn {
	if h.closed.Load() {
		t.Close(websocket.CloseGoingAway, "Server shutting down")
		return nil
	}

	var failure string
	if h.tokens != nil && sessionToken != "" {
		c, err := h.resume(t, sessionToken)
		if err == nil {
			return c
		}
		failure = err.Error()
	}

	c := h.registry.New(t)
	ctx := logging.WithConnection(context.Background(), c.ID())

	if failure != "" {
		logging.Warn(ctx, "Session recovery failed", zap.String("reason", failure))
		metrics.SessionEvents.WithLabelValues("recovery_failed").Inc()
		h.bus.Publish(ctx, events.TopicSessionFailed, RecoveryFailure{Conn: c, Reason: failure})
		if err := c.Emit(events.TopicSessionFailed, recoveryFailedPayload{Reason: failure}); err != nil {
			logging.Warn(ctx, "Failed to push recovery failure", zap.Error(err))
		}
	}
	if h.tokens != nil {
		h.createSession(ctx, c)
	}
	c.startHealth()
	return c
}

// resume verifies a session token and rebinds its connection to t.
func (h *Hub) resume(t Transport, sessionToken string) (*Conn, error) {
	sess, err := h.tokens.Verify(sessionToken)
	if err != nil {
		return nil, err
	}
	c, err := h.registry.reconnect(sess.SessionID, t)
	if err != nil {
		return nil, err
	}

	ctx := logging.WithSession(logging.WithConnection(context.Background(), c.ID()), sess.SessionID)
	logging.Info(ctx, "Session recovered", zap.String("remote_addr", t.RemoteAddr()))
	metrics.SessionEvents.WithLabelValues("recovered").Inc()
	h.bus.Publish(ctx, events.TopicSessionRecover, SessionChange{Conn: c, Session: sess})
	if err := c.Emit(events.TopicSessionRecover, sessionRecoveredPayload{
		SessionID: sess.SessionID,
		Metadata:  sess.Metadata,
	}); err != nil {
		logging.Warn(ctx, "Failed to push session recovery", zap.Error(err))
	}
	return c, nil
}

// createSession mints a session for a fresh connection and pushes the
// token to the client.
func (h *Hub) createSession(ctx context.Context, c *Conn) {
	sid := uuid.NewString()
	tok, err := h.tokens.Mint(sid, c.ID(), c.SessionMetadata(), h.recovery.TTL)
	if err != nil {
		logging.Error(ctx, "Failed to mint session token", zap.Error(err))
		return
	}
	c.assignSession(sid, h.clock.Now())
	h.registry.indexSession(sid, c)

	ctx = logging.WithSession(ctx, sid)
	logging.Info(ctx, "Session created")
	metrics.SessionEvents.WithLabelValues("created").Inc()
	h.bus.Publish(ctx, events.TopicSessionCreated, SessionChange{Conn: c, Token: tok})
	if err := c.Emit(events.TopicSessionCreated, sessionCreatedPayload{
		Token: tok,
		TTL:   h.recovery.TTL.Milliseconds(),
	}); err != nil {
		logging.Warn(ctx, "Failed to push session token", zap.Error(err))
	}
}

// message decodes one frame and routes it. The decoded message is offered
// to bus listeners keyed by its kind before dispatch; a cancelled offer
// suppresses dispatch.
func (h *Hub) message(t Transport, data []byte, binary bool) {
	c := h.registry.get(t)
	if c == nil {
		logging.Warn(context.Background(), "Frame from unknown transport")
		metrics.MessagesTotal.WithLabelValues("unknown", "orphaned").Inc()
		return
	}

	ctx := logging.WithConnection(context.Background(), c.ID())
	if sid := c.SessionID(); sid != "" {
		ctx = logging.WithSession(ctx, sid)
	}

	msg, err := protocol.Decode(data, binary, h.parseMode)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid", "parse_error").Inc()
		logging.Warn(ctx, "Rejecting unparseable frame", zap.Error(err))
		h.bus.Publish(ctx, events.TopicProtocolError, ProtocolErrorEvent{
			Conn: c, Err: err, Raw: data, Binary: binary,
		})
		return
	}

	kind := string(msg.Kind)
	if !h.bus.Publish(ctx, kind, InboundMessage{Conn: c, Message: msg}) {
		metrics.MessagesTotal.WithLabelValues(kind, "cancelled").Inc()
		return
	}

	c.handleIncoming(ctx, msg)
	metrics.MessagesTotal.WithLabelValues(kind, "ok").Inc()
}

// disconnect tears down the connection bound to t. With recovery enabled
// and a session assigned, the connection parks in the registry with its
// user data, subscriptions and pending requests intact; otherwise it is
// fully torn down. Either way the disconnection is announced exactly once.
func (h *Hub) disconnect(t Transport, code int, reason string) {
	t.Close(code, reason)

	c := h.registry.get(t)
	if c == nil {
		return
	}
	if !c.beginClose(t) {
		return
	}

	ctx := logging.WithConnection(context.Background(), c.ID())
	sid := c.SessionID()
	if sid != "" {
		ctx = logging.WithSession(ctx, sid)
	}

	if h.tokens != nil && sid != "" {
		if h.registry.markDisconnected(t) == nil {
			// A recovery rebound the connection between the state
			// transition and the park; the new transport owns it now.
			return
		}
		c.finishClose(t)
		logging.Info(ctx, "Connection parked for recovery",
			zap.Int("code", code), zap.String("reason", reason))
	} else {
		c.rejectAllPending(ErrConnectionClosed)
		h.broker.Cleanup(c)
		c.clearUserData()
		c.finishClose(t)
		h.registry.remove(c, t)
		logging.Info(ctx, "Connection closed",
			zap.Int("code", code), zap.String("reason", reason))
	}

	h.bus.Publish(ctx, events.TopicDisconnection, DisconnectionEvent{Conn: c, Code: code, Reason: reason})
}

// pong feeds a transport pong to its connection.
func (h *Hub) pong(t Transport) {
	if c := h.registry.get(t); c != nil {
		c.handlePong()
	}
}

// finalizeExpired releases the resources of a session the sweep reclaimed.
func (h *Hub) finalizeExpired(c *Conn) {
	if c.health != nil {
		c.health.stop()
	}
	c.rejectAllPending(ErrConnectionClosed)
	h.broker.Cleanup(c)
	c.clearUserData()
}
