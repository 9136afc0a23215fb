// Package session implements the connection lifecycle core: the Connection
// and its pending-request tracker, the Registry with session recovery, the
// ping/pong health check, and the Hub that wires transport events into all
// of them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"

	"github.com/helios-rt/helios/internal/v1/events"
	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
	"github.com/helios-rt/helios/internal/v1/protocol"
)

// Transport is the session layer's view of one underlying socket. The
// WebSocket adapter's Socket satisfies it; tests substitute fakes. A
// Transport value is the registry key for exactly one connection at a time.
type Transport interface {
	Send(data []byte, binary bool) bool
	Ping(payload []byte) bool
	Close(code int, reason string)
	Writable() bool
	RemoteAddr() string
}

// State tracks a connection within one transport generation. It moves
// OPEN to CLOSING to CLOSED; a successful session recovery resets a
// CLOSED connection back to OPEN on a new transport.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinel errors for operations on connections.
var (
	// ErrConnectionClosed reports an operation attempted on a non-open
	// connection, or a pending request rejected because its connection
	// closed.
	ErrConnectionClosed = errors.New("connection is not open")
	// ErrRequestTimeout reports a request that saw no response inside its
	// deadline.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrPingTimeout reports a manual ping that saw no pong inside its
	// deadline.
	ErrPingTimeout = errors.New("ping timed out")
	// ErrNotWritable reports a transport that refused the write, either
	// because it is closing or because its buffer is full.
	ErrNotWritable = errors.New("transport rejected the write")
)

// connDeps carries the collaborators every connection is built with.
type connDeps struct {
	clock          clock.WithTickerAndDelayedExecution
	bus            *events.Bus
	dispatch       *Dispatcher
	requestTimeout time.Duration
	sessionTTL     time.Duration
	health         HealthConfig
}

// Conn is the unit of client identity. Its id never changes; its transport,
// state and health counters change per transport generation; userData,
// subscriptions and pending requests survive a session recovery.
type Conn struct {
	id string

	registry *Registry
	dispatch *Dispatcher
	bus      *events.Bus
	clock    clock.WithTickerAndDelayedExecution

	requestTimeout time.Duration
	sessionTTL     time.Duration

	mu          sync.RWMutex
	state       State
	transport   Transport
	sessionID   string
	sessionMeta map[string]any
	lastRefresh time.Time
	userData    map[string]any
	topics      set.Set[string]
	pending     map[string]*pendingRequest
	pongWaiters []chan struct{}

	health *healthMonitor
}

func newConn(id string, t Transport, d connDeps) *Conn {
	c := &Conn{
		id:             id,
		dispatch:       d.dispatch,
		bus:            d.bus,
		clock:          d.clock,
		requestTimeout: d.requestTimeout,
		sessionTTL:     d.sessionTTL,
		state:          StateOpen,
		transport:      t,
		userData:       make(map[string]any),
		topics:         set.New[string](),
		pending:        make(map[string]*pendingRequest),
	}
	if d.health.Enabled {
		c.health = newHealthMonitor(c, d.health, d.clock, d.bus)
	}
	return c
}

// ID returns the stable connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// SessionID returns the recoverable session identifier, or "" when session
// recovery is disabled or no session has been created yet.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Open reports whether the connection accepts sends.
func (c *Conn) Open() bool {
	return c.State() == StateOpen
}

// RemoteAddr returns the peer address of the current transport, or "" while
// the connection is between transports.
func (c *Conn) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.transport == nil {
		return ""
	}
	return c.transport.RemoteAddr()
}

// SetUserData stores an application value on the connection. User data
// survives session recovery.
func (c *Conn) SetUserData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData[key] = value
}

// UserData returns the application value stored under key.
func (c *Conn) UserData(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.userData[key]
	return v, ok
}

// UserDataString returns the value under key when it is a string.
func (c *Conn) UserDataString(key string) (string, bool) {
	v, ok := c.UserData(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DeleteUserData removes the application value stored under key.
func (c *Conn) DeleteUserData(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.userData, key)
}

func (c *Conn) clearUserData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData = make(map[string]any)
}

// SetSessionMetadata replaces the metadata minted into future session
// tokens. It has no effect on tokens already issued.
func (c *Conn) SetSessionMetadata(meta map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionMeta = meta
}

// SessionMetadata returns the metadata carried by the session.
func (c *Conn) SessionMetadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionMeta
}

// Topics returns the concrete topics this connection is subscribed to,
// sorted. The set mirrors the broker's index so teardown and application
// code can enumerate without asking the broker.
func (c *Conn) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics.SortedList()
}

// TrackTopic records a broker-confirmed subscription on the connection.
func (c *Conn) TrackTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics.Insert(topic)
}

// UntrackTopic removes a subscription from the connection's mirror.
func (c *Conn) UntrackTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics.Delete(topic)
}

// CanRefreshToken reports whether a token refresh is allowed: a session
// exists and at least half the session TTL has passed since the last mint.
func (c *Conn) CanRefreshToken() bool {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID == "" {
		return false
	}
	return now.Sub(c.lastRefresh) >= c.sessionTTL/2
}

// TimeUntilRefreshAllowed returns how long until CanRefreshToken becomes
// true, or zero when a refresh is already allowed.
func (c *Conn) TimeUntilRefreshAllowed() time.Duration {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionID == "" {
		return 0
	}
	wait := c.sessionTTL/2 - now.Sub(c.lastRefresh)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// assignSession binds the session identifier. It is set at most once per
// connection lifetime; the mint timestamp starts the refresh rate limit.
func (c *Conn) assignSession(sessionID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return
	}
	c.sessionID = sessionID
	c.lastRefresh = now
}

func (c *Conn) markRefreshed(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRefresh = now
}

// SendMessage serializes an envelope and queues it on the transport. It
// fails fast with ErrConnectionClosed on a non-open connection and with
// ErrNotWritable when the transport refuses the frame; it never blocks.
func (c *Conn) SendMessage(m *protocol.Message) error {
	c.mu.RLock()
	state, t := c.state, c.transport
	c.mu.RUnlock()

	if state != StateOpen || t == nil {
		return ErrConnectionClosed
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if !t.Send(data, false) {
		return ErrNotWritable
	}
	return nil
}

// SendRaw queues raw bytes on the transport, bypassing the envelope.
func (c *Conn) SendRaw(data []byte, binary bool) error {
	c.mu.RLock()
	state, t := c.state, c.transport
	c.mu.RUnlock()

	if state != StateOpen || t == nil {
		return ErrConnectionClosed
	}
	if !t.Send(data, binary) {
		return ErrNotWritable
	}
	return nil
}

// Emit sends a wire-level event to this client. The payload is marshalled
// to JSON; json.RawMessage payloads pass through verbatim.
func (c *Conn) Emit(topic string, payload any) error {
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		return err
	}
	return c.SendMessage(protocol.NewEvent(topic, raw))
}

// SendEvent implements the broker's subscriber interface.
func (c *Conn) SendEvent(topic string, payload json.RawMessage) bool {
	return c.SendMessage(protocol.NewEvent(topic, payload)) == nil
}

// pendingRequest tracks one in-flight server-initiated request. The record
// is removed by exactly one of its completion paths; only the goroutine
// that removed it may complete the outcome channel.
type pendingRequest struct {
	id    string
	done  chan requestOutcome
	timer clock.Timer
}

type requestOutcome struct {
	msg *protocol.Message
	err error
}

func (p *pendingRequest) resolve(m *protocol.Message) {
	p.done <- requestOutcome{msg: m}
}

func (p *pendingRequest) fail(err error) {
	p.done <- requestOutcome{err: err}
}

func (p *pendingRequest) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Request sends a request to the client and blocks until the matching
// response arrives, the deadline passes, the context is cancelled, or the
// connection closes. A timeout of zero uses the hub's default. On a
// non-open connection it rejects synchronously with ErrConnectionClosed.
//
// The response arrives on the connection's read loop, so calling Request
// from a method or topic handler of the same connection deadlocks. Handlers
// that need a round trip must issue it from another goroutine.
func (c *Conn) Request(ctx context.Context, method string, payload any, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	raw, err := protocol.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	msg := protocol.NewRequest(method, raw)
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	start := c.clock.Now()

	c.mu.Lock()
	if c.state != StateOpen || c.transport == nil {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	t := c.transport
	p := &pendingRequest{id: msg.ID, done: make(chan requestOutcome, 1)}
	c.pending[msg.ID] = p
	p.timer = c.clock.AfterFunc(timeout, c.expireRequest(msg.ID))
	c.mu.Unlock()

	if !t.Send(data, false) {
		return c.abandonPending(p, ErrNotWritable)
	}

	select {
	case out := <-p.done:
		if out.err != nil {
			return nil, out.err
		}
		metrics.RequestRoundTrip.Observe(c.clock.Now().Sub(start).Seconds())
		return out.msg, nil
	case <-ctx.Done():
		return c.abandonPending(p, ctx.Err())
	}
}

// expireRequest is the deadline path. It fires only while the connection is
// still owned by the registry; after removal the close path owns rejection.
func (c *Conn) expireRequest(id string) func() {
	return func() {
		if c.registry != nil && !c.registry.contains(c) {
			return
		}
		if p := c.takePending(id); p != nil {
			p.fail(ErrRequestTimeout)
		}
	}
}

// takePending removes and returns the pending record for id. Removal is
// idempotent: late timers and duplicate responses get nil.
func (c *Conn) takePending(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// abandonPending withdraws the caller's own pending record with err. When
// another path already completed the record, that outcome wins.
func (c *Conn) abandonPending(p *pendingRequest, err error) (*protocol.Message, error) {
	if q := c.takePending(p.id); q != nil {
		q.stopTimer()
		return nil, err
	}
	out := <-p.done
	if out.err != nil {
		return nil, out.err
	}
	return out.msg, nil
}

// resolvePending completes a waiter with the client's response.
func (c *Conn) resolvePending(requestID string, msg *protocol.Message) bool {
	p := c.takePending(requestID)
	if p == nil {
		return false
	}
	p.stopTimer()
	p.resolve(msg)
	return true
}

// rejectAllPending cancels every pending timer, clears the map, and rejects
// each waiter with err. Timers are stopped before the waiters are rejected
// so a late deadline cannot touch the cleared map.
func (c *Conn) rejectAllPending(err error) {
	c.mu.Lock()
	taken := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		taken = append(taken, p)
	}
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range taken {
		p.stopTimer()
	}
	for _, p := range taken {
		p.fail(err)
	}
}

func (c *Conn) pendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// handleIncoming routes one parsed message by kind. It runs on the
// connection's read loop, so effects for one connection stay in the order
// the transport delivered them.
func (c *Conn) handleIncoming(ctx context.Context, msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindRequest:
		resp := c.dispatch.dispatchRequest(ctx, c, msg)
		if err := c.SendMessage(resp); err != nil {
			logging.Warn(ctx, "Failed to send response",
				zap.String("method", msg.Method), zap.Error(err))
		}
	case protocol.KindResponse:
		if c.State() != StateOpen {
			logging.Warn(ctx, "Dropping response on closed connection",
				zap.String("request_id", msg.RequestID))
			return
		}
		if !c.resolvePending(msg.RequestID, msg) {
			logging.Warn(ctx, "Response without a pending request",
				zap.String("request_id", msg.RequestID))
		}
	case protocol.KindEvent:
		c.dispatch.dispatchEvent(ctx, c, msg)
	}
}

// handlePong feeds the health monitor and releases manual ping waiters.
func (c *Conn) handlePong() {
	if c.health != nil {
		c.health.pong()
	}
	c.notifyPongWaiters()
}

func (c *Conn) addPongWaiter() chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongWaiters = append(c.pongWaiters, ch)
	return ch
}

func (c *Conn) removePongWaiter(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.pongWaiters {
		if w == ch {
			c.pongWaiters = append(c.pongWaiters[:i:i], c.pongWaiters[i+1:]...)
			return
		}
	}
}

// notifyPongWaiters fires every registered one-shot waiter once.
func (c *Conn) notifyPongWaiters() {
	c.mu.Lock()
	waiters := c.pongWaiters
	c.pongWaiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// sendPing queues a ping control frame on the current transport.
func (c *Conn) sendPing() bool {
	c.mu.RLock()
	state, t := c.state, c.transport
	c.mu.RUnlock()
	if state != StateOpen || t == nil {
		return false
	}
	return t.Ping(nil)
}

// writable reports whether the current transport accepts frames.
func (c *Conn) writable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateOpen && c.transport != nil && c.transport.Writable()
}

// closeTransport asks the current transport to shut down with the given
// close frame. Teardown then arrives through the transport's close event.
func (c *Conn) closeTransport(code int, reason string) {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t != nil {
		t.Close(code, reason)
	}
}

// transportHandle returns the current transport, or nil between transports.
func (c *Conn) transportHandle() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// beginClose transitions OPEN to CLOSING and stops the health check, but
// only while t is still the bound transport. It returns false when another
// path already owns the close or a recovery rebound the connection to a
// newer transport, in which case the close event belongs to a dead
// generation and must not touch the connection. The health stop happens
// under the same lock hold as the state change so it cannot interleave
// with a reconnect restarting the loop.
func (c *Conn) beginClose(t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.transport != t {
		return false
	}
	c.state = StateClosing
	if c.health != nil {
		c.health.stop()
	}
	return true
}

// finishClose transitions to CLOSED and detaches t. A reconnect that won
// the race and bound a newer transport makes it a no-op.
func (c *Conn) finishClose(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != t {
		return
	}
	c.state = StateClosed
	c.transport = nil
}

// reconnect swaps in a fresh transport and reopens the connection. User
// data, subscriptions and pending requests are untouched; health counters
// reset and the health loop restarts. The restart happens under the same
// lock hold as the rebind so a racing close of the old transport observes
// either the old generation or the new one, never a mix.
func (c *Conn) reconnect(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
	c.state = StateOpen
	if c.health != nil {
		c.health.stop()
		c.health.start()
	}
}

// startHealth begins the ping/pong loop for a fresh connection.
func (c *Conn) startHealth() {
	if c.health != nil {
		c.health.start()
	}
}

// Health returns a snapshot of the ping/pong counters.
func (c *Conn) Health() HealthStats {
	if c.health == nil {
		return HealthStats{}
	}
	return c.health.snapshot()
}
