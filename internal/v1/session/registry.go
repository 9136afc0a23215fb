package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/helios-rt/helios/internal/v1/events"
	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
)

// Session recovery failures.
var (
	ErrSessionUnknown = errors.New("no recoverable session")
	ErrSessionExpired = errors.New("session has expired")
)

// disconnectedEntry retains a connection whose transport dropped but whose
// session TTL has not yet elapsed.
type disconnectedEntry struct {
	conn      *Conn
	expiresAt time.Time
}

// Registry owns every connection. It maps live transports and active
// session ids to their connections, and parks recoverable connections in
// the disconnected set until they reconnect or their TTL runs out. All
// index mutations happen under one mutex, so an entry is never observable
// in one index but missing from its pair.
type Registry struct {
	deps  connDeps
	ttl   time.Duration
	sweep time.Duration
	clock clock.WithTickerAndDelayedExecution
	bus   *events.Bus

	// onExpire runs final cleanup for a reclaimed session. The hub owns
	// the cross-references to the broker, so it installs this callback.
	onExpire func(*Conn)

	mu           sync.RWMutex
	byTransport  map[Transport]*Conn
	bySession    map[string]*Conn
	byID         map[string]*Conn
	disconnected map[string]disconnectedEntry

	sweepMu   sync.Mutex
	sweepStop chan struct{}
}

func newRegistry(ttl, sweepInterval time.Duration, deps connDeps) *Registry {
	return &Registry{
		deps:         deps,
		ttl:          ttl,
		sweep:        sweepInterval,
		clock:        deps.clock,
		bus:          deps.bus,
		byTransport:  make(map[Transport]*Conn),
		bySession:    make(map[string]*Conn),
		byID:         make(map[string]*Conn),
		disconnected: make(map[string]disconnectedEntry),
	}
}

// New constructs a fresh connection, indexes it under its transport, and
// announces it on the bus.
func (r *Registry) New(t Transport) *Conn {
	c := newConn(uuid.NewString(), t, r.deps)
	c.registry = r

	r.mu.Lock()
	r.byTransport[t] = c
	r.byID[c.id] = c
	r.mu.Unlock()

	ctx := logging.WithConnection(context.Background(), c.id)
	logging.Info(ctx, "Connection opened", zap.String("remote_addr", t.RemoteAddr()))
	r.bus.Publish(ctx, events.TopicConnection, ConnectionEvent{Conn: c})
	return c
}

// get resolves a transport handle to its connection.
func (r *Registry) get(t Transport) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTransport[t]
}

// Lookup returns the connection with the given id, live or recoverable.
func (r *Registry) Lookup(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// contains reports whether the registry still owns c. Request deadlines
// consult it so a timeout never fires for a connection the close path has
// already reclaimed.
func (r *Registry) contains(c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[c.id] == c
}

// indexSession records a freshly minted session id for an active
// connection.
func (r *Registry) indexSession(sessionID string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = c
}

// FindBySession returns the connection for sessionID: the active one if a
// transport is bound, else a disconnected one with time left on its TTL.
func (r *Registry) FindBySession(sessionID string) *Conn {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.bySession[sessionID]; ok {
		return c
	}
	if e, ok := r.disconnected[sessionID]; ok && e.expiresAt.After(now) {
		return e.conn
	}
	return nil
}

// reconnect rebinds the session's connection to a new transport. A still
// indexed old transport is displaced and closed; the connection reopens
// with its state intact and its health loop restarted.
func (r *Registry) reconnect(sessionID string, t Transport) (*Conn, error) {
	now := r.clock.Now()

	r.mu.Lock()
	var c *Conn
	if active, ok := r.bySession[sessionID]; ok {
		c = active
	} else if e, ok := r.disconnected[sessionID]; ok {
		if !e.expiresAt.After(now) {
			r.mu.Unlock()
			return nil, ErrSessionExpired
		}
		c = e.conn
		delete(r.disconnected, sessionID)
	} else {
		r.mu.Unlock()
		return nil, ErrSessionUnknown
	}

	var displaced Transport
	if old := c.transportHandle(); old != nil {
		if r.byTransport[old] == c {
			delete(r.byTransport, old)
		}
		if old != t {
			displaced = old
		}
	}
	r.byTransport[t] = c
	r.bySession[sessionID] = c
	recoverable := len(r.disconnected)
	r.mu.Unlock()

	metrics.RecoverableSessions.Set(float64(recoverable))
	c.reconnect(t)
	if displaced != nil {
		displaced.Close(websocket.CloseNormalClosure, "Connection replaced")
	}
	return c, nil
}

// markDisconnected parks a closing connection in the recoverable set. It
// is a no-op for connections without a session; those are not recoverable
// and must be fully torn down instead.
func (r *Registry) markDisconnected(t Transport) *Conn {
	now := r.clock.Now()

	r.mu.Lock()
	c, ok := r.byTransport[t]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	sid := c.SessionID()
	if sid == "" {
		r.mu.Unlock()
		return nil
	}
	delete(r.byTransport, t)
	delete(r.bySession, sid)
	r.disconnected[sid] = disconnectedEntry{conn: c, expiresAt: now.Add(r.ttl)}
	recoverable := len(r.disconnected)
	r.mu.Unlock()

	metrics.RecoverableSessions.Set(float64(recoverable))
	return c
}

// remove drops a connection from every index.
func (r *Registry) remove(c *Conn, t Transport) {
	r.mu.Lock()
	if t != nil && r.byTransport[t] == c {
		delete(r.byTransport, t)
	}
	if sid := c.SessionID(); sid != "" {
		if r.bySession[sid] == c {
			delete(r.bySession, sid)
		}
		if e, ok := r.disconnected[sid]; ok && e.conn == c {
			delete(r.disconnected, sid)
		}
	}
	delete(r.byID, c.id)
	recoverable := len(r.disconnected)
	r.mu.Unlock()

	metrics.RecoverableSessions.Set(float64(recoverable))
}

// startSweep launches the periodic reclaim of expired recoverable
// sessions. Starting twice is a no-op.
func (r *Registry) startSweep() {
	if r.sweep <= 0 {
		return
	}
	r.sweepMu.Lock()
	if r.sweepStop != nil {
		r.sweepMu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	r.sweepStop = stopCh
	r.sweepMu.Unlock()

	ticker := r.clock.NewTicker(r.sweep)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C():
				r.sweepExpired()
			}
		}
	}()
}

func (r *Registry) stopSweep() {
	r.sweepMu.Lock()
	stopCh := r.sweepStop
	r.sweepStop = nil
	r.sweepMu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
}

// sweepExpired reclaims every disconnected entry whose TTL elapsed. The
// expired connections are collected under the lock and finalized outside
// it so cleanup never blocks incoming traffic.
func (r *Registry) sweepExpired() {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*Conn
	for sid, e := range r.disconnected {
		if e.expiresAt.After(now) {
			continue
		}
		delete(r.disconnected, sid)
		delete(r.byID, e.conn.id)
		expired = append(expired, e.conn)
	}
	recoverable := len(r.disconnected)
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	metrics.RecoverableSessions.Set(float64(recoverable))
	for _, c := range expired {
		sid := c.SessionID()
		ctx := logging.WithSession(logging.WithConnection(context.Background(), c.id), sid)
		logging.Info(ctx, "Recoverable session expired")
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		r.bus.Publish(ctx, events.TopicSessionExpired, SessionExpiredEvent{Conn: c, SessionID: sid})
		if r.onExpire != nil {
			r.onExpire(c)
		}
	}
}

// RegistryStats reports registry occupancy for readiness and
// introspection.
type RegistryStats struct {
	Active      int `json:"active"`
	Recoverable int `json:"recoverable"`
}

// Snapshot returns current registry counters.
func (r *Registry) Snapshot() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Active:      len(r.byTransport),
		Recoverable: len(r.disconnected),
	}
}

// Active returns the connections currently bound to a live transport.
func (r *Registry) Active() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byTransport))
	for _, c := range r.byTransport {
		conns = append(conns, c)
	}
	return conns
}
