package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/helios-rt/helios/internal/v1/events"
	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
)

// Health check defaults.
const (
	DefaultHealthInterval  = 30 * time.Second
	DefaultHealthTimeout   = 10 * time.Second
	DefaultHealthMaxMissed = 2

	// manualPingTimeout bounds coordinator-initiated pings.
	manualPingTimeout = 10 * time.Second
)

// HealthConfig controls the per-connection ping/pong loop.
type HealthConfig struct {
	Enabled   bool
	Interval  time.Duration
	Timeout   time.Duration
	MaxMissed int
}

// withDefaults fills unset fields with the documented defaults.
func (c HealthConfig) withDefaults() HealthConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultHealthInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultHealthTimeout
	}
	if c.MaxMissed < 1 {
		c.MaxMissed = DefaultHealthMaxMissed
	}
	return c
}

// HealthStats is a read-only snapshot of one connection's ping/pong state.
type HealthStats struct {
	Enabled     bool
	Running     bool
	LastPingAt  time.Time
	LastPongAt  time.Time
	MissedPongs int
}

// healthMonitor runs the ping/pong loop for one connection. Each transport
// generation gets a fresh generation number; timers from an old generation
// check it and fall through, so rapid start/stop cycles leave no live
// timers behind.
type healthMonitor struct {
	conn  *Conn
	cfg   HealthConfig
	clock clock.WithTickerAndDelayedExecution
	bus   *events.Bus

	mu         sync.Mutex
	running    bool
	generation uint64
	stopCh     chan struct{}
	timeout    clock.Timer
	lastPingAt time.Time
	lastPongAt time.Time
	missed     int
}

func newHealthMonitor(c *Conn, cfg HealthConfig, clk clock.WithTickerAndDelayedExecution, bus *events.Bus) *healthMonitor {
	return &healthMonitor{
		conn:  c,
		cfg:   cfg.withDefaults(),
		clock: clk,
		bus:   bus,
	}
}

// start launches the repeating ping loop with cleared counters.
func (m *healthMonitor) start() {
	now := m.clock.Now()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.generation++
	gen := m.generation
	m.missed = 0
	m.lastPingAt = time.Time{}
	m.lastPongAt = now
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	m.mu.Unlock()

	ticker := m.clock.NewTicker(m.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C():
				m.tick(gen)
			}
		}
	}()
}

// tick runs one health check cycle: terminate the connection once too
// many pongs have been missed, otherwise ping and arm the pong deadline.
func (m *healthMonitor) tick(gen uint64) {
	c := m.conn
	if !c.writable() {
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	missed := m.missed
	m.mu.Unlock()

	if missed >= m.cfg.MaxMissed {
		ctx := logging.WithConnection(context.Background(), c.id)
		logging.Warn(ctx, "Ping timeout, closing connection", zap.Int("missed_pongs", missed))
		metrics.PingTimeouts.Inc()
		m.bus.Publish(ctx, events.TopicPingTimeout, PingTimeoutEvent{Conn: c})
		c.closeTransport(websocket.CloseNormalClosure, "Ping timeout")
		m.stop()
		return
	}

	now := m.clock.Now()
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.lastPingAt = now
	m.mu.Unlock()

	if !c.sendPing() {
		return
	}

	t := m.clock.AfterFunc(m.cfg.Timeout, func() { m.onPingDeadline(gen) })
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		t.Stop()
		return
	}
	if m.timeout != nil {
		m.timeout.Stop()
	}
	m.timeout = t
	m.mu.Unlock()
}

// onPingDeadline fires when a ping's pong window closes. A pong that raced
// in first makes it a no-op.
func (m *healthMonitor) onPingDeadline(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.timeout = nil
	if !m.lastPongAt.Before(m.lastPingAt) {
		m.mu.Unlock()
		return
	}
	m.missed++
	missed := m.missed
	m.mu.Unlock()

	metrics.PingsMissed.Inc()
	ctx := logging.WithConnection(context.Background(), m.conn.id)
	logging.Warn(ctx, "Ping missed", zap.Int("missed_pongs", missed))
	m.bus.Publish(ctx, events.TopicPingMissed, PingMissedEvent{Conn: m.conn, Missed: missed})
}

// pong records a pong from the peer, clears the missed counter, and cancels
// the armed deadline.
func (m *healthMonitor) pong() {
	now := m.clock.Now()

	m.mu.Lock()
	m.lastPongAt = now
	m.missed = 0
	hadPing := !m.lastPingAt.IsZero()
	var latency time.Duration
	if hadPing {
		latency = now.Sub(m.lastPingAt)
	}
	if m.timeout != nil {
		m.timeout.Stop()
		m.timeout = nil
	}
	m.mu.Unlock()

	if !hadPing {
		return
	}
	metrics.PongLatency.Observe(latency.Seconds())
	ctx := logging.WithConnection(context.Background(), m.conn.id)
	m.bus.Publish(ctx, events.TopicPongReceived, PongEvent{Conn: m.conn, Latency: latency})
}

// stop halts the loop and cancels the armed deadline. Stopping twice is a
// no-op; in-flight timers from the stopped generation fall through.
func (m *healthMonitor) stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.generation++
	if m.timeout != nil {
		m.timeout.Stop()
		m.timeout = nil
	}
	stopCh := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()

	close(stopCh)
}

func (m *healthMonitor) snapshot() HealthStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return HealthStats{
		Enabled:     true,
		Running:     m.running,
		LastPingAt:  m.lastPingAt,
		LastPongAt:  m.lastPongAt,
		MissedPongs: m.missed,
	}
}

// Ping measures one round trip to the client. It installs a one-shot pong
// waiter, sends a ping frame, and waits for the pong, the deadline, or ctx.
func (h *Hub) Ping(ctx context.Context, c *Conn) (time.Duration, error) {
	ch := c.addPongWaiter()
	start := h.clock.Now()
	if !c.sendPing() {
		c.removePongWaiter(ch)
		return 0, ErrConnectionClosed
	}

	timer := h.clock.NewTimer(manualPingTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return h.clock.Now().Sub(start), nil
	case <-timer.C():
		c.removePongWaiter(ch)
		return 0, ErrPingTimeout
	case <-ctx.Done():
		c.removePongWaiter(ch)
		return 0, ctx.Err()
	}
}
