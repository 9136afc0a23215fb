package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime messaging server.
//
// Naming convention: namespace_subsystem_name
// - namespace: helios (application-level grouping)
// - subsystem: websocket, session, room (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, recoverable sessions, rooms)
// - Counter: cumulative events (messages, broadcasts, pings missed)
// - Histogram: distributions (round trips, fan-out size, pong latency)

var (
	// ActiveConnections tracks the current number of open WebSocket connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "helios",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// MessagesTotal counts processed wire messages by kind and outcome
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total wire messages processed",
	}, []string{"kind", "status"})

	// SendsDropped counts outbound messages dropped because a socket buffer
	// was full or the socket was closed
	SendsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "websocket",
		Name:      "sends_dropped_total",
		Help:      "Outbound messages dropped due to closed or saturated sockets",
	})

	// UpgradeRejects counts upgrade requests refused before the handshake
	// (rate_limited, bad_origin)
	UpgradeRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "websocket",
		Name:      "upgrade_rejects_total",
		Help:      "WebSocket upgrade requests rejected before the handshake",
	}, []string{"reason"})

	// RequestRoundTrip tracks server-initiated request/response round trips
	RequestRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "helios",
		Subsystem: "websocket",
		Name:      "request_roundtrip_seconds",
		Help:      "Round trip time of server-initiated requests",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// PingsMissed counts health-check pings that saw no pong inside the timeout
	PingsMissed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "websocket",
		Name:      "pings_missed_total",
		Help:      "Health-check pings with no pong inside the timeout",
	})

	// PingTimeouts counts connections closed by the health check
	PingTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "websocket",
		Name:      "ping_timeouts_total",
		Help:      "Connections terminated after exceeding max missed pongs",
	})

	// PongLatency tracks observed ping/pong round trip time
	PongLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "helios",
		Subsystem: "websocket",
		Name:      "pong_latency_seconds",
		Help:      "Observed ping to pong latency",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RecoverableSessions tracks disconnected sessions still inside their TTL
	RecoverableSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "helios",
		Subsystem: "session",
		Name:      "recoverable_total",
		Help:      "Disconnected sessions still recoverable",
	})

	// SessionEvents counts session lifecycle outcomes
	// (created, recovered, recovery_failed, refreshed, expired)
	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "session",
		Name:      "events_total",
		Help:      "Session lifecycle events",
	}, []string{"event"})

	// DeclaredRooms tracks the number of declared room patterns
	DeclaredRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "helios",
		Subsystem: "room",
		Name:      "declared_total",
		Help:      "Declared rooms (public topics plus protected patterns)",
	})

	// ActiveSubscriptions tracks live (connection, topic) pairs
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "helios",
		Subsystem: "room",
		Name:      "subscriptions_active",
		Help:      "Current (connection, topic) subscription pairs",
	})

	// SubscribeAttempts counts subscription attempts by outcome
	// (ok, undeclared, denied, validator_error)
	SubscribeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "room",
		Name:      "subscribe_attempts_total",
		Help:      "Subscription attempts by outcome",
	}, []string{"status"})

	// BroadcastsTotal counts broker broadcasts
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helios",
		Subsystem: "room",
		Name:      "broadcasts_total",
		Help:      "Total broadcasts fanned out by the broker",
	})

	// BroadcastFanout tracks the number of targets per broadcast
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "helios",
		Subsystem: "room",
		Name:      "broadcast_fanout",
		Help:      "Targets per broadcast",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
