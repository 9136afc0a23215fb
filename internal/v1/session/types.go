package session

import (
	"time"

	"github.com/helios-rt/helios/internal/v1/protocol"
	"github.com/helios-rt/helios/internal/v1/token"
)

// Bus payloads. Handlers subscribed through Hub.Events receive these as
// the event payload for the matching topic.

// ConnectionEvent announces a newly opened connection.
type ConnectionEvent struct {
	Conn *Conn
}

// DisconnectionEvent announces a connection that finished closing, with
// the close code and reason the transport reported.
type DisconnectionEvent struct {
	Conn   *Conn
	Code   int
	Reason string
}

// SessionChange carries session creation, recovery, and refresh
// announcements. Token holds the newly minted token for created and
// refreshed sessions; Session holds the verified claims on recovery.
type SessionChange struct {
	Conn    *Conn
	Token   string
	Session *token.Session
}

// RecoveryFailure reports a recovery attempt that fell through to a
// fresh session, with the reason the presented token was rejected.
type RecoveryFailure struct {
	Conn   *Conn
	Reason string
}

// SessionExpiredEvent reports a recoverable session reclaimed by the
// sweep after its TTL ran out without a reconnect.
type SessionExpiredEvent struct {
	Conn      *Conn
	SessionID string
}

// PingMissedEvent reports a health-check ping that saw no pong before
// its deadline. Missed is the consecutive miss count including this one.
type PingMissedEvent struct {
	Conn   *Conn
	Missed int
}

// PongEvent reports a pong answering the most recent health-check ping.
type PongEvent struct {
	Conn    *Conn
	Latency time.Duration
}

// PingTimeoutEvent reports a connection closed for exceeding the
// allowed consecutive missed pongs.
type PingTimeoutEvent struct {
	Conn *Conn
}

// InboundMessage is published before a decoded message is dispatched.
// Cancelling the event suppresses dispatch entirely.
type InboundMessage struct {
	Conn    *Conn
	Message *protocol.Message
}

// ProtocolErrorEvent reports a frame the strict parse mode rejected. Raw
// carries the offending bytes; the connection stays open, so a listener
// that wants a harder policy can close it.
type ProtocolErrorEvent struct {
	Conn   *Conn
	Err    error
	Raw    []byte
	Binary bool
}

// Wire payloads for the session lifecycle events pushed to clients.

type sessionCreatedPayload struct {
	Token string `json:"token"`
	TTL   int64  `json:"ttl"`
}

type sessionRecoveredPayload struct {
	SessionID string         `json:"sessionId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type recoveryFailedPayload struct {
	Reason string `json:"reason"`
}

type sessionRefreshedPayload struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}
