// Package events is the in-process server-side event bus. Lifecycle and
// messaging signals (connection, disconnection, session and room changes,
// pre-dispatch interception) are published here for application listeners.
// It is distinct from wire-level events: publishing on this bus never
// writes to a client socket.
package events

import (
	"context"
	"sync"

	"github.com/helios-rt/helios/internal/v1/logging"
	"go.uber.org/zap"
)

// Bus topics published by the server core.
const (
	TopicConnection      = "connection"
	TopicDisconnection   = "disconnection"
	TopicSessionCreated  = "session:created"
	TopicSessionRecover  = "session:recovered"
	TopicSessionFailed   = "session:recovery-failed"
	TopicSessionRefresh  = "session:refreshed"
	TopicSessionExpired  = "session:expired"
	TopicRoomSubscribe   = "room:subscribed"
	TopicRoomUnsubscribe = "room:unsubscribed"
	TopicPingMissed      = "ping-missed"
	TopicPongReceived    = "pong-received"
	TopicPingTimeout     = "ping-timeout"
	TopicProtocolError   = "protocol-error"
)

// Event carries one bus signal to its handlers. Handlers run synchronously
// in subscription order; a handler may Cancel the event to veto the action
// the publisher is about to take (used by pre-dispatch interception).
type Event struct {
	Topic     string
	Payload   any
	cancelled bool
}

// Cancel marks the event cancelled. Remaining handlers are skipped.
func (e *Event) Cancel() {
	e.cancelled = true
}

// Cancelled reports whether a handler cancelled the event.
func (e *Event) Cancelled() bool {
	return e.cancelled
}

// Handler consumes one published event.
type Handler func(ctx context.Context, e *Event)

// Bus is a synchronous topic-keyed dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
	nextID   int
}

type subscription struct {
	id int
	fn Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]*subscription)}
}

// Subscribe registers h for topic and returns a function that removes the
// registration. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, fn: h}
	b.handlers[topic] = append(b.handlers[topic], sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s.id == id {
				b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.handlers[topic]) == 0 {
			delete(b.handlers, topic)
		}
	}
}

// Publish delivers payload to every handler subscribed to topic, in
// subscription order, and reports whether the event survived uncancelled.
// Handler panics are contained so a listener cannot take down the data
// plane.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) bool {
	b.mu.RLock()
	registered := b.handlers[topic]
	subs := make([]*subscription, len(registered))
	copy(subs, registered)
	b.mu.RUnlock()

	e := &Event{Topic: topic, Payload: payload}
	for _, s := range subs {
		b.invoke(ctx, s, e)
		if e.cancelled {
			break
		}
	}
	return !e.cancelled
}

func (b *Bus) invoke(ctx context.Context, s *subscription, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Event handler panicked", zap.String("topic", e.Topic), zap.Any("panic", r))
		}
	}()
	s.fn(ctx, e)
}
