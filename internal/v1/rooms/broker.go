// Package rooms implements the room broker: pattern declarations,
// validator-gated subscription, the paired subscription indexes, and
// broadcast fan-out.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/helios-rt/helios/internal/v1/events"
	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
	"github.com/helios-rt/helios/internal/v1/protocol"
)

// Kind classifies a room declaration.
type Kind string

const (
	KindPublic    Kind = "public"
	KindProtected Kind = "protected"
)

// Declaration validation errors.
var (
	ErrEmptyPattern     = errors.New("room pattern must be a non-empty string")
	ErrPublicWildcard   = errors.New("public rooms cannot contain wildcard characters")
	ErrMissingValidator = errors.New("protected rooms require a validator")
)

// Subscription failure messages returned as structured results.
const (
	ReasonUndeclared     = "Room not declared (deny by default)"
	ReasonDenied         = "Permission denied"
	ReasonValidatorError = "Validator error"
)

// Subscriber is the view of a connection the broker needs. TrackTopic and
// UntrackTopic maintain the connection-side mirror of the broker's
// byConnection index so applications can enumerate a connection's topics
// without asking the broker.
type Subscriber interface {
	ID() string
	Open() bool
	SendEvent(topic string, payload json.RawMessage) bool
	TrackTopic(topic string)
	UntrackTopic(topic string)
}

// Validator gates subscription to a protected room. Captures come from the
// matched pattern in left-to-right wildcard order. Returning false denies;
// returning an error reports a validator failure (also a denial, surfaced
// differently).
type Validator func(ctx context.Context, sub Subscriber, captures []string, data json.RawMessage) (bool, error)

// Options configures a room declaration.
type Options struct {
	Kind      Kind
	Validator Validator
}

// SubscribeResult is the structured outcome of a subscription attempt.
type SubscribeResult struct {
	OK    bool   `json:"ok"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

// BroadcastResult reports broadcast fan-out: Targets counts deduplicated
// subscribers resolved for the topic or pattern, Sent counts successful
// enqueues to open connections.
type BroadcastResult struct {
	Targets int `json:"targets"`
	Sent    int `json:"sent"`
}

// SubscriptionChange is the bus payload for room:subscribed and
// room:unsubscribed.
type SubscriptionChange struct {
	Subscriber Subscriber
	Topic      string
}

type declaration struct {
	pattern     string
	validator   Validator
	specificity int
}

// Broker owns the room declarations and both subscription indexes. The two
// indexes are mutated together under one mutex: a (connection, topic) pair
// is in both or in neither.
type Broker struct {
	mu           sync.RWMutex
	public       set.Set[string]
	protected    []*declaration          // sorted by specificity desc, ties by declaration order
	subscribers  map[string]Subscriber   // connection id -> subscriber
	byConnection map[string]set.Set[string] // connection id -> topics
	byTopic      map[string]set.Set[string] // topic -> connection ids

	bus *events.Bus
}

// NewBroker returns an empty broker publishing room events on bus.
func NewBroker(bus *events.Bus) *Broker {
	return &Broker{
		public:       set.New[string](),
		subscribers:  make(map[string]Subscriber),
		byConnection: make(map[string]set.Set[string]),
		byTopic:      make(map[string]set.Set[string]),
		bus:          bus,
	}
}

// Declare registers a room. Public rooms are exact topics; protected rooms
// may be patterns and must carry a validator.
func (b *Broker) Declare(pattern string, opts Options) error {
	if pattern == "" {
		return ErrEmptyPattern
	}

	switch opts.Kind {
	case KindPublic:
		if strings.ContainsAny(pattern, "*+") {
			return ErrPublicWildcard
		}
		b.mu.Lock()
		b.public.Insert(pattern)
		b.updateDeclaredGauge()
		b.mu.Unlock()
	case KindProtected:
		if opts.Validator == nil {
			return ErrMissingValidator
		}
		b.mu.Lock()
		b.protected = append(b.protected, &declaration{
			pattern:     pattern,
			validator:   opts.Validator,
			specificity: protocol.Specificity(pattern),
		})
		sort.SliceStable(b.protected, func(i, j int) bool {
			return b.protected[i].specificity > b.protected[j].specificity
		})
		b.updateDeclaredGauge()
		b.mu.Unlock()
	default:
		return errors.New("room kind must be public or protected")
	}

	return nil
}

// resolved is the room configuration matched for a concrete topic.
type resolved struct {
	kind      Kind
	validator Validator
	captures  []string
}

// findConfig resolves the room configuration for a topic: exact public
// match first, then the most specific matching protected pattern.
func (b *Broker) findConfig(topic string) *resolved {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.public.Has(topic) {
		return &resolved{kind: KindPublic}
	}
	for _, d := range b.protected {
		if ok, caps := protocol.Match(topic, d.pattern); ok {
			return &resolved{kind: KindProtected, validator: d.validator, captures: caps}
		}
	}
	return nil
}

// Subscribe attempts to add sub to the room resolved for topic. Denials
// are data, not errors: the result carries the reason.
func (b *Broker) Subscribe(ctx context.Context, sub Subscriber, topic string, data json.RawMessage) SubscribeResult {
	cfg := b.findConfig(topic)
	if cfg == nil {
		metrics.SubscribeAttempts.WithLabelValues("undeclared").Inc()
		return SubscribeResult{OK: false, Topic: topic, Error: ReasonUndeclared}
	}

	if cfg.kind == KindProtected {
		// Validators may block; run outside the broker lock.
		allowed, err := b.runValidator(ctx, cfg.validator, sub, cfg.captures, data)
		if err != nil {
			logging.Warn(ctx, "Room validator failed",
				zap.String("topic", topic), zap.String("connection_id", sub.ID()), zap.Error(err))
			metrics.SubscribeAttempts.WithLabelValues("validator_error").Inc()
			return SubscribeResult{OK: false, Topic: topic, Error: ReasonValidatorError}
		}
		if !allowed {
			metrics.SubscribeAttempts.WithLabelValues("denied").Inc()
			return SubscribeResult{OK: false, Topic: topic, Error: ReasonDenied}
		}
	}

	b.mu.Lock()
	id := sub.ID()
	b.subscribers[id] = sub
	if b.byConnection[id] == nil {
		b.byConnection[id] = set.New[string]()
	}
	added := !b.byConnection[id].Has(topic)
	b.byConnection[id].Insert(topic)
	if b.byTopic[topic] == nil {
		b.byTopic[topic] = set.New[string]()
	}
	b.byTopic[topic].Insert(id)
	b.mu.Unlock()

	// A duplicate subscribe succeeds but changes nothing, so listeners
	// hear about the subscription exactly once.
	if added {
		sub.TrackTopic(topic)
		metrics.ActiveSubscriptions.Inc()
		metrics.SubscribeAttempts.WithLabelValues("ok").Inc()
		b.bus.Publish(ctx, events.TopicRoomSubscribe, SubscriptionChange{Subscriber: sub, Topic: topic})
	} else {
		metrics.SubscribeAttempts.WithLabelValues("duplicate").Inc()
	}

	return SubscribeResult{OK: true, Topic: topic}
}

// runValidator contains validator panics so a misbehaving application
// callback reads as a validator failure, not a crash.
func (b *Broker) runValidator(ctx context.Context, v Validator, sub Subscriber, captures []string, data json.RawMessage) (allowed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			allowed = false
			err = errors.New("validator panicked")
		}
	}()
	return v(ctx, sub, captures, data)
}

// Unsubscribe removes the (sub, topic) pair from both indexes and reports
// whether anything was removed. Empty sets are deleted to avoid leaks.
func (b *Broker) Unsubscribe(ctx context.Context, sub Subscriber, topic string) bool {
	b.mu.Lock()
	id := sub.ID()
	removed := false

	if topics, ok := b.byConnection[id]; ok && topics.Has(topic) {
		topics.Delete(topic)
		removed = true
		if topics.Len() == 0 {
			delete(b.byConnection, id)
			delete(b.subscribers, id)
		}
	}
	if conns, ok := b.byTopic[topic]; ok {
		conns.Delete(id)
		if conns.Len() == 0 {
			delete(b.byTopic, topic)
		}
	}
	b.mu.Unlock()

	if removed {
		sub.UntrackTopic(topic)
		metrics.ActiveSubscriptions.Dec()
		b.bus.Publish(ctx, events.TopicRoomUnsubscribe, SubscriptionChange{Subscriber: sub, Topic: topic})
	}
	return removed
}

// Broadcast sends an event to every subscriber resolved for topicOrPattern.
// The outgoing event topic is the broadcast argument verbatim, even when it
// is a pattern. Only open connections are sent to; Targets counts all
// resolved subscribers.
func (b *Broker) Broadcast(ctx context.Context, topicOrPattern string, data json.RawMessage) BroadcastResult {
	b.mu.RLock()
	ids := set.New[string]()
	if conns, ok := b.byTopic[topicOrPattern]; ok {
		ids = ids.Union(conns)
	}
	if protocol.IsPattern(topicOrPattern) {
		for id, topics := range b.byConnection {
			for _, t := range topics.UnsortedList() {
				if ok, _ := protocol.Match(t, topicOrPattern); ok {
					ids.Insert(id)
					break
				}
			}
		}
	}
	targets := make([]Subscriber, 0, ids.Len())
	for _, id := range ids.UnsortedList() {
		if sub, ok := b.subscribers[id]; ok {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	result := BroadcastResult{Targets: len(targets)}
	for _, sub := range targets {
		if !sub.Open() {
			continue
		}
		if sub.SendEvent(topicOrPattern, data) {
			result.Sent++
		}
	}

	metrics.BroadcastsTotal.Inc()
	metrics.BroadcastFanout.Observe(float64(result.Targets))
	return result
}

// Cleanup removes every pair referencing sub from both indexes.
func (b *Broker) Cleanup(sub Subscriber) {
	b.mu.Lock()
	id := sub.ID()
	topics, ok := b.byConnection[id]
	var removed []string
	if ok {
		removed = topics.UnsortedList()
		for _, t := range removed {
			if conns, ok := b.byTopic[t]; ok {
				conns.Delete(id)
				if conns.Len() == 0 {
					delete(b.byTopic, t)
				}
			}
		}
		delete(b.byConnection, id)
	}
	delete(b.subscribers, id)
	b.mu.Unlock()

	for _, t := range removed {
		sub.UntrackTopic(t)
		metrics.ActiveSubscriptions.Dec()
	}
}

// Topics returns the concrete topics sub is subscribed to.
func (b *Broker) Topics(sub Subscriber) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if topics, ok := b.byConnection[sub.ID()]; ok {
		return topics.SortedList()
	}
	return nil
}

// Subscribers returns how many connections are subscribed to an exact topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if conns, ok := b.byTopic[topic]; ok {
		return conns.Len()
	}
	return 0
}

// Stats reports broker size for readiness and introspection.
type Stats struct {
	Declared      int `json:"declared"`
	Subscriptions int `json:"subscriptions"`
	Connections   int `json:"connections"`
}

// Snapshot returns current broker counters.
func (b *Broker) Snapshot() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pairs := 0
	for _, topics := range b.byConnection {
		pairs += topics.Len()
	}
	return Stats{
		Declared:      b.public.Len() + len(b.protected),
		Subscriptions: pairs,
		Connections:   len(b.byConnection),
	}
}

// updateDeclaredGauge is called with b.mu held.
func (b *Broker) updateDeclaredGauge() {
	metrics.DeclaredRooms.Set(float64(b.public.Len() + len(b.protected)))
}
