package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/helios-rt/helios/internal/v1/events"
	"github.com/helios-rt/helios/internal/v1/logging"
	"github.com/helios-rt/helios/internal/v1/metrics"
	"github.com/helios-rt/helios/internal/v1/protocol"
	"github.com/helios-rt/helios/internal/v1/rooms"
)

// Built-in method names, served without any application registration.
const (
	MethodSubscribe   = "helios.subscribe"
	MethodUnsubscribe = "helios.unsubscribe"
	MethodRefresh     = "session.refresh"
)

// subscribeParams is the request payload for the subscribe and unsubscribe
// built-ins. Data is handed to room validators untouched.
type subscribeParams struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// refreshResult is the session.refresh response payload. Failures are
// data, not error responses, so the same result shape carries both.
type refreshResult struct {
	Success   bool   `json:"success,omitempty"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
	WaitMs    int64  `json:"waitMs,omitempty"`
}

func (h *Hub) registerBuiltins() {
	h.dispatch.registerMethod(MethodSubscribe, h.subscribeMethod)
	h.dispatch.registerMethod(MethodUnsubscribe, h.unsubscribeMethod)
	h.dispatch.registerMethod(MethodRefresh, h.refreshMethod)
}

func (h *Hub) subscribeMethod(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	p, err := decodeSubscribeParams(params)
	if err != nil {
		return nil, err
	}
	return h.broker.Subscribe(ctx, c, p.Topic, p.Data), nil
}

func (h *Hub) unsubscribeMethod(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	p, err := decodeSubscribeParams(params)
	if err != nil {
		return nil, err
	}
	removed := h.broker.Unsubscribe(ctx, c, p.Topic)
	return rooms.SubscribeResult{OK: removed, Topic: p.Topic}, nil
}

func decodeSubscribeParams(params json.RawMessage) (*subscribeParams, error) {
	var p subscribeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &HandlerError{Code: protocol.CodeValidation, Message: "Params must be a JSON object"}
		}
	}
	if p.Topic == "" {
		return nil, &HandlerError{Code: protocol.CodeValidation, Message: "Topic is required"}
	}
	return &p, nil
}

// refreshMethod re-mints the caller's session token. Refreshes are rate
// limited to once per half TTL, counted from the last mint.
func (h *Hub) refreshMethod(ctx context.Context, c *Conn, _ json.RawMessage) (any, error) {
	sid := c.SessionID()
	if h.tokens == nil || sid == "" {
		return refreshResult{Error: "No active session"}, nil
	}
	if !c.CanRefreshToken() {
		wait := c.TimeUntilRefreshAllowed()
		return refreshResult{Error: "Rate limit exceeded", WaitMs: wait.Milliseconds()}, nil
	}

	tok, err := h.tokens.Mint(sid, c.ID(), c.SessionMetadata(), h.recovery.TTL)
	if err != nil {
		logging.Error(ctx, "Failed to refresh session token", zap.Error(err))
		return nil, &HandlerError{Code: protocol.CodeHandlerError, Message: "Token refresh failed"}
	}
	c.markRefreshed(h.clock.Now())

	logging.Info(ctx, "Session token refreshed")
	metrics.SessionEvents.WithLabelValues("refreshed").Inc()
	h.bus.Publish(ctx, events.TopicSessionRefresh, SessionChange{Conn: c, Token: tok})
	if err := c.Emit(events.TopicSessionRefresh, sessionRefreshedPayload{Token: tok, SessionID: sid}); err != nil {
		logging.Warn(ctx, "Failed to push refreshed token", zap.Error(err))
	}

	return refreshResult{Success: true, Token: tok, SessionID: sid}, nil
}
