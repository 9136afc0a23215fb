// Package protocol defines the wire envelope multiplexed over a single
// WebSocket connection and the codec that parses raw frames into it.
//
// Three genres share the envelope:
//   - Event: fire-and-forget, addressed by topic
//   - Request: correlated RPC, addressed by method
//   - Response: the reply to a Request, correlated by requestId
//
// The topic pattern matcher (match, captures, specificity) ships with the
// codec because subscription resolution and broadcast fan-out both consume
// the same token grammar.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Kind discriminates the three wire genres.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Error codes carried by error Responses and structured results.
const (
	CodeValidation       = "VALIDATION"
	CodeProtocol         = "PROTOCOL"
	CodeTimeout          = "TIMEOUT"
	CodeConnectionClosed = "CONNECTION_CLOSED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeRoomUndeclared   = "ROOM_UNDECLARED"
	CodeValidatorError   = "VALIDATOR_ERROR"
	CodeSessionInvalid   = "SESSION_INVALID"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeHandlerError     = "HANDLER_ERROR"
)

// Topics synthesized by the permissive and passthrough parse modes for
// frames that are not valid envelopes.
const (
	TopicText   = "message:text"
	TopicBinary = "message:binary"
	TopicJSON   = "message:json"
)

// ErrorShape is the error half of a Response payload.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the wire envelope. Method is set on requests, Topic on
// events, RequestID on responses. Raw carries the original frame bytes
// for messages synthesized by the softer parse modes and is never
// serialized.
type Message struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Method    string          `json:"method,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorShape     `json:"error,omitempty"`

	Raw []byte `json:"-"`
}

// NewRequest builds a request envelope with a fresh id.
func NewRequest(method string, payload json.RawMessage) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Kind:    KindRequest,
		Method:  method,
		Payload: payload,
	}
}

// NewResponse builds a success response correlated to requestID.
func NewResponse(requestID string, payload json.RawMessage) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      KindResponse,
		RequestID: requestID,
		Payload:   payload,
	}
}

// NewErrorResponse builds an error response correlated to requestID.
func NewErrorResponse(requestID, code, message string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      KindResponse,
		RequestID: requestID,
		Error:     &ErrorShape{Code: code, Message: message},
	}
}

// NewEvent builds an event envelope with a fresh id.
func NewEvent(topic string, payload json.RawMessage) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Kind:    KindEvent,
		Topic:   topic,
		Payload: payload,
	}
}

// MarshalPayload encodes an arbitrary value for use as a Message payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// IsError reports whether a response carries an error shape.
func (m *Message) IsError() bool {
	return m.Error != nil
}
