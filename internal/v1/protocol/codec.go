package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ParseMode controls how frames that are not valid envelopes are handled.
type ParseMode string

const (
	// ParseStrict rejects anything that is not a valid envelope.
	ParseStrict ParseMode = "strict"
	// ParsePermissive downgrades invalid frames to synthesized events:
	// JSON text to TopicJSON, other text to TopicText, binary to TopicBinary.
	ParsePermissive ParseMode = "permissive"
	// ParsePassthrough is ParsePermissive without the JSON attempt.
	ParsePassthrough ParseMode = "passthrough"
)

// ValidParseMode reports whether s names a parse mode.
func ValidParseMode(s string) bool {
	switch ParseMode(s) {
	case ParseStrict, ParsePermissive, ParsePassthrough:
		return true
	}
	return false
}

// ProtocolError reports an envelope violation: an inbound frame rejected
// in strict mode, or an outbound message that cannot be framed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Reason
}

// Encode serializes an envelope to a text frame.
func Encode(m *Message) ([]byte, error) {
	if m.ID == "" {
		return nil, &ProtocolError{Reason: "outgoing message has empty id"}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a raw frame according to mode. Messages returned for
// frames that are not valid envelopes are synthesized events whose Raw
// field carries the original bytes.
func Decode(data []byte, binary bool, mode ParseMode) (*Message, error) {
	if binary {
		if mode == ParseStrict {
			return nil, &ProtocolError{Reason: "binary frame in strict mode"}
		}
		return synthesized(TopicBinary, data, nil), nil
	}

	var msg Message
	jsonErr := json.Unmarshal(data, &msg)
	if jsonErr == nil {
		if err := validate(&msg); err == nil {
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}
			return &msg, nil
		} else if mode == ParseStrict {
			return nil, err
		}
	} else if mode == ParseStrict {
		return nil, &ProtocolError{Reason: "malformed frame: " + jsonErr.Error()}
	}

	switch mode {
	case ParsePermissive:
		if jsonErr == nil || json.Valid(data) {
			return synthesized(TopicJSON, data, json.RawMessage(data)), nil
		}
		return synthesized(TopicText, data, nil), nil
	default: // ParsePassthrough
		return synthesized(TopicText, data, nil), nil
	}
}

func synthesized(topic string, raw []byte, payload json.RawMessage) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Kind:    KindEvent,
		Topic:   topic,
		Payload: payload,
		Raw:     raw,
	}
}

// validate checks the envelope fields required by each kind.
func validate(m *Message) error {
	switch m.Kind {
	case KindRequest:
		if m.Method == "" {
			return &ProtocolError{Reason: "request without method"}
		}
	case KindResponse:
		if m.RequestID == "" {
			return &ProtocolError{Reason: "response without requestId"}
		}
	case KindEvent:
		if m.Topic == "" {
			return &ProtocolError{Reason: "event without topic"}
		}
	default:
		return &ProtocolError{Reason: "unknown message kind"}
	}
	return nil
}
