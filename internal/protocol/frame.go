// Package protocol implements the Gateway Protocol v3 frame envelope: the
// tagged JSON union exchanged on every WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version spoken by this server.
const Version = 3

// DefaultMaxPayload is the ceiling for a single inbound frame.
const DefaultMaxPayload = 25 << 20

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Frame is the top-level wire message. Exactly one variant is populated
// depending on Type: request {id, method, params}, response {id, ok, payload,
// error}, or event {event, payload, seq, stateVersion}.
type Frame struct {
	Type string `json:"type"`

	// Request fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	OK      *bool  `json:"ok,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`

	// Event fields.
	Event        string        `json:"event,omitempty"`
	Seq          *int64        `json:"seq,omitempty"`
	StateVersion *StateVersion `json:"stateVersion,omitempty"`
}

// StateVersion is the per-domain staleness counter echoed in the handshake
// snapshot and on presence/health events.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

// ParseFrame decodes a single inbound text message. maxPayload <= 0 falls back
// to DefaultMaxPayload. All failures map to INVALID_REQUEST; the caller decides
// whether the connection survives.
func ParseFrame(raw []byte, maxPayload int) (*Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if len(raw) > maxPayload {
		return nil, NewError(CodeInvalidRequest, fmt.Sprintf("payload exceeds %d bytes", maxPayload))
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, NewError(CodeInvalidRequest, "malformed JSON frame")
	}

	switch frame.Type {
	case TypeRequest:
		if err := validateRequestFrame(raw, &frame); err != nil {
			return nil, err
		}
	case TypeResponse, TypeEvent:
		// Clients do not normally originate these, but the codec accepts
		// the full union; the state machine rejects them where invalid.
	case "":
		return nil, NewError(CodeInvalidRequest, "frame type is required")
	default:
		return nil, NewError(CodeInvalidRequest, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
	return &frame, nil
}

// EncodeFrame serializes a frame to JSON text exactly once per logical message.
func EncodeFrame(frame *Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Response builds a success response frame echoing the request id.
func Response(id string, payload any) *Frame {
	ok := true
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: payload}
}

// ErrorResponse builds a failure response frame echoing the request id.
func ErrorResponse(id string, err *Error) *Frame {
	ok := false
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Error: err}
}

// EventFrame builds a server-originated event frame. seq is stamped by the
// broadcast bus before delivery.
func EventFrame(event string, payload any) *Frame {
	return &Frame{Type: TypeEvent, Event: event, Payload: payload}
}
