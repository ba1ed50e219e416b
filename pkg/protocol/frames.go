// Package protocol defines the wire format for the devlink WebSocket channels.
// Both the device and the admin channel exchange event frames; this package is
// importable by device firmware tooling and admin clients.
package protocol

import "encoding/json"

// Protocol version. Sent back in device.registered and on admin connect.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeEvent = "event"
)

// EventFrame is pushed from server to client.
type EventFrame struct {
	Type    string      `json:"type"`              // always "event"
	Event   string      `json:"event"`             // event name
	Payload interface{} `json:"payload,omitempty"` // event data
	Seq     int64       `json:"seq,omitempty"`     // per-connection sequence number
}

// InboundFrame is sent by a client. Payload is kept raw and decoded once the
// event name is known.
type InboundFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the body of every *.error / failed *.result event.
type ErrorPayload struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	DeviceID string `json:"deviceId,omitempty"`
}

// NewEvent creates an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: payload,
	}
}

// ParseFrame decodes an inbound frame and checks its type.
func ParseFrame(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type != FrameTypeEvent {
		return nil, &FrameTypeError{Type: f.Type}
	}
	return &f, nil
}

// FrameTypeError reports an inbound frame that is not an event frame.
type FrameTypeError struct {
	Type string
}

func (e *FrameTypeError) Error() string {
	if e.Type == "" {
		return "missing frame type"
	}
	return "unexpected frame type: " + e.Type
}
