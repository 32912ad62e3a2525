package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MirrorMessage is the envelope for all mirror websocket messages.
type MirrorMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMirrorMessage creates a server-originated message with the current timestamp.
func NewMirrorMessage(msgType string, payload any) (*MirrorMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &MirrorMessage{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → client message types.
const (
	TypeSessionUpdate = "session.update"
	TypePreviewOpen   = "preview.open"
	TypePreviewClose  = "preview.close"
	TypeError         = "error"
)

// Client → server message types.
const (
	TypeSessionDetach  = "session.detach"
	TypePreviewDismiss = "preview.dismiss"
)

// Error codes.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeWindowNotFound  = "WINDOW_NOT_FOUND"
	CodeInvalidMessage  = "INVALID_MESSAGE"
)

// SessionUpdatePayload reports a session state change.
type SessionUpdatePayload struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	PID       int    `json:"pid,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
}

// Geometry mirrors a preview window's placement.
type Geometry struct {
	Row    int `json:"row"`
	Col    int `json:"col"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PreviewOpenPayload carries a freshly opened preview.
type PreviewOpenPayload struct {
	WindowID string   `json:"windowId"`
	Anchor   string   `json:"anchor"`
	Geometry Geometry `json:"geometry"`
	Lines    []string `json:"lines"`
}

// PreviewClosePayload reports a preview teardown.
type PreviewClosePayload struct {
	WindowID string `json:"windowId"`
	Anchor   string `json:"anchor"`
}

// ErrorPayload describes a rejected client message.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// SessionDetachPayload asks the host to detach a session.
type SessionDetachPayload struct {
	Key string `json:"key"`
}

// PreviewDismissPayload asks the host to close a preview.
type PreviewDismissPayload struct {
	WindowID string `json:"windowId"`
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*MirrorMessage, error) {
	return NewMirrorMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// ValidateClientMessage validates a raw JSON message from a mirror client.
func ValidateClientMessage(raw []byte) (*MirrorMessage, error) {
	var msg MirrorMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionDetach:
		var p SessionDetachPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Key == "" {
			return nil, fmt.Errorf("missing required field 'key' in %s payload", msg.Type)
		}

	case TypePreviewDismiss:
		var p PreviewDismissPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.WindowID == "" {
			return nil, fmt.Errorf("missing required field 'windowId' in %s payload", msg.Type)
		}

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return &msg, nil
}
