// Package protocol defines the messages exchanged with the worker
// (msgpack-rpc over the worker's stdin/stdout) and with mirror clients
// (JSON over websocket).
package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/neovim/go-client/msgpack"
)

// msgpack-rpc message kinds.
const (
	TypeRequest      = 0
	TypeResponse     = 1
	TypeNotification = 2
)

// Worker methods.
const (
	MethodRailroad = "regexrailroad"
	MethodText     = "regextext"
	MethodEcho     = "echo"
	MethodQuit     = "quit"
)

// Message is one decoded msgpack-rpc frame. Which fields are set
// depends on Type:
//
//	request:      [0, ID, Method, Args]
//	response:     [1, ID, Error, Result]
//	notification: [2, Method, Args]
type Message struct {
	Type   int
	ID     uint32
	Method string
	Args   []any
	Error  any
	Result any
}

// NewRequest builds a request frame.
func NewRequest(id uint32, method string, args ...any) *Message {
	return &Message{Type: TypeRequest, ID: id, Method: method, Args: args}
}

// NewNotification builds a notification frame.
func NewNotification(method string, args ...any) *Message {
	return &Message{Type: TypeNotification, Method: method, Args: args}
}

// NewResponse builds a response frame. errValue is nil on success.
func NewResponse(id uint32, errValue, result any) *Message {
	return &Message{Type: TypeResponse, ID: id, Error: errValue, Result: result}
}

func (m *Message) frame() []any {
	args := m.Args
	if args == nil {
		args = []any{}
	}
	switch m.Type {
	case TypeRequest:
		return []any{TypeRequest, m.ID, m.Method, args}
	case TypeResponse:
		return []any{TypeResponse, m.ID, m.Error, m.Result}
	default:
		return []any{TypeNotification, m.Method, args}
	}
}

// Encode writes m to w as a single Write call, so concurrent writers
// serialized by a mutex never interleave partial frames.
func Encode(w io.Writer, m *Message) error {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(m.frame()); err != nil {
		return fmt.Errorf("encode %s: %w", m.describe(), err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (m *Message) describe() string {
	switch m.Type {
	case TypeRequest:
		return fmt.Sprintf("request %d %s", m.ID, m.Method)
	case TypeResponse:
		return fmt.Sprintf("response %d", m.ID)
	default:
		return "notification " + m.Method
	}
}

// Decoder reads frames from a stream.
type Decoder struct {
	dec *msgpack.Decoder
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(r)}
}

// Decode reads and validates the next frame. Stream errors (io.EOF
// included) are returned unwrapped so callers can detect closure;
// malformed frames return an error wrapping ErrInvalidMessage.
func (d *Decoder) Decode() (*Message, error) {
	var raw any
	if err := d.dec.Decode(&raw); err != nil {
		return nil, err
	}
	return ValidateMessage(raw)
}

// ErrInvalidMessage marks a frame that decoded but is not msgpack-rpc.
var ErrInvalidMessage = fmt.Errorf("invalid msgpack-rpc message")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// ValidateMessage checks the shape of a decoded frame and converts it to
// a Message.
func ValidateMessage(raw any) (*Message, error) {
	frame, ok := raw.([]any)
	if !ok {
		return nil, invalid("frame is %T, not an array", raw)
	}
	if len(frame) == 0 {
		return nil, invalid("empty frame")
	}

	kind, ok := AsInt(frame[0])
	if !ok {
		return nil, invalid("message type is %T", frame[0])
	}

	switch kind {
	case TypeRequest:
		if len(frame) != 4 {
			return nil, invalid("request has %d elements, want 4", len(frame))
		}
		id, err := messageID(frame[1])
		if err != nil {
			return nil, err
		}
		method, ok := AsString(frame[2])
		if !ok || method == "" {
			return nil, invalid("request %d has no method", id)
		}
		args, ok := asArgs(frame[3])
		if !ok {
			return nil, invalid("request %d params are %T", id, frame[3])
		}
		return &Message{Type: TypeRequest, ID: id, Method: method, Args: args}, nil

	case TypeResponse:
		if len(frame) != 4 {
			return nil, invalid("response has %d elements, want 4", len(frame))
		}
		id, err := messageID(frame[1])
		if err != nil {
			return nil, err
		}
		return &Message{Type: TypeResponse, ID: id, Error: frame[2], Result: frame[3]}, nil

	case TypeNotification:
		if len(frame) != 3 {
			return nil, invalid("notification has %d elements, want 3", len(frame))
		}
		method, ok := AsString(frame[1])
		if !ok || method == "" {
			return nil, invalid("notification has no method")
		}
		args, ok := asArgs(frame[2])
		if !ok {
			return nil, invalid("notification %s params are %T", method, frame[2])
		}
		return &Message{Type: TypeNotification, Method: method, Args: args}, nil
	}

	return nil, invalid("unknown message type %d", kind)
}

func messageID(v any) (uint32, error) {
	n, ok := AsInt(v)
	if !ok || n < 0 || n > 1<<32-1 {
		return 0, invalid("message id %v is not a uint32", v)
	}
	return uint32(n), nil
}

func asArgs(v any) ([]any, bool) {
	if v == nil {
		return nil, true
	}
	args, ok := v.([]any)
	return args, ok
}

// ErrorText renders a response error value. Neovim-style peers send
// [code, message]; plain strings are used as-is.
func ErrorText(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := AsString(v); ok {
		return s
	}
	if pair, ok := v.([]any); ok && len(pair) == 2 {
		if s, ok := AsString(pair[1]); ok {
			return s
		}
	}
	return fmt.Sprint(v)
}

// AsInt converts any msgpack integer representation to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// AsString accepts both msgpack str and bin values.
func AsString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

// AsMap normalizes decoded maps to string keys.
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			key, ok := AsString(k)
			if !ok {
				return nil, false
			}
			out[key] = val
		}
		return out, true
	}
	return nil, false
}
