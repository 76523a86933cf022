package message

import (
	"encoding/json"
	"strconv"
)

// Message is the interface implemented by every reactor message.
type Message interface {
	Type() string
}

// TypeOf returns the discriminant of m, or "" for nil messages.
func TypeOf(m Message) string {
	if m == nil {
		return ""
	}
	return m.Type()
}

// Valid reports whether m can be delivered.
func Valid(m Message) bool {
	return TypeOf(m) != ""
}

// Frame is a decoded transport frame: a JSON object carrying an "op" field
// plus op-specific payload keys. Wire encoding happens outside the core.
type Frame map[string]any

// Op returns the frame's op, or "" when absent or not a string.
func (f Frame) Op() string {
	return f.String("op")
}

// String returns the string value at key, or "".
func (f Frame) String(key string) string {
	if f == nil {
		return ""
	}
	s, _ := f[key].(string)
	return s
}

// Int returns the integer value at key. JSON numbers decoded with UseNumber,
// float64 and the Go integer kinds are accepted.
func (f Frame) Int(key string) (int64, bool) {
	if f == nil {
		return 0, false
	}
	switch v := f[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Object returns the nested object at key, or nil.
func (f Frame) Object(key string) Frame {
	if f == nil {
		return nil
	}
	switch v := f[key].(type) {
	case Frame:
		return v
	case map[string]any:
		return Frame(v)
	default:
		return nil
	}
}

// With returns a shallow copy of f with key set to value.
func (f Frame) With(key string, value any) Frame {
	out := make(Frame, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[key] = value
	return out
}
