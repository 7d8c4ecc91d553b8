// Package flow adapts browser sessions to message-flow nodes: a config node
// owning a lazily launched session, an action node running one action per
// message, and screenshot and PDF nodes with success and error outputs.
package flow

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Message is a flow message. The payload lives under the "payload" key;
// other keys are properties that override node settings.
type Message map[string]interface{}

// Keys read from and written to messages
const (
	KeyPayload  = "payload"
	KeyURL      = "url"
	KeySelector = "selector"
	KeyValue    = "value"
)

// Payload returns msg.payload.
func (m Message) Payload() interface{} {
	return m[KeyPayload]
}

// Clone returns a shallow copy so that outputs never alias the input.
func (m Message) Clone() Message {
	out := make(Message, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the property as text. Numbers and booleans are formatted;
// other types and missing keys yield "".
func (m Message) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Bool returns the property as a boolean and whether it was present and
// convertible.
func (m Message) Bool(key string) (bool, bool) {
	switch v := m[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	default:
		return false, false
	}
}

// Int returns the property as an integer and whether it was present and
// convertible.
func (m Message) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

// firstNonEmpty returns the first non-empty value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
