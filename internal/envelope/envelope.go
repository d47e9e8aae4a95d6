// Package envelope models what travels through the relay: the relay's own
// message envelope and, inside its body, an optional wrapped webhook record
// carrying tunneled headers next to the payload.
package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/billgrant/webhook-tester/internal/basicauth"
)

// Relay event types. Only EventMessage carries a webhook body.
const (
	EventOpen        = "open"
	EventKeepalive   = "keepalive"
	EventMessage     = "message"
	EventPollRequest = "poll_request"
)

// Message is one entry of the relay's line-delimited JSON stream.
type Message struct {
	ID      string `json:"id"`
	Time    int64  `json:"time"`
	Expires int64  `json:"expires,omitempty"`
	Event   string `json:"event"`
	Topic   string `json:"topic"`
	Message string `json:"message,omitempty"`
}

// Timestamp returns the arrival time reported by the relay.
func (m Message) Timestamp() time.Time {
	return time.Unix(m.Time, 0).UTC()
}

// Record is the wrapper a sender puts around a webhook payload so that
// headers survive a relay that only forwards bodies.
type Record struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

// Wrap encodes headers and payload as a Record body.
func Wrap(headers map[string]string, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if len(headers) == 0 {
		headers = nil
	}
	return json.Marshal(Record{Headers: headers, Payload: payload})
}

// Unwrapped is the best-effort interpretation of a message body.
type Unwrapped struct {
	Raw     string            `json:"raw"`
	Valid   bool              `json:"valid"`
	Wrapped bool              `json:"wrapped"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Unwrap interprets raw as a wrapped record when it looks like one and falls
// back to treating the whole body as the payload otherwise. It never fails:
// a body that is not JSON comes back with Valid set to false.
func Unwrap(raw string) Unwrapped {
	u := Unwrapped{Raw: raw}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return u
	}
	u.Valid = true
	u.Payload = json.RawMessage(trimmed)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		// Valid JSON that is not an object (array, string, number...).
		return u
	}

	payload, ok := fields["payload"]
	if !ok {
		return u
	}
	u.Wrapped = true
	u.Payload = payload
	u.Headers = decodeHeaders(fields["headers"])

	return u
}

// decodeHeaders accepts a JSON object of header values. String values are
// used as-is; anything else is kept as its compact JSON text.
func decodeHeaders(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil || len(values) == 0 {
		return nil
	}

	headers := make(map[string]string, len(values))
	for name, value := range values {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			headers[name] = s
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, value); err == nil {
			headers[name] = buf.String()
		} else {
			headers[name] = string(value)
		}
	}
	return headers
}

// Header looks up a tunneled header by name, ignoring case.
func (u Unwrapped) Header(name string) (string, bool) {
	return lookup(u.Headers, name)
}

// Credentials decodes the tunneled Authorization header, if any.
func (u Unwrapped) Credentials() (basicauth.Credentials, error) {
	value, _ := u.Header("Authorization")
	return basicauth.Parse(value)
}

// Pretty indents a JSON document with two spaces. Input that is not JSON is
// returned unchanged.
func Pretty(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func lookup(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Lookup finds a header in a plain map, ignoring case.
func Lookup(headers map[string]string, name string) (string, bool) {
	return lookup(headers, name)
}
