package devproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ParseError is returned by Decode for any frame that is not a JSON object with a
// string "type" field. Its text is the text of the underlying parse or validation error.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError returns true if err is, or wraps, a *ParseError
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Decode parses a single wire frame.
//
// The frame must be valid JSON text whose value is an object carrying a "type" field
// of type string. Arrays, scalars, null, a missing "type" or a non-string "type" all
// fail with *ParseError. The other known fields are read leniently: a non-string
// value is kept as its JSON text, and a falsy deviceId (null, false, 0, "") counts
// as absent.
func Decode(raw []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ParseError{Err: err}
	}
	if fields == nil {
		return nil, &ParseError{Err: errors.New("message must be a JSON object, got null")}
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, &ParseError{Err: errors.New("message has no \"type\" field")}
	}
	if string(rawType) == "null" {
		return nil, &ParseError{Err: errors.New("message \"type\" must be a string, got null")}
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("message \"type\" must be a string: %s", err)}
	}

	m := &Message{
		Type:      msgType,
		DeviceID:  looseString(fields["deviceId"]),
		Action:    looseString(fields["action"]),
		CommandID: looseString(fields["commandId"]),
		Status:    looseString(fields["status"]),
		Message:   looseString(fields["message"]),
	}
	if isFalsy(fields["deviceId"]) {
		m.DeviceID = ""
	}
	if data, ok := fields["data"]; ok && string(data) != "null" {
		m.Data = data
	}
	return m, nil
}

// asString returns the value of raw if it is a JSON string
func asString(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// isFalsy reports whether raw is null, false, a zero number or an empty string
func isFalsy(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", `""`:
		return true
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n == 0
	}
	return false
}

// looseString renders a field value as text. Strings are unquoted, null or a missing
// field is empty, and anything else is its compact JSON text.
func looseString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if s, ok := asString(raw); ok {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Encode serializes a Message into a single frame. It does not fail: a Data payload
// that is not valid JSON is dropped rather than failing the whole frame, which cannot
// happen for messages built by this package or returned by Decode.
func Encode(m *Message) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		c := *m
		c.Data = nil
		b, _ = json.Marshal(&c)
	}
	return b
}
