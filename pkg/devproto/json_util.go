package devproto

// Simple helper functions for presenting JSON payloads to humans

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ToPrettyJsonString reformats a raw JSON value with two-space indentation. If raw is not
// valid JSON it is returned unchanged, so callers can always print the result.
func ToPrettyJsonString(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Indent(&b, raw, "", "  "); err != nil {
		return string(raw)
	}
	return b.String()
}

// ToCompactJsonString marshalls an arbitrary generic into a compact json string with no indentation or
// trailing newline. The generic may be a struct or an object with a custom marshaller.
func ToCompactJsonString(v interface{}) (string, error) {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	err := enc.Encode(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
