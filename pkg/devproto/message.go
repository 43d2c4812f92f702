// Package devproto implements the JSON envelope spoken between the relay server and
// remote devices. Every frame is a single JSON object with a "type" discriminator;
// the remaining fields are populated according to the type:
//
//    server -> device:  welcome, registered, command, response, error
//    device -> server:  register, response, command
//
// Field names are part of the wire contract and are camelCase (deviceId, commandId).
package devproto

import (
	"encoding/json"
	"fmt"
)

// Message types
const (
	TypeWelcome    = "welcome"
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeCommand    = "command"
	TypeResponse   = "response"
	TypeError      = "error"
)

// Well-known command actions
const (
	// ActionGetInfo is the only device-initiated command the server answers
	ActionGetInfo = "get_info"

	// ActionGetWifiStatus asks a device for its Wi-Fi status
	ActionGetWifiStatus = "get_wifi_status"
)

// StatusSuccess is the status carried by successful responses
const StatusSuccess = "success"

// UnknownCommandID is echoed in error frames when the offending frame had no usable commandId
const UnknownCommandID = "unknown"

// Message is the decoded form of one wire frame. Only Type is guaranteed to be set
// on a decoded Message; the other fields are empty when absent from the frame.
type Message struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Action    string          `json:"action,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HasData returns true if the message carries a non-null data payload
func (m *Message) HasData() bool {
	return len(m.Data) > 0 && string(m.Data) != "null"
}

func (m *Message) String() string {
	return string(Encode(m))
}

// NewWelcome creates the greeting sent to every device immediately after connect
func NewWelcome(text string) *Message {
	return &Message{Type: TypeWelcome, Message: text}
}

// NewRegistered creates the acknowledgement of a successful registration
func NewRegistered(deviceID string) *Message {
	return &Message{
		Type:    TypeRegistered,
		Message: fmt.Sprintf("Server recognized you as %s", deviceID),
	}
}

// NewCommand creates an operator-initiated command addressed to a device
func NewCommand(action string, commandID string) *Message {
	return &Message{Type: TypeCommand, Action: action, CommandID: commandID}
}

// NewResponse creates a response frame. data may be nil; otherwise it is
// marshalled into the data field.
func NewResponse(commandID string, status string, message string, data interface{}) *Message {
	m := &Message{
		Type:      TypeResponse,
		CommandID: commandID,
		Status:    status,
		Message:   message,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			m.Data = raw
		}
	}
	return m
}

// NewError creates an error frame. commandID may be empty.
func NewError(message string, commandID string) *Message {
	return &Message{Type: TypeError, Message: message, CommandID: commandID}
}
