package drshare

import (
	"errors"
	"fmt"
)

// ErrRegistrationRequired is reported to a device that sends anything other than
// "register" or "response" before registering
var ErrRegistrationRequired = errors.New("Please register your device ID first to send commands.")

// ErrSessionClosed is wrapped by the TransportError returned when sending on a Session
// that has already been closed
var ErrSessionClosed = errors.New("session is closed")

// LookupError is returned by the dispatcher when the target device is not registered
type LookupError struct {
	DeviceID string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("Device ID '%s' not found", e.DeviceID)
}

// UnsupportedActionError is returned by the dispatcher for an operator action that is
// not in the recognized set
type UnsupportedActionError struct {
	Action    string
	Supported []string
}

func (e *UnsupportedActionError) Error() string {
	if len(e.Supported) == 0 {
		return fmt.Sprintf("Unknown command action '%s'", e.Action)
	}
	return fmt.Sprintf("Unknown command action '%s'. Try %s", e.Action, quoteList(e.Supported))
}

// TransportError reports a failure to write a frame to a device
type TransportError struct {
	DeviceID string
	Err      error
}

func (e *TransportError) Error() string {
	target := e.DeviceID
	if target == "" {
		target = "unregistered client"
	}
	return fmt.Sprintf("send to %s failed: %s", target, e.Err)
}

// Unwrap returns the underlying write error
func (e *TransportError) Unwrap() error {
	return e.Err
}

func quoteList(items []string) string {
	s := ""
	for i, item := range items {
		switch {
		case i == 0:
		case i == len(items)-1:
			s += " or "
		default:
			s += ", "
		}
		s += "'" + item + "'"
	}
	return s
}
