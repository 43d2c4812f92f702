package drshare

import (
	"encoding/json"
	"time"
)

// EventKind identifies what happened in an Event
type EventKind string

// Event kinds published by the Router, Dispatcher and Hub
const (
	EventRegistered     EventKind = "registered"
	EventOrphaned       EventKind = "orphaned"
	EventDisconnected   EventKind = "disconnected"
	EventResponse       EventKind = "response"
	EventCommandSent    EventKind = "command_sent"
	EventCommandFailed  EventKind = "command_failed"
	EventCommandExpired EventKind = "command_expired"
)

// Event is a record of something observable that happened to a device session
type Event struct {
	Kind      EventKind       `json:"kind"`
	Time      time.Time       `json:"time"`
	SessionID int32           `json:"sessionId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	Action    string          `json:"action,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`

	// RoundTrip is the time between a tracked command being sent and its response
	// arriving. Zero if unknown.
	RoundTrip time.Duration `json:"roundTripNs,omitempty"`
}

// Observer receives Events. Observe is called synchronously on the Hub loop, so it
// must not block for long. A returned error is logged and otherwise ignored.
type Observer interface {
	Observe(ev *Event) error
}

// ObserverFunc adapts an ordinary function to the Observer interface
type ObserverFunc func(ev *Event) error

// Observe implements Observer
func (f ObserverFunc) Observe(ev *Event) error {
	return f(ev)
}

// Observers fans an Event out to a list of Observers
type Observers []Observer

// Publish stamps ev with the current time if unset and delivers it to every Observer,
// logging failures to logger
func (obs Observers) Publish(logger Logger, ev *Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, o := range obs {
		if err := o.Observe(ev); err != nil {
			logger.WLogf("Observer failed on %s event: %s", ev.Kind, err)
		}
	}
}
