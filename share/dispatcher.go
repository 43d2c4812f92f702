package drshare

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

// DefaultActions maps operator action names to the device actions they request
var DefaultActions = map[string]string{
	"wifi": devproto.ActionGetWifiStatus,
}

// CorrelationSource produces a fresh command correlation id on each call
type CorrelationSource func() string

// NewUUIDCorrelationSource returns a CorrelationSource producing random UUID strings
func NewUUIDCorrelationSource() CorrelationSource {
	return uuid.NewString
}

// CommandResult describes a command that was successfully written to a device
type CommandResult struct {
	DeviceID  string
	Action    string
	CommandID string
}

// Dispatcher sends operator-initiated commands to registered devices. Delivery is
// fire-and-forget: nothing is retried, and any response surfaces later through the
// Router.
//
// Dispatch must only be called from the Hub loop.
type Dispatcher struct {
	Logger
	registry  *DeviceRegistry
	actions   map[string]string
	newID     CorrelationSource
	tracker   *PendingCommands
	observers Observers
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. actions maps operator action names to device
// actions; if empty, DefaultActions is used. tracker may be nil.
func NewDispatcher(
	logger Logger,
	registry *DeviceRegistry,
	actions map[string]string,
	tracker *PendingCommands,
	observers Observers,
) *Dispatcher {
	if len(actions) == 0 {
		actions = DefaultActions
	}
	m := make(map[string]string, len(actions))
	for k, v := range actions {
		m[k] = v
	}
	return &Dispatcher{
		Logger:    logger.Fork("Dispatcher"),
		registry:  registry,
		actions:   m,
		newID:     NewUUIDCorrelationSource(),
		tracker:   tracker,
		observers: observers,
		now:       time.Now,
	}
}

// SetCorrelationSource replaces the generator of command ids
func (d *Dispatcher) SetCorrelationSource(src CorrelationSource) {
	d.newID = src
}

// Actions returns the sorted operator action names that Dispatch accepts
func (d *Dispatcher) Actions() []string {
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends the device action mapped from the operator action to the Session
// registered as targetID. Returns a *LookupError if targetID is not registered, an
// *UnsupportedActionError if action is not recognized (in both cases nothing is sent),
// or a *TransportError if the write fails.
func (d *Dispatcher) Dispatch(targetID string, action string) (*CommandResult, error) {
	session := d.registry.Lookup(targetID)
	if session == nil {
		return nil, &LookupError{DeviceID: targetID}
	}
	deviceAction, ok := d.actions[action]
	if !ok {
		return nil, &UnsupportedActionError{Action: action, Supported: d.Actions()}
	}

	commandID := d.newID()
	err := session.Send(devproto.NewCommand(deviceAction, commandID))
	if err != nil {
		d.WLogf("Failed to send '%s' command to %s: %s", deviceAction, targetID, err)
		d.observers.Publish(d.Logger, &Event{
			Kind:      EventCommandFailed,
			SessionID: session.ID,
			DeviceID:  targetID,
			CommandID: commandID,
			Action:    deviceAction,
			Error:     err.Error(),
		})
		return nil, err
	}

	d.ILogf("Sent '%s' command to %s (commandId %s)", deviceAction, targetID, commandID)
	if d.tracker != nil {
		d.tracker.Add(&PendingCommand{
			CommandID: commandID,
			DeviceID:  targetID,
			Action:    deviceAction,
			IssuedAt:  d.now(),
		})
	}
	d.observers.Publish(d.Logger, &Event{
		Kind:      EventCommandSent,
		SessionID: session.ID,
		DeviceID:  targetID,
		CommandID: commandID,
		Action:    deviceAction,
	})
	return &CommandResult{DeviceID: targetID, Action: deviceAction, CommandID: commandID}, nil
}
