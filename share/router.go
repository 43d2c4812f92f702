package drshare

import (
	"fmt"
	"time"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

// ResponseReport is a device "response" frame as presented to the operator
type ResponseReport struct {
	// DeviceID is the sender's registered identifier, or "" if it never registered
	DeviceID string

	// Frame is the decoded response frame
	Frame *devproto.Message

	// RoundTrip is set when the response matched a tracked command
	RoundTrip time.Duration
}

// OperatorSink is the operator-facing collaborator of the Router. Both methods are
// called on the Hub loop.
type OperatorSink interface {
	// DeviceResponse presents a response frame received from any connection
	DeviceResponse(rep *ResponseReport)

	// Prompt signals that the operator may enter the next command. It is always
	// called after any reply to the triggering frame has been written.
	Prompt()
}

// LogSink is an OperatorSink that writes device responses to a Logger. It is used when
// no interactive console is attached.
type LogSink struct {
	Logger
}

// DeviceResponse implements OperatorSink
func (s *LogSink) DeviceResponse(rep *ResponseReport) {
	s.ILogf("Response from %s for command %s: status=%s message=%q data=%s",
		displayDeviceID(rep.DeviceID), orDefault(rep.Frame.CommandID, devproto.UnknownCommandID),
		orDefault(rep.Frame.Status, "N/A"), rep.Frame.Message, string(rep.Frame.Data))
}

// Prompt implements OperatorSink
func (s *LogSink) Prompt() {}

// Router is the per-frame protocol state machine. It classifies each inbound frame by
// its type and the sending Session's registration state, mutates the Session and the
// DeviceRegistry accordingly, and writes at most one reply.
//
// Router methods must only be called from the Hub loop.
type Router struct {
	Logger
	registry  *DeviceRegistry
	sink      OperatorSink
	tracker   *PendingCommands
	observers Observers
	welcome   string
	now       func() time.Time
}

// NewRouter creates a Router. tracker may be nil, in which case responses are never
// correlated with dispatched commands.
func NewRouter(
	logger Logger,
	registry *DeviceRegistry,
	welcome string,
	tracker *PendingCommands,
	observers Observers,
) *Router {
	r := &Router{
		Logger:    logger.Fork("Router"),
		registry:  registry,
		tracker:   tracker,
		observers: observers,
		welcome:   welcome,
		now:       time.Now,
	}
	r.sink = &LogSink{Logger: r.Logger}
	return r
}

// SetOperatorSink replaces the collaborator that receives responses and prompts
func (r *Router) SetOperatorSink(sink OperatorSink) {
	r.sink = sink
}

// HandleConnect greets a newly accepted Session
func (r *Router) HandleConnect(s *Session) {
	s.ILogf("Client connected")
	if err := s.Send(devproto.NewWelcome(r.welcome)); err != nil {
		s.WLogf("Failed to send welcome: %s", err)
	}
	r.sink.Prompt()
}

// HandleDisconnect removes a closed Session from the registry, unless a later
// registration has already replaced it, and shuts the Session down
func (r *Router) HandleDisconnect(s *Session, cause error) {
	deviceID := s.DeviceID()
	if s.IsRegistered() {
		removed := r.registry.Unregister(deviceID, s)
		s.ILogf("Client disconnected: %s (unregistered=%t)", deviceID, removed)
	} else {
		s.ILogf("Unregistered client disconnected")
	}
	if cause != nil {
		s.DLogf("Connection ended: %s", cause)
	}
	r.observers.Publish(r.Logger, &Event{
		Kind:      EventDisconnected,
		SessionID: s.ID,
		DeviceID:  deviceID,
	})
	s.StartShutdown(nil)
	r.sink.Prompt()
}

// HandleFrame processes one inbound frame from s. Parse failures are answered with an
// error frame and never close the connection.
func (r *Router) HandleFrame(s *Session, raw []byte) {
	s.DLogf("Received message from client (%s): %s", displayDeviceID(s.DeviceID()), raw)

	var reply *devproto.Message
	msg, err := devproto.Decode(raw)
	if err != nil {
		s.WLogf("Error parsing message: %s", err)
		reply = devproto.NewError(
			fmt.Sprintf("Invalid JSON or server error: %s", err),
			devproto.UnknownCommandID,
		)
	} else {
		reply = r.route(s, msg)
	}

	if reply != nil {
		if err := s.Send(reply); err != nil {
			s.WLogf("Failed to send %s reply: %s", reply.Type, err)
		}
	}
	r.sink.Prompt()
}

// route applies the first matching rule, in priority order, and returns the reply
// frame, or nil for none
func (r *Router) route(s *Session, msg *devproto.Message) *devproto.Message {
	switch {
	case msg.Type == devproto.TypeRegister && msg.DeviceID != "":
		return r.handleRegister(s, msg)
	case msg.Type == devproto.TypeResponse:
		r.handleResponse(s, msg)
		return nil
	case !s.IsRegistered():
		s.WLogf("Received %s message from unregistered client; ignoring", msg.Type)
		return devproto.NewError(ErrRegistrationRequired.Error(), "")
	case msg.Type == devproto.TypeCommand:
		return r.handleCommand(s, msg)
	}
	s.WLogf("Unknown message type '%s'", msg.Type)
	return devproto.NewError(
		fmt.Sprintf("Server received an unknown message type: '%s'.", orDefault(msg.Type, "N/A")),
		"",
	)
}

func (r *Router) handleRegister(s *Session, msg *devproto.Message) *devproto.Message {
	deviceID := msg.DeviceID
	if old := s.DeviceID(); old != "" && old != deviceID {
		// this Session is renaming itself; drop its old binding
		r.registry.Unregister(old, s)
	}
	orphan := r.registry.Register(deviceID, s)
	s.AssignDevice(deviceID)
	s.ILogf("Device registered: %s", deviceID)

	if orphan != nil {
		r.observers.Publish(r.Logger, &Event{
			Kind:      EventOrphaned,
			SessionID: orphan.ID,
			DeviceID:  deviceID,
		})
	}
	r.observers.Publish(r.Logger, &Event{
		Kind:      EventRegistered,
		SessionID: s.ID,
		DeviceID:  deviceID,
	})
	return devproto.NewRegistered(deviceID)
}

func (r *Router) handleResponse(s *Session, msg *devproto.Message) {
	rep := &ResponseReport{
		DeviceID: s.DeviceID(),
		Frame:    msg,
	}
	if r.tracker != nil && msg.CommandID != "" {
		if cmd := r.tracker.Complete(msg.CommandID); cmd != nil {
			rep.RoundTrip = r.now().Sub(cmd.IssuedAt)
		}
	}
	r.sink.DeviceResponse(rep)
	ev := &Event{
		Kind:      EventResponse,
		SessionID: s.ID,
		DeviceID:  rep.DeviceID,
		CommandID: msg.CommandID,
		Status:    msg.Status,
		Message:   msg.Message,
		RoundTrip: rep.RoundTrip,
	}
	if msg.HasData() {
		ev.Data = msg.Data
	}
	r.observers.Publish(r.Logger, ev)
}

func (r *Router) handleCommand(s *Session, msg *devproto.Message) *devproto.Message {
	s.ILogf("Processing command from %s: %s", s.DeviceID(), msg.Action)
	if msg.Action == devproto.ActionGetInfo {
		return devproto.NewResponse(
			msg.CommandID,
			devproto.StatusSuccess,
			"Info provided",
			map[string]int64{"serverTime": r.now().UnixNano() / int64(time.Millisecond)},
		)
	}
	return devproto.NewError(
		fmt.Sprintf("Unknown command action: '%s'.", msg.Action),
		orDefault(msg.CommandID, devproto.UnknownCommandID),
	)
}

func displayDeviceID(deviceID string) string {
	return orDefault(deviceID, "unregistered")
}

func orDefault(s string, def string) string {
	if s == "" {
		return def
	}
	return s
}
