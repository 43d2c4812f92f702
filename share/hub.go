package drshare

import (
	"context"
	"errors"
	"time"
)

// DefaultWelcomeMessage is sent to every device immediately after it connects
const DefaultWelcomeMessage = "Welcome to the device relay server!"

// ErrHubStopped is returned when work is submitted to a Hub that has shut down
var ErrHubStopped = errors.New("hub is stopped")

const hubQueueSize = 256

// HubConfig configures the protocol behavior of a Hub
type HubConfig struct {
	// WelcomeMessage is the text of the welcome frame; DefaultWelcomeMessage if empty
	WelcomeMessage string

	// Actions maps operator action names to device actions; DefaultActions if empty
	Actions map[string]string

	// TrackCommands enables correlation of dispatched commands with responses
	TrackCommands bool

	// CommandTTL is how long a tracked command waits for its response
	CommandTTL time.Duration
}

// Hub serializes all protocol work onto a single goroutine. Connection events from
// every device and operator commands are queued as closures and run in arrival order,
// one at a time, so the Router, Dispatcher and registry never run in parallel with
// each other.
type Hub struct {
	ShutdownHelper
	queue      chan func()
	registry   *DeviceRegistry
	router     *Router
	dispatcher *Dispatcher
	tracker    *PendingCommands
	observers  Observers
	connStats  ConnStats
}

// NewHub creates a Hub. It does nothing until Run is called.
func NewHub(logger Logger, cfg HubConfig, observers ...Observer) *Hub {
	h := &Hub{
		queue:     make(chan func(), hubQueueSize),
		observers: Observers(observers),
	}
	h.InitShutdownHelper(logger.Fork("Hub"), h)
	if cfg.TrackCommands {
		ttl := cfg.CommandTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		h.tracker = NewPendingCommands(ttl)
	}
	welcome := cfg.WelcomeMessage
	if welcome == "" {
		welcome = DefaultWelcomeMessage
	}
	h.registry = NewDeviceRegistry(logger)
	h.router = NewRouter(logger, h.registry, welcome, h.tracker, h.observers)
	h.dispatcher = NewDispatcher(logger, h.registry, cfg.Actions, h.tracker, h.observers)
	return h
}

// Registry returns the device registry owned by this Hub
func (h *Hub) Registry() *DeviceRegistry {
	return h.registry
}

// Dispatcher returns the command dispatcher owned by this Hub
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// ConnStats returns the connection counters of this Hub
func (h *Hub) ConnStats() *ConnStats {
	return &h.connStats
}

// SetOperatorSink sets the collaborator that is shown device responses and prompts.
// Must be called before Run.
func (h *Hub) SetOperatorSink(sink OperatorSink) {
	h.router.SetOperatorSink(sink)
}

// Run processes queued work until ctx is done or the Hub is shut down. A context
// cancellation is a clean exit and returns nil.
func (h *Hub) Run(ctx context.Context) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	var sweep <-chan time.Time
	if h.tracker != nil {
		interval := h.tracker.TTL() / 2
		if interval < 100*time.Millisecond {
			interval = 100 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-h.ShutdownStartedChan():
			err = h.WaitShutdown()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		case fn := <-h.queue:
			fn()
		case now := <-sweep:
			h.expireCommands(now)
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. Open Sessions
// are not closed here; each is closed by its own connection's context.
func (h *Hub) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	return completionErr
}

// Submit enqueues fn to run on the Hub loop. Returns false, without running fn, if the
// Hub has shut down.
func (h *Hub) Submit(fn func()) bool {
	if h.IsStartedShutdown() {
		return false
	}
	select {
	case h.queue <- fn:
		return true
	case <-h.ShutdownStartedChan():
		return false
	}
}

// Do runs fn on the Hub loop and waits for it to complete
func (h *Hub) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !h.Submit(func() {
		fn()
		close(done)
	}) {
		return ErrHubStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ShutdownStartedChan():
		return ErrHubStopped
	}
}

// ListDevices returns a sorted snapshot of the registered device identifiers
func (h *Hub) ListDevices(ctx context.Context) ([]string, error) {
	var ids []string
	err := h.Do(ctx, func() {
		ids = h.registry.List()
	})
	return ids, err
}

// SendCommand dispatches an operator action to a registered device on the Hub loop
func (h *Hub) SendCommand(ctx context.Context, deviceID string, action string) (*CommandResult, error) {
	var result *CommandResult
	var dispatchErr error
	err := h.Do(ctx, func() {
		result, dispatchErr = h.dispatcher.Dispatch(deviceID, action)
	})
	if err != nil {
		return nil, err
	}
	return result, dispatchErr
}

// ServeConn runs the protocol on one accepted device connection until it closes or
// ctx is done. Ownership of conn passes to the Hub; it is closed before ServeConn
// returns.
func (h *Hub) ServeConn(ctx context.Context, conn FrameConn) error {
	s := NewSession(h.Logger, conn)
	h.connStats.New()
	h.connStats.Open()
	defer h.connStats.Close()
	s.DLogf("%v Opened", &h.connStats)
	s.ShutdownOnContext(ctx)

	if !h.Submit(func() { h.router.HandleConnect(s) }) {
		return s.Shutdown(ErrHubStopped)
	}

	var readErr error
	for {
		frame, err := s.ReadFrame()
		if err != nil {
			readErr = err
			break
		}
		if !h.Submit(func() { h.router.HandleFrame(s, frame) }) {
			return s.Shutdown(ErrHubStopped)
		}
	}

	if !h.Submit(func() { h.router.HandleDisconnect(s, readErr) }) {
		s.StartShutdown(ErrHubStopped)
	}
	return s.WaitShutdown()
}

func (h *Hub) expireCommands(now time.Time) {
	for _, cmd := range h.tracker.Expire(now) {
		h.WLogf("Command %s ('%s' to %s) expired without a response", cmd.CommandID, cmd.Action, cmd.DeviceID)
		h.observers.Publish(h.Logger, &Event{
			Kind:      EventCommandExpired,
			DeviceID:  cmd.DeviceID,
			CommandID: cmd.CommandID,
			Action:    cmd.Action,
		})
	}
}
