package drshare

import (
	"context"
	"sync"
)

// OnceActivateHandler is called exactly once, with shutdown paused, to activate an object
// managed by a ShutdownHelper. If it returns an error the object is not activated and
// shutdown starts immediately with that error.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by objects managed by a ShutdownHelper
type OnceShutdownHandler interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take
	// completionError as an advisory completion value, actually shut down, then return the
	// real completion value. It is never called while shutdown is paused.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by objects that provide asynchronous shutdown
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. Has no effect
	// if shutdown was already scheduled. completionErr is advisory.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown returns true once shutdown is completely done
	IsDoneShutdown() bool

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// ShutdownHelper is a base that manages clean asynchronous object shutdown for an
// object that implements OnceShutdownHandler. Embed it and call InitShutdownHelper.
//
// Shutdown proceeds as: scheduled (StartShutdown) -> started (pause count reaches 0,
// HandleOnceShutdown runs) -> children shut down and waited for -> done.
type ShutdownHelper struct {
	// Logger is the Logger that will be used for log output from this helper
	Logger

	// Lock is a general-purpose mutex for this helper; derived objects may use it as well
	Lock sync.Mutex

	shutdownHandler         OnceShutdownHandler
	shutdownPauseCount      int
	isActivated             bool
	isScheduledShutdown     bool
	isStartedShutdown       bool
	isDoneShutdown          bool
	shutdownErr             error
	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}
	wg                      sync.WaitGroup
}

// InitShutdownHelper initializes a new ShutdownHelper in place
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// asyncDoStartedShutdown runs shutdown in the background. isStartedShutdown must already
// be true and shutdownErr must hold the advisory completion error.
func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.TLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		h.TLogf("->shutdownHandlerDone")
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown prevents shutdown from starting until a matching ResumeShutdown.
// Returns an error if shutdown has already started. Shutdown may still be scheduled
// while paused.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("Shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// ResumeShutdown decrements the shutdown pause count, and if it becomes zero, allows
// a scheduled shutdown to start
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Lock.Unlock()
		h.Panicf("ResumeShutdown before PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ResumeAndShutdown resumes shutdown and then shuts down synchronously, returning the
// final completion status. Suitable after a successful PauseShutdown.
func (h *ShutdownHelper) ResumeAndShutdown(completionErr error) error {
	h.ResumeShutdown()
	return h.Shutdown(completionErr)
}

// IsActivated returns true if this helper has been activated
func (h *ShutdownHelper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isActivated
}

// Activate sets the "activated" flag. Does nothing if already activated. Fails if
// shutdown has already started.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("Cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate activates the object by invoking onceActivateHandler with shutdown paused.
// Returns nil if already activated. If shutdown has already started, or the handler
// fails, shutdown is (or remains) started and an error is returned; with waitOnFail the
// call also waits for shutdown to complete.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	var err error
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("Shutdown already started; cannot Activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err = onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext starts shutdown with the context's error when ctx is done. It does
// not block.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true if shutdown has begun
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsScheduledShutdown returns true if StartShutdown() has been called
func (h *ShutdownHelper) IsScheduledShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isScheduledShutdown
}

// IsDoneShutdown returns true if shutdown is complete
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownStartedChan returns a channel that will be closed as soon as shutdown is started
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that will be closed after shutdown is done
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for shutdown to complete, then returns the final status. It does
// not initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown starts shutdown if it has not already started, waits for it to complete,
// then returns the final shutdown status
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown of the object. Only the first call has
// any effect. If shutdown is paused, starting is deferred until the pause count reaches 0.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with an advisory completion status of nil, and returns the final
// completion status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild adds a child that will be actively shut down after HandleOnceShutdown
// returns, before this object's shutdown is considered complete. The child is shut down
// with the status returned from HandleOnceShutdown as its advisory completion status.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
