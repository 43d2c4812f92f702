package drshare

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

// SessionState is the registration state of a Session
type SessionState int

const (
	// SessionUnregistered is the state of every new Session
	SessionUnregistered SessionState = iota

	// SessionRegistered is entered on the first accepted "register" and never left
	SessionRegistered
)

func (s SessionState) String() string {
	switch s {
	case SessionUnregistered:
		return "unregistered"
	case SessionRegistered:
		return "registered"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

var nextSessionID int32

// AllocSessionID allocates a unique Session ID number, for logging purposes
func AllocSessionID() int32 {
	return atomic.AddInt32(&nextSessionID, 1)
}

// Session is the server-side state of one open device connection. It exclusively owns
// its FrameConn; shutting the Session down closes the connection.
//
// Registration state is only mutated by the Router, from the Hub loop, in response to
// messages arriving on this Session's own connection.
type Session struct {
	ShutdownHelper
	ID       int32
	conn     FrameConn
	deviceID string
	state    SessionState
}

// NewSession creates an activated Session in state SessionUnregistered
func NewSession(logger Logger, conn FrameConn) *Session {
	s := &Session{
		ID:   AllocSessionID(),
		conn: conn,
	}
	s.InitShutdownHelper(logger.Fork("[%d]Session(%s)", s.ID, conn.RemoteAddr()), s)
	s.PanicOnError(s.Activate())
	return s
}

func (s *Session) String() string {
	return s.Logger.Prefix()
}

// DeviceID returns the identifier assigned by the last accepted registration, or ""
func (s *Session) DeviceID() string {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.deviceID
}

// State returns the registration state
func (s *Session) State() SessionState {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.state
}

// IsRegistered returns true once a registration has been accepted
func (s *Session) IsRegistered() bool {
	return s.State() == SessionRegistered
}

// AssignDevice binds this Session to deviceID and moves it to SessionRegistered. A later
// call overwrites the identifier; the last write wins.
func (s *Session) AssignDevice(deviceID string) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	s.deviceID = deviceID
	s.state = SessionRegistered
}

// Send encodes and writes one message. After the Session has started shutting down,
// Send does nothing and returns a TransportError wrapping ErrSessionClosed.
func (s *Session) Send(m *devproto.Message) error {
	if s.IsStartedShutdown() {
		return &TransportError{DeviceID: s.DeviceID(), Err: ErrSessionClosed}
	}
	frame := devproto.Encode(m)
	if err := s.conn.WriteFrame(frame); err != nil {
		return &TransportError{DeviceID: s.DeviceID(), Err: err}
	}
	s.TLogf("Sent %s", frame)
	return nil
}

// ReadFrame blocks for the next inbound frame on this Session's connection
func (s *Session) ReadFrame() ([]byte, error) {
	return s.conn.ReadFrame()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It closes the
// underlying connection.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	err := s.conn.Close()
	if err != nil {
		err = s.Errorf("%s", err)
	}
	if bc, ok := s.conn.(ByteCounter); ok {
		s.DLogf("Closed (received %s, sent %s)",
			sizestr.ToString(bc.GetNumBytesRead()), sizestr.ToString(bc.GetNumBytesWritten()))
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
