package drshare

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

func newTestLogger() Logger {
	return NewLoggerWithWriter(io.Discard, "test", LogLevelError)
}

// fakeConn is an in-memory FrameConn. Frames pushed with push are returned by
// ReadFrame; frames written are recorded.
type fakeConn struct {
	addr      string
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	lock     sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{
		addr:    addr,
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string {
	return c.addr
}

func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

func (c *fakeConn) failWrites(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.writeErr = err
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) numWritten() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.written)
}

// messages decodes every frame written so far
func (c *fakeConn) messages(t *testing.T) []*devproto.Message {
	t.Helper()
	c.lock.Lock()
	defer c.lock.Unlock()
	msgs := make([]*devproto.Message, 0, len(c.written))
	for _, f := range c.written {
		m, err := devproto.Decode(f)
		if err != nil {
			t.Fatalf("written frame %q does not decode: %s", f, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// recordingSink is an OperatorSink that remembers what it was shown. With conn set,
// each prompt records how many frames conn had written at that moment.
type recordingSink struct {
	lock      sync.Mutex
	conn      *fakeConn
	responses []*ResponseReport
	prompts   []int
}

func (s *recordingSink) DeviceResponse(rep *ResponseReport) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.responses = append(s.responses, rep)
}

func (s *recordingSink) Prompt() {
	n := -1
	if s.conn != nil {
		n = s.conn.numWritten()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.prompts = append(s.prompts, n)
}

func (s *recordingSink) getResponses() []*ResponseReport {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*ResponseReport(nil), s.responses...)
}

// eventRecorder is an Observer that keeps every Event
type eventRecorder struct {
	lock   sync.Mutex
	events []*Event
}

func (r *eventRecorder) Observe(ev *Event) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) kinds() []EventKind {
	r.lock.Lock()
	defer r.lock.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (r *eventRecorder) ofKind(kind EventKind) []*Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var errWriteFailed = errors.New("broken pipe")

// sequenceIDs returns a CorrelationSource yielding cmd-1, cmd-2, ...
func sequenceIDs() CorrelationSource {
	var lock sync.Mutex
	n := 0
	return func() string {
		lock.Lock()
		defer lock.Unlock()
		n++
		return "cmd-" + itoa(n)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
