package drshare

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// FrameConn is a bidirectional, ordered stream of whole message frames between the
// server and one device. It is what a Session owns as its socket handle.
type FrameConn interface {
	// ReadFrame blocks until the next inbound frame arrives. Any error is terminal for
	// the connection.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame. It may be called concurrently with ReadFrame, but
	// not concurrently with itself.
	WriteFrame(frame []byte) error

	// Close tears down the underlying socket. ReadFrame returns an error afterwards.
	Close() error

	// RemoteAddr describes the peer, for logging
	RemoteAddr() string
}

// ByteCounter is optionally implemented by a FrameConn that keeps traffic statistics
type ByteCounter interface {
	GetNumBytesRead() int64
	GetNumBytesWritten() int64
}

// FrameConnConfig holds the keepalive and limit settings applied to a websocket FrameConn
type FrameConnConfig struct {
	// MaxMessageSize is the largest inbound frame accepted; 0 means no limit
	MaxMessageSize int64

	// PingInterval is how often a ping is sent to the peer; 0 disables pings
	PingInterval time.Duration

	// PongTimeout is how long to wait for any inbound traffic after a ping
	PongTimeout time.Duration

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration
}

// WebSocketFrameConn implements FrameConn on top of a gorilla websocket connection
type WebSocketFrameConn struct {
	ws              *websocket.Conn
	cfg             FrameConnConfig
	writeLock       sync.Mutex
	closeOnce       sync.Once
	done            chan struct{}
	numBytesRead    int64
	numBytesWritten int64
}

// NewWebSocketFrameConn wraps an established websocket connection. If cfg enables pings,
// a background pinger runs until Close.
func NewWebSocketFrameConn(ws *websocket.Conn, cfg FrameConnConfig) *WebSocketFrameConn {
	c := &WebSocketFrameConn{
		ws:   ws,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		c.extendReadDeadline()
		ws.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
		go c.pingLoop()
	}
	return c
}

func (c *WebSocketFrameConn) extendReadDeadline() {
	if c.cfg.PingInterval > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
	}
}

func (c *WebSocketFrameConn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout())
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketFrameConn) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// ReadFrame implements FrameConn. Control frames are handled internally; text and
// binary frames are both returned.
func (c *WebSocketFrameConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	// any traffic proves the peer is alive, even if it never answers pings
	c.extendReadDeadline()
	atomic.AddInt64(&c.numBytesRead, int64(len(data)))
	return data, nil
}

// WriteFrame implements FrameConn
func (c *WebSocketFrameConn) WriteFrame(frame []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	atomic.AddInt64(&c.numBytesWritten, int64(len(frame)))
	return nil
}

// Close implements FrameConn. A close frame is sent on a best-effort basis.
func (c *WebSocketFrameConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr implements FrameConn
func (c *WebSocketFrameConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// GetNumBytesRead returns the number of payload bytes read so far
func (c *WebSocketFrameConn) GetNumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// GetNumBytesWritten returns the number of payload bytes written so far
func (c *WebSocketFrameConn) GetNumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}
