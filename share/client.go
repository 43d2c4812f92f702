package drshare

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

// ClientConfig represents a device client configuration
type ClientConfig struct {
	// Server is the relay URL, e.g. wss://relay.example.com:4444/
	Server string

	// DeviceID is the identifier sent in the register message
	DeviceID string

	// Insecure disables verification of the server certificate
	Insecure bool

	// MaxRetryCount limits reconnect attempts after a connection error; negative
	// means retry forever
	MaxRetryCount int

	// MaxRetryInterval caps the reconnect backoff
	MaxRetryInterval time.Duration

	// InfoInterval, if positive, is how often the client asks the server for get_info
	InfoInterval time.Duration

	// FrameConn holds the keepalive settings of the websocket
	FrameConn FrameConnConfig
}

// ActionHandler answers one server command. It returns the response status, message
// and optional data payload.
type ActionHandler func(cmd *devproto.Message) (status string, message string, data interface{})

// Client is a device that connects to a relay, registers, and answers commands.
// It reconnects with backoff when the connection fails.
type Client struct {
	ShutdownHelper
	config        *ClientConfig
	server        string
	handlersLock  sync.Mutex
	handlers      map[string]ActionHandler
	registered    chan struct{}
	registerOnce  sync.Once
	connStats     ConnStats
	lastInfoReply *devproto.Message
}

// NewClient creates a new device client instance
func NewClient(logger Logger, config *ClientConfig) (*Client, error) {
	if config.DeviceID == "" {
		return nil, fmt.Errorf("%s: a device id is required", logger.Prefix())
	}
	server := config.Server
	//apply default scheme
	if !strings.Contains(server, "://") {
		server = "wss://" + server
	}
	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 5 * time.Minute
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	//apply default port
	if !regexp.MustCompile(`:\d+$`).MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host = u.Host + ":443"
		} else {
			u.Host = u.Host + ":80"
		}
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	if u.Path == "" {
		u.Path = "/"
	}

	c := &Client{
		config:     config,
		server:     u.String(),
		handlers:   make(map[string]ActionHandler),
		registered: make(chan struct{}),
	}
	c.InitShutdownHelper(logger.Fork("Client(%s)", config.DeviceID), c)
	c.HandleAction(devproto.ActionGetWifiStatus, simulatedWifiStatus)
	c.HandleAction(devproto.ActionGetInfo, simulatedDeviceInfo)
	return c, nil
}

// HandleAction sets the handler for a server command action, replacing any previous one
func (c *Client) HandleAction(action string, handler ActionHandler) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	c.handlers[action] = handler
}

func (c *Client) getHandler(action string) ActionHandler {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	return c.handlers[action]
}

// RegisteredChan returns a channel that is closed the first time the server
// acknowledges registration
func (c *Client) RegisteredChan() <-chan struct{} {
	return c.registered
}

//Run starts client and blocks until it shuts down
func (c *Client) Run(ctx context.Context) error {
	err := c.DoOnceActivate(
		func() error {
			c.ShutdownOnContext(ctx)
			c.ILogf("Connecting to %s", c.server)
			go c.connectionLoop(ctx)
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	return c.WaitShutdown()
}

func (c *Client) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.ShutdownStartedChan():
	}
}

func (c *Client) connectionLoop(ctx context.Context) {
	//connection loop!
	var connerr error
	b := &backoff.Backoff{Max: c.config.MaxRetryInterval}
	for !c.IsStartedShutdown() {
		if connerr != nil {
			attempt := int(b.Attempt())
			maxAttempt := c.config.MaxRetryCount
			d := b.Duration()
			//show error and attempt counts
			msg := fmt.Sprintf("Connection error: %s", connerr)
			if attempt > 0 {
				msg += fmt.Sprintf(" (Attempt: %d", attempt)
				if maxAttempt > 0 {
					msg += fmt.Sprintf("/%d", maxAttempt)
				}
				msg += ")"
			}
			c.DLogf(msg)
			//give up?
			if maxAttempt >= 0 && attempt >= maxAttempt {
				c.Shutdown(connerr)
				return
			}
			c.ILogf("Retrying in %s...", d)
			connerr = nil
			c.sleep(d)
			continue
		}
		d := websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 45 * time.Second,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: c.config.Insecure,
			},
		}
		wsConn, _, err := d.DialContext(ctx, c.server, nil)
		if err != nil {
			connerr = err
			continue
		}
		conn := NewWebSocketFrameConn(wsConn, c.config.FrameConn)
		c.connStats.New()
		c.connStats.Open()
		err = c.runConn(ctx, conn, b)
		c.connStats.Close()
		conn.Close()
		if c.IsStartedShutdown() {
			break
		}
		c.ILogf("Disconnected: %s", err)
		connerr = err
	}
	c.Close()
}

// runConn registers on an established connection and answers commands until the
// connection fails or the client shuts down
func (c *Client) runConn(ctx context.Context, conn FrameConn, b *backoff.Backoff) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-stop:
		case <-c.ShutdownStartedChan():
			conn.Close()
		}
	}()

	var writeLock sync.Mutex
	send := func(m *devproto.Message) error {
		writeLock.Lock()
		defer writeLock.Unlock()
		return conn.WriteFrame(devproto.Encode(m))
	}

	if err := send(&devproto.Message{Type: devproto.TypeRegister, DeviceID: c.config.DeviceID}); err != nil {
		return err
	}

	if c.config.InfoInterval > 0 {
		go c.infoLoop(stop, send)
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		msg, err := devproto.Decode(frame)
		if err != nil {
			c.WLogf("Ignoring malformed frame from server: %s", err)
			continue
		}
		switch msg.Type {
		case devproto.TypeWelcome:
			c.ILogf("Server says: %s", msg.Message)
		case devproto.TypeRegistered:
			c.ILogf("%s", msg.Message)
			b.Reset()
			c.registerOnce.Do(func() { close(c.registered) })
		case devproto.TypeCommand:
			if err := send(c.answer(msg)); err != nil {
				return err
			}
		case devproto.TypeResponse:
			c.DLogf("Response to %s: %s %s", msg.CommandID, msg.Status, devproto.ToPrettyJsonString(msg.Data))
			c.Lock.Lock()
			c.lastInfoReply = msg
			c.Lock.Unlock()
		case devproto.TypeError:
			c.WLogf("Server error: %s", msg.Message)
		default:
			c.DLogf("Ignoring '%s' message from server", msg.Type)
		}
	}
}

// answer builds the response to a server command
func (c *Client) answer(cmd *devproto.Message) *devproto.Message {
	c.ILogf("Received command '%s' (commandId %s)", cmd.Action, cmd.CommandID)
	handler := c.getHandler(cmd.Action)
	if handler == nil {
		return devproto.NewResponse(cmd.CommandID, "error",
			fmt.Sprintf("Unsupported action '%s'", cmd.Action), nil)
	}
	status, message, data := handler(cmd)
	return devproto.NewResponse(cmd.CommandID, status, message, data)
}

func (c *Client) infoLoop(stop <-chan struct{}, send func(*devproto.Message) error) {
	ticker := time.NewTicker(c.config.InfoInterval)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n++
			cmd := devproto.NewCommand(devproto.ActionGetInfo, fmt.Sprintf("%s-info-%d", c.config.DeviceID, n))
			if err := send(cmd); err != nil {
				return
			}
		}
	}
}

// LastInfoReply returns the most recent response received from the server, or nil
func (c *Client) LastInfoReply() *devproto.Message {
	c.Lock.Lock()
	defer c.Lock.Unlock()
	return c.lastInfoReply
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
// The active connection is closed by runConn when shutdown starts.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	c.DLogf("HandleOnceShutdown %v", &c.connStats)
	return completionErr
}

func simulatedWifiStatus(cmd *devproto.Message) (string, string, interface{}) {
	return devproto.StatusSuccess, "Wi-Fi status retrieved", map[string]interface{}{
		"connected": true,
		"ssid":      "devrelay-sim",
		"rssi":      -52,
		"linkSpeed": 144,
	}
}

func simulatedDeviceInfo(cmd *devproto.Message) (string, string, interface{}) {
	host, _ := os.Hostname()
	return devproto.StatusSuccess, "Info provided", map[string]interface{}{
		"hostname":   host,
		"deviceTime": time.Now().UnixNano() / int64(time.Millisecond),
	}
}
