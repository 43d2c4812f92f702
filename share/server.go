package drshare

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
)

// Server represents a device relay service: a secure websocket listener feeding a Hub
type Server struct {
	ShutdownHelper
	config       *Config
	hub          *Hub
	httpServer   *HTTPServer
	tlsConfig    *tls.Config
	certReloader *CertReloader
	metrics      *Metrics
	journal      *Journal
	mirror       *MQTTMirror
	httpHandler  http.Handler
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates and returns a new relay server, with its Hub and any observers
// enabled by config. Nothing listens until Run.
func NewServer(logger Logger, config *Config) (*Server, error) {
	s := &Server{
		config:     config,
		httpServer: NewHTTPServer(logger),
	}
	s.InitShutdownHelper(logger.Fork("Server"), s)

	var err error
	s.tlsConfig, s.certReloader, err = LoadServerTLSConfig(s.Logger, config.TLS)
	if err != nil {
		return nil, err
	}
	if s.tlsConfig == nil {
		s.WLogf("TLS is disabled; device traffic will not be encrypted")
	}

	var observers []Observer
	s.metrics = NewMetrics()
	observers = append(observers, s.metrics)

	if config.Journal.Path != "" {
		s.journal, err = OpenJournal(s.Logger, config.Journal.Path)
		if err != nil {
			return nil, err
		}
		observers = append(observers, s.journal)
	}

	if config.MQTT.Broker != "" {
		s.mirror = NewMQTTMirror(s.Logger, config.MQTT)
		observers = append(observers, s.mirror)
	}

	s.hub = NewHub(logger, config.HubConfig(), observers...)
	s.metrics.AttachHub(s.hub)
	return s, nil
}

// Hub returns the Hub that runs the device protocol for this server
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics returns the server's prometheus collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Run is responsible for starting the relay service. It returns after the server has
// shut down; cancelling ctx is a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)

			if s.mirror != nil {
				if err := s.mirror.Connect(); err != nil {
					return err
				}
			}

			if s.certReloader != nil && s.config.TLS.Watch {
				if err := s.certReloader.Watch(ctx); err != nil {
					return err
				}
				s.AddShutdownChild(s.certReloader)
			}

			// the server cannot outlive its event loop
			go func() {
				err := s.hub.Run(ctx)
				if err != nil {
					s.ELogf("Hub loop failed: %s", err)
				}
				s.StartShutdown(err)
			}()

			h := http.Handler(s.newHandler(ctx))
			if s.GetLogLevel() >= LogLevelDebug {
				h = requestlog.Wrap(h)
			}
			s.httpHandler = h

			scheme := "wss"
			if s.tlsConfig == nil {
				scheme = "ws"
			}
			s.ILogf("Listening on %s://%s%s ...", scheme, s.config.Addr(), s.config.Server.WSPath)
			return nil
		},
		true,
	)

	if err != nil {
		return err
	}

	err = s.httpServer.ListenAndServe(ctx, s.config.Addr(), s.httpHandler, s.tlsConfig)

	err = s.Shutdown(err)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Addr blocks until the server is listening and returns the bound address, or nil if
// it never listened
func (s *Server) Addr() net.Addr {
	return s.httpServer.Addr()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
// Open device sessions are not closed here.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	err := s.httpServer.Close()
	// observers must outlive the hub loop that feeds them
	s.hub.Shutdown(nil)
	if s.mirror != nil {
		s.mirror.Close()
	}
	if s.journal != nil {
		if jerr := s.journal.Close(); err == nil {
			err = jerr
		}
	}

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
