package drshare

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"
)

//HTTPServer extends net/http Server and
//adds graceful shutdowns and an optional TLS listener
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
	ready    chan struct{}
}

//NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
		ready: make(chan struct{}),
	}
	h.InitShutdownHelper(logger.Fork("HTTPServer"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
// Closing the server closes the listener; hijacked websocket connections are not affected.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	var err error
	if h.listener != nil {
		err = h.Server.Close()
		if err != nil {
			h.DLogf("HTTPserver: close failed, ignoring: %s", err)
		}
	}
	if completionErr == nil || errors.Is(completionErr, http.ErrServerClosed) {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe Runs the HTTP server
// on the given bind address, invoking the provided handler for each
// request. If tlsConfig is not nil, connections are served over TLS.
// It returns after the server has shutdown. The server can be
// shutdown either by cancelling the context or by calling Shutdown().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler, tlsConfig *tls.Config) error {

	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			if tlsConfig != nil {
				l = tls.NewListener(l, tlsConfig)
			}
			h.Handler = handler
			h.listener = l
			close(h.ready)

			go func() {
				h.Shutdown(h.Serve(l))
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Addr returns the bound listener address once listening has started, blocking until
// then. Returns nil if the server shuts down without ever listening.
func (h *HTTPServer) Addr() net.Addr {
	select {
	case <-h.ready:
		return h.listener.Addr()
	case <-h.ShutdownDoneChan():
		return nil
	}
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
