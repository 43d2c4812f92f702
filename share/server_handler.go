package drshare

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// FallbackText is the body returned to plain HTTPS requests that do not upgrade to
// a websocket
const FallbackText = "WebSocket server is running over HTTPS\n"

// newHandler builds the HTTP routes of the relay: the websocket endpoint, health and
// version checks, the registered device list and metrics. Any other request gets the
// plaintext fallback.
func (s *Server) newHandler(ctx context.Context) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(BuildVersion))
	})
	r.Get("/devices", s.handleDevices)
	r.Handle("/metrics", s.metrics.Handler())

	r.HandleFunc(s.config.Server.WSPath, func(w http.ResponseWriter, r *http.Request) {
		s.handleClientHandler(ctx, w, r)
	})
	r.NotFound(handleFallback)
	r.MethodNotAllowed(handleFallback)
	return r
}

func handleFallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(FallbackText))
}

// handleClientHandler is the main http websocket handler for the relay server
func (s *Server) handleClientHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		handleFallback(w, r)
		return
	}
	s.DLogf("Upgrading to websocket, URL tail=\"%s\", remote=%s", r.URL.String(), r.RemoteAddr)
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		s.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}

	go func() {
		s.handleWebsocket(ctx, wsConn)
	}()
}

// handleWebsocket runs the device protocol on an upgraded connection. The connection is
// closed on return.
func (s *Server) handleWebsocket(ctx context.Context, wsConn *websocket.Conn) {
	conn := NewWebSocketFrameConn(wsConn, s.config.FrameConnConfig())
	err := s.hub.ServeConn(ctx, conn)
	if err != nil && err != context.Canceled {
		s.DLogf("Connection from %s ended: %s", conn.RemoteAddr(), err)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ids, err := s.hub.ListDevices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"devices": ids,
		"count":   len(ids),
	})
}
