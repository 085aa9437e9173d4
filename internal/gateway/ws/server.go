// Package ws streams tool lifecycle events to websocket clients and tracks
// the live state of in-flight runs.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/toolgate/internal/events"
)

// Subprotocol is negotiated on every connection.
const Subprotocol = "toolgate-events-v1"

// Config configures the event stream server.
type Config struct {
	APIKeys      []string      // Empty = no authentication.
	PingInterval time.Duration // Default: 30s.
	WriteTimeout time.Duration // Default: 10s.
}

// Server pushes every event published on a Bus to connected clients as one
// JSON text message per event. Clients may pass ?run_id= to receive events
// for a single run only.
type Server struct {
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
	conns  atomic.Int64
}

// NewServer creates an event stream server reading from bus.
func NewServer(bus *events.Bus, cfg Config, logger *slog.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: bus, cfg: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	return int(s.conns.Load())
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn, r.URL.Query().Get("run_id"))
}

// authorized accepts a bearer token or a ?token= query parameter, since
// browsers cannot set headers on websocket handshakes.
func (s *Server) authorized(r *http.Request) bool {
	if len(s.cfg.APIKeys) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return false
	}
	ok := false
	for _, key := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, runID string) {
	ch, unsubscribe := s.bus.Subscribe()
	s.conns.Add(1)
	defer func() {
		unsubscribe()
		s.conns.Add(-1)
		conn.Close(websocket.StatusNormalClosure, "stream closed")
	}()

	// Clients only listen; reading is needed to process control frames.
	ctx = conn.CloseRead(ctx)

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if runID != "" && e.RunID != runID {
				continue
			}
			if err := s.write(ctx, conn, e); err != nil {
				s.logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
