// Package gateway streams bus events to WebSocket clients and serves a
// small JSON status endpoint for local dashboards.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/connection"
)

const (
	pingInterval = 20 * time.Second
	writeTimeout = 5 * time.Second
	subBufSize   = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local clients only; the listener binds to loopback by default.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// StatusSource reports the connection status.
type StatusSource interface {
	Status(ctx context.Context) (connection.Status, error)
}

// Event is the JSON frame written to WebSocket clients.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Server is the HTTP side of the gateway.
type Server struct {
	bus    *bus.Bus
	status StatusSource
	log    *zap.Logger
	http   *http.Server
	addr   net.Addr
}

// New builds the gateway handler. Call Start to listen.
func New(b *bus.Bus, status StatusSource, logger *zap.Logger) *Server {
	s := &Server{bus: b, status: status, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.getStatus)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	s.http = &http.Server{
		Handler:           withLogging(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = lis.Addr()
	s.log.Info("gateway listening", zap.String("addr", s.addr.String()))
	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway serve", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() net.Addr { return s.addr }

// Stop shuts the server down. Open event streams end when their request
// context is cancelled.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      st.State,
		"since":      st.Since,
		"device_id":  st.DeviceID,
		"transport":  st.Transport,
		"intent":     st.Intent.String(),
		"generation": st.Generation,
		"reconnect":  st.Reconnect,
	})
}

// eventStream upgrades to a WebSocket and forwards bus events whose kind
// starts with the ns query parameter (all events when empty).
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("ns")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway: ws upgrade", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ch, unsub := s.bus.Subscribe(ns, subBufSize)
	defer unsub()

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(Event{
				ID:        uuid.NewString(),
				Kind:      evt.Kind,
				Timestamp: evt.Timestamp,
				Payload:   evt.Payload,
			}); err != nil {
				s.log.Debug("gateway: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("gateway",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
