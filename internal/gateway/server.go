// Package gateway serves the device and admin WebSocket channels plus the
// health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/devlink/internal/metrics"
	"github.com/nextlevelbuilder/devlink/internal/session"
)

const (
	ChannelDevice = "device"
	ChannelAdmin  = "admin"
)

// Config configures the HTTP listener.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string // empty allows any origin
}

// Server owns the listener and every live connection.
type Server struct {
	cfg      Config
	coord    *session.Coordinator
	auth     *Authenticator
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}

	httpServer *http.Server
	started    time.Time
}

// NewServer creates a gateway server. auth must not be nil.
func NewServer(cfg Config, coord *session.Coordinator, auth *Authenticator) *Server {
	s := &Server{
		cfg:     cfg,
		coord:   coord,
		auth:    auth,
		clients: make(map[*Client]struct{}),
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/device", s.handleDevice)
	mux.HandleFunc("/ws/admin", s.handleAdmin)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.closeAll()
	slog.Info("gateway stopped")
	return err
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("device upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, ChannelDevice)
	s.track(client)
	defer s.untrack(client)

	slog.Debug("device connection opened", "client", client.ID(), "remote", r.RemoteAddr)
	client.Run(r.Context(), s.coord.OpenDevice(client))
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		slog.Warn("security.admin_auth_failed", "remote", r.RemoteAddr, "error", err)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("admin upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, ChannelAdmin)
	s.track(client)
	defer s.untrack(client)

	client.Run(r.Context(), s.coord.OpenAdmin(r.Context(), client, userID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	devices, admins := s.coord.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"devices": devices,
		"admins":  admins,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Devices and CLI clients send no Origin.
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("security.origin_rejected", "origin", origin)
	return false
}

func (s *Server) track(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// closeAll drops every live connection; their read pumps then run the
// normal disconnect path.
func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": message, "code": status})
}
