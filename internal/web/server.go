// ABOUTME: HTTP server wiring: websocket endpoint for agents, JSON admin API for accounts.
// ABOUTME: Routes live on a standard mux; handlers are methods on Server.

package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zencelium/zencelium/internal/auth"
	"github.com/zencelium/zencelium/internal/broker"
	"github.com/zencelium/zencelium/internal/bus"
	"github.com/zencelium/zencelium/internal/store"
)

// upgrader performs the HTTP to websocket upgrade. Origin checking is left
// to the reverse proxy in front of the service.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server holds the HTTP surface of the relay: the websocket endpoint agents
// connect to and the JSON admin API accounts manage themselves through.
type Server struct {
	catalog  store.Store
	registry *broker.Registry
	bus      bus.Bus
	sessions *auth.JWTSessions
	logger   *slog.Logger
}

// NewServer wires the HTTP surface around the relay core.
func NewServer(catalog store.Store, registry *broker.Registry, b bus.Bus, sessions *auth.JWTSessions, logger *slog.Logger) *Server {
	return &Server{
		catalog:  catalog,
		registry: registry,
		bus:      b,
		sessions: sessions,
		logger:   logger.With("component", "web"),
	}
}

// RegisterRoutes registers every route on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Public account endpoints.
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	// Everything below acts on the authenticated account.
	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("POST /api/agents", s.requireAuth(s.handleCreateAgent))
	mux.HandleFunc("DELETE /api/agents/{name}", s.requireAuth(s.handleDeleteAgent))
	mux.HandleFunc("GET /api/agents/{name}/spaces", s.requireAuth(s.handleAgentSpaces))
	mux.HandleFunc("POST /api/agents/{name}/spaces", s.requireAuth(s.handleAgentJoin))
	mux.HandleFunc("DELETE /api/agents/{name}/spaces/{space}", s.requireAuth(s.handleAgentLeave))

	mux.HandleFunc("GET /api/spaces", s.requireAuth(s.handleListSpaces))
	mux.HandleFunc("POST /api/spaces", s.requireAuth(s.handleCreateSpace))
	mux.HandleFunc("DELETE /api/spaces/{name}", s.requireAuth(s.handleDeleteSpace))
}

// Handler returns the complete HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ListenAndServe runs the HTTP server on addr until ctx ends, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	s.logger.Info("listening", "addr", addr)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
	})
}

// handleWS upgrades the request and hands the socket to a broker connection,
// blocking until the connection ends. A valid session token on the request
// pre-authenticates the connection as that account's own agent; otherwise
// the client must send a login command.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var opts []broker.ConnOption
	if token := sessionToken(r); token != "" {
		account, err := s.sessionAccount(r.Context(), token)
		if err != nil {
			s.logger.Info("rejecting websocket session", "error", err)
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}
		opts = append(opts, broker.WithSession(account))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The response has already been written by the upgrader.
		s.logger.Info("websocket upgrade failed", "error", err)
		return
	}

	sock := newWSConn(conn)
	c := broker.NewConn(sock, s.registry, s.catalog, s.bus, s.logger, opts...)
	if err := c.Run(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("connection ended", "remote", r.RemoteAddr, "error", err)
	}
}

// sessionToken extracts a session token from the Authorization header or the
// session query parameter.
func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("session")
}

func (s *Server) sessionAccount(ctx context.Context, token string) (*store.Account, error) {
	accountUUID, err := s.sessions.Verify(token)
	if err != nil {
		return nil, err
	}
	return s.catalog.AccountByUUID(ctx, accountUUID)
}
