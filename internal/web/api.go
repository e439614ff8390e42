// ABOUTME: JSON admin API handlers: account registration and login, agent and
// ABOUTME: space management, and membership changes pushed to live connections.

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zencelium/zencelium/internal/auth"
	"github.com/zencelium/zencelium/internal/broker"
	"github.com/zencelium/zencelium/internal/store"
)

type contextKey string

const accountContextKey contextKey = "account"

// accountFrom returns the authenticated account stored by requireAuth.
func accountFrom(ctx context.Context) *store.Account {
	account, _ := ctx.Value(accountContextKey).(*store.Account)
	return account
}

// requireAuth verifies the request's session token and loads its account
// into the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing session token")
			return
		}
		account, err := s.sessionAccount(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey, account)
		next(w, r.WithContext(ctx))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type accountView struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type agentView struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

type spaceView struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

func viewAgent(a *store.Agent) agentView {
	return agentView{UUID: a.UUID, Name: a.Name, Token: a.Token}
}

func viewSpaces(spaces []*store.Space) []spaceView {
	out := make([]spaceView, 0, len(spaces))
	for _, sp := range spaces {
		out = append(out, spaceView{UUID: sp.UUID, Name: sp.Name})
	}
	return out
}

// handleRegister creates an account. The store also creates the account's own
// agent and own space, both named after the account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name and password required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hashing password")
		return
	}

	account, err := s.catalog.CreateAccount(r.Context(), req.Name, req.DisplayName, hash)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "account name taken")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating account")
		return
	}

	s.logger.Info("account registered", "account", account.Name)
	writeJSON(w, http.StatusCreated, accountView{
		UUID:        account.UUID,
		Name:        account.Name,
		DisplayName: account.DisplayName,
	})
}

// handleLogin checks account credentials and issues a session token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	account, err := s.catalog.AccountByName(r.Context(), req.Name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "bad credentials")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading account")
		return
	}

	if err := auth.CheckPassword(account.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "bad credentials")
		return
	}

	token, err := s.sessions.Issue(account.UUID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing session")
		return
	}
	if err := s.catalog.TouchLastLogin(r.Context(), account.UUID); err != nil {
		s.logger.Warn("recording login time", "account", account.Name, "error", err)
	}

	s.logger.Info("account logged in", "account", account.Name)
	writeJSON(w, http.StatusOK, map[string]string{"session": token})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	agents, err := s.catalog.AgentsOf(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing agents")
		return
	}

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, viewAgent(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	agent, err := s.catalog.CreateAgent(r.Context(), account, req.Name)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "agent name taken")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating agent")
		return
	}

	s.logger.Info("agent created", "account", account.Name, "agent", agent.Name)
	writeJSON(w, http.StatusCreated, viewAgent(agent))
}

// handleDeleteAgent removes an agent from the catalog and disconnects it if
// it is online. An agent that is not connected is not an error.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	name := r.PathValue("name")

	agent, err := s.catalog.AgentByName(r.Context(), account, name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such agent")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent")
		return
	}

	if err := s.catalog.DeleteAgent(r.Context(), account, name); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting agent")
		return
	}

	if err := s.registry.Close(agent); err != nil && !errors.Is(err, broker.ErrNotConnected) {
		s.logger.Warn("closing deleted agent's connection", "agent", agent.Name, "error", err)
	}

	s.logger.Info("agent deleted", "account", account.Name, "agent", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentSpaces(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	agent, err := s.catalog.AgentByName(r.Context(), account, r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such agent")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent")
		return
	}

	spaces, err := s.catalog.SpacesOf(r.Context(), agent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing memberships")
		return
	}
	writeJSON(w, http.StatusOK, viewSpaces(spaces))
}

// handleAgentJoin records a membership and, when the agent is online, joins
// its live connection to the space immediately.
func (s *Server) handleAgentJoin(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	var req struct {
		Space string `json:"space"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := s.catalog.AgentByName(r.Context(), account, r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such agent")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent")
		return
	}

	space, err := s.catalog.AgentJoinSpace(r.Context(), agent, req.Space)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such space")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "joining space")
		return
	}

	err = s.registry.Join(r.Context(), agent, []*store.Space{space})
	if err != nil && !errors.Is(err, broker.ErrNotConnected) {
		writeError(w, http.StatusInternalServerError, "updating live connection")
		return
	}

	s.logger.Info("membership added", "agent", agent.Name, "space", space.Name)
	writeJSON(w, http.StatusOK, spaceView{UUID: space.UUID, Name: space.Name})
}

// handleAgentLeave removes a membership and detaches a live connection from
// the space if the agent is online.
func (s *Server) handleAgentLeave(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	agent, err := s.catalog.AgentByName(r.Context(), account, r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such agent")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading agent")
		return
	}

	space, err := s.catalog.AgentLeaveSpace(r.Context(), agent, r.PathValue("space"))
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNotMember) {
		writeError(w, http.StatusNotFound, "no such membership")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "leaving space")
		return
	}

	err = s.registry.Leave(r.Context(), agent, []*store.Space{space})
	if err != nil && !errors.Is(err, broker.ErrNotConnected) {
		writeError(w, http.StatusInternalServerError, "updating live connection")
		return
	}

	s.logger.Info("membership removed", "agent", agent.Name, "space", space.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	spaces, err := s.catalog.SpacesOfAccount(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing spaces")
		return
	}
	writeJSON(w, http.StatusOK, viewSpaces(spaces))
}

func (s *Server) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	space, err := s.catalog.CreateSpace(r.Context(), account, req.Name)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "space name taken")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating space")
		return
	}

	s.logger.Info("space created", "account", account.Name, "space", space.Name)
	writeJSON(w, http.StatusCreated, spaceView{UUID: space.UUID, Name: space.Name})
}

func (s *Server) handleDeleteSpace(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	name := r.PathValue("name")

	if err := s.catalog.DeleteSpace(r.Context(), account, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such space")
			return
		}
		writeError(w, http.StatusInternalServerError, "deleting space")
		return
	}

	s.logger.Info("space deleted", "account", account.Name, "space", name)
	w.WriteHeader(http.StatusNoContent)
}
