// Package adminapi exposes management operations over a Unix socket. Access
// is controlled by the socket's file permissions.
package adminapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/run"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/keys"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
)

// Client and scope sources.
const (
	SourceConfig  = "config"
	SourceStored  = "stored"
	SourceBuiltin = "builtin"
)

// Server provides an admin API over a Unix socket.
type Server struct {
	state      *storage.State
	config     *config.Config
	scopes     *scopes.Registry
	keys       *keys.Manager
	users      *profile.Store
	socketPath string
}

// NewServer creates a new admin API server.
func NewServer(state *storage.State, cfg *config.Config, reg *scopes.Registry, km *keys.Manager, users *profile.Store, socketPath string) *Server {
	return &Server{
		state:      state,
		config:     cfg,
		scopes:     reg,
		keys:       km,
		users:      users,
		socketPath: socketPath,
	}
}

// Start starts the admin API server on a Unix socket.
func (s *Server) Start(ctx context.Context, g *run.Group) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	// owner read/write only
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Add(func() error {
		slog.Info("admin API server listening", slog.String("socket", s.socketPath))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving admin API: %w", err)
		}
		return nil
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	})

	return nil
}

// Handler returns the admin API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/clients", s.handleListClients)
		r.Post("/clients", s.handleCreateClient)
		r.Delete("/clients/{id}", s.handleDeleteClient)

		r.Get("/scopes", s.handleListScopes)
		r.Post("/scopes", s.handleCreateScope)
		r.Delete("/scopes/{name}", s.handleDeleteScope)

		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Put("/users/{id}/active", s.handleSetUserActive)

		r.Get("/grants", s.handleListGrants)
		r.Delete("/grants/{id}", s.handleRevokeGrant)

		r.Get("/keys", s.handleListKeys)
		r.Post("/keys/rotate", s.handleRotateKeys)

		r.Post("/gc", s.handleGC)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

type ClientInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Source       string   `json:"source"`
	Public       bool     `json:"public,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type ListClientsResponse struct {
	Clients []ClientInfo `json:"clients"`
}

func clientInfo(cl *config.Client, source string) ClientInfo {
	return ClientInfo{
		ID:           cl.ID,
		Name:         cl.Name,
		Source:       source,
		Public:       cl.Public,
		RedirectURIs: cl.RedirectURIs,
		GrantTypes:   cl.GrantTypes,
		Scopes:       cl.Scopes,
	}
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	resp := ListClientsResponse{Clients: []ClientInfo{}}
	for i := range s.config.Clients {
		resp.Clients = append(resp.Clients, clientInfo(&s.config.Clients[i], SourceConfig))
	}
	stored, err := s.state.Clients().ListClients(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list clients: %v", err), http.StatusInternalServerError)
		return
	}
	for _, cl := range stored {
		resp.Clients = append(resp.Clients, clientInfo(cl, SourceStored))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateClientResponse carries the generated secret, it is only ever
// returned here.
type CreateClientResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret,omitempty"`
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var cl config.Client
	if !decodeJSON(w, r, &cl) {
		return
	}
	if cl.ID == "" {
		http.Error(w, "client id is required", http.StatusBadRequest)
		return
	}
	if slices.ContainsFunc(s.config.Clients, func(c config.Client) bool { return c.ID == cl.ID }) {
		http.Error(w, fmt.Sprintf("client %s is defined in the config file", cl.ID), http.StatusConflict)
		return
	}
	if _, err := s.state.Clients().GetClient(r.Context(), cl.ID); err == nil {
		http.Error(w, fmt.Sprintf("client %s already exists", cl.ID), http.StatusConflict)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, fmt.Sprintf("get client: %v", err), http.StatusInternalServerError)
		return
	}

	var secret string
	if !cl.Public && len(cl.Secrets) == 0 {
		secret = rand.Text()
		cl.Secrets = []string{secret}
	}
	if err := cl.SetDefaults(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := cl.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, sc := range cl.Scopes {
		ok, err := s.scopes.Exists(r.Context(), sc)
		if err != nil {
			http.Error(w, fmt.Sprintf("look up scope: %v", err), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, fmt.Sprintf("unknown scope %s", sc), http.StatusBadRequest)
			return
		}
	}

	if err := s.state.Clients().PutClient(r.Context(), &cl); err != nil {
		http.Error(w, fmt.Sprintf("store client: %v", err), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "client created", "client-id", cl.ID)
	writeJSON(w, http.StatusCreated, CreateClientResponse{ID: cl.ID, Secret: secret})
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.state.Clients().DeleteClient(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "client not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("delete client: %v", err), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "client deleted", "client-id", id)
	w.WriteHeader(http.StatusNoContent)
}

type ScopeInfo struct {
	config.Scope
	Source string `json:"source"`
}

type ListScopesResponse struct {
	Scopes []ScopeInfo `json:"scopes"`
}

func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request) {
	all, err := s.scopes.All(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list scopes: %v", err), http.StatusInternalServerError)
		return
	}
	resp := ListScopesResponse{Scopes: []ScopeInfo{}}
	for _, sc := range all {
		src := SourceStored
		switch {
		case scopes.IsBuiltin(sc.Name):
			src = SourceBuiltin
		case slices.ContainsFunc(s.config.Scopes, func(c config.Scope) bool { return c.Name == sc.Name }):
			src = SourceConfig
		}
		resp.Scopes = append(resp.Scopes, ScopeInfo{Scope: sc, Source: src})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateScope(w http.ResponseWriter, r *http.Request) {
	var sc config.Scope
	if !decodeJSON(w, r, &sc) {
		return
	}
	if sc.Name == "" {
		http.Error(w, "scope name is required", http.StatusBadRequest)
		return
	}
	if sc.Kind == "" {
		sc.Kind = config.ScopeKindAPI
	}
	if sc.Kind != config.ScopeKindAPI && sc.Kind != config.ScopeKindIdentity {
		http.Error(w, fmt.Sprintf("invalid scope kind %q", sc.Kind), http.StatusBadRequest)
		return
	}
	exists, err := s.scopes.Exists(r.Context(), sc.Name)
	if err != nil {
		http.Error(w, fmt.Sprintf("look up scope: %v", err), http.StatusInternalServerError)
		return
	}
	if exists {
		http.Error(w, fmt.Sprintf("scope %s already exists", sc.Name), http.StatusConflict)
		return
	}
	if err := s.state.Scopes().PutScope(r.Context(), &sc); err != nil {
		http.Error(w, fmt.Sprintf("store scope: %v", err), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "scope created", "scope", sc.Name)
	writeJSON(w, http.StatusCreated, ScopeInfo{Scope: sc, Source: SourceStored})
}

func (s *Server) handleDeleteScope(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.state.Scopes().DeleteScope(r.Context(), name)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "scope not found, or not managed by the admin API", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("delete scope: %v", err), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "scope deleted", "scope", name)
	w.WriteHeader(http.StatusNoContent)
}

type UserInfo struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Active   bool     `json:"active"`
}

type ListUsersResponse struct {
	Users []UserInfo `json:"users"`
}

func userInfo(u *profile.User) UserInfo {
	return UserInfo{
		ID:       u.ID,
		Username: u.Username,
		Name:     u.Name,
		Email:    u.Email,
		Roles:    u.Roles,
		Active:   u.Active,
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	resp := ListUsersResponse{Users: []UserInfo{}}
	for _, u := range s.users.ListUsers(r.Context()) {
		resp.Users = append(resp.Users, userInfo(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

type CreateUserRequest struct {
	Username      string   `json:"username"`
	Name          string   `json:"name,omitempty"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	Password      string   `json:"password"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		http.Error(w, "password is required", http.StatusBadRequest)
		return
	}
	u, err := s.users.AddUser(r.Context(), &profile.User{
		Username:      req.Username,
		Name:          req.Name,
		Email:         req.Email,
		EmailVerified: req.EmailVerified,
		Roles:         req.Roles,
		Groups:        req.Groups,
		Active:        true,
	}, req.Password)
	if errors.Is(err, profile.ErrUserExists) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("add user: %v", err), http.StatusBadRequest)
		return
	}
	slog.InfoContext(r.Context(), "user created", "sub", u.ID, "username", u.Username)
	writeJSON(w, http.StatusCreated, userInfo(u))
}

type SetUserActiveRequest struct {
	Active bool `json:"active"`
}

// handleSetUserActive enables or disables a user. Disabling also revokes
// every grant the user holds.
func (s *Server) handleSetUserActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SetUserActiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.users.SetActive(r.Context(), id, req.Active)
	if errors.Is(err, profile.ErrUserNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("set user active: %v", err), http.StatusInternalServerError)
		return
	}
	if !req.Active {
		fams, err := s.state.Grants().ListFamilies(r.Context(), id)
		if err != nil {
			http.Error(w, fmt.Sprintf("list grants: %v", err), http.StatusInternalServerError)
			return
		}
		for _, f := range fams {
			if f.Revoked {
				continue
			}
			if err := s.state.Grants().RevokeFamily(r.Context(), f.ID, storage.RevokeReasonSubjectInactive); err != nil {
				http.Error(w, fmt.Sprintf("revoke grant: %v", err), http.StatusInternalServerError)
				return
			}
		}
	}
	slog.InfoContext(r.Context(), "user active state changed", "sub", id, "active", req.Active)
	w.WriteHeader(http.StatusNoContent)
}

type ListGrantsResponse struct {
	Grants []*storage.TokenFamily `json:"grants"`
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	fams, err := s.state.Grants().ListFamilies(r.Context(), r.URL.Query().Get("subject"))
	if err != nil {
		http.Error(w, fmt.Sprintf("list grants: %v", err), http.StatusInternalServerError)
		return
	}
	if fams == nil {
		fams = []*storage.TokenFamily{}
	}
	writeJSON(w, http.StatusOK, ListGrantsResponse{Grants: fams})
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.state.Grants().GetFamily(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "grant not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, fmt.Sprintf("get grant: %v", err), http.StatusInternalServerError)
		return
	}
	if err := s.state.Grants().RevokeFamily(r.Context(), id, storage.RevokeReasonAdmin); err != nil {
		http.Error(w, fmt.Sprintf("revoke grant: %v", err), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "grant revoked by admin", "family-id", id)
	w.WriteHeader(http.StatusNoContent)
}

type KeyInfo struct {
	KeyID       string    `json:"kid"`
	Algorithm   string    `json:"alg"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
	RetireAfter time.Time `json:"retire_after,omitzero"`
	RetiredAt   time.Time `json:"retired_at,omitzero"`
}

type ListKeysResponse struct {
	Keys []KeyInfo `json:"keys"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := s.keys.Keys(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list keys: %v", err), http.StatusInternalServerError)
		return
	}
	resp := ListKeysResponse{Keys: []KeyInfo{}}
	for _, rec := range recs {
		resp.Keys = append(resp.Keys, KeyInfo{
			KeyID:       keys.KeyIDFor(rec),
			Algorithm:   rec.Algorithm,
			Status:      rec.Status,
			CreatedAt:   rec.CreatedAt,
			ActivatedAt: rec.ActivatedAt,
			RetireAfter: rec.RetireAfter,
			RetiredAt:   rec.RetiredAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type RotateKeysResponse struct {
	KeyID       string    `json:"kid"`
	Algorithm   string    `json:"alg"`
	ActiveAfter time.Time `json:"active_after"`
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	sk, err := s.keys.Rotate(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("rotate keys: %v", err), http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "signing key rotated by admin", "kid", sk.KeyID, "active-after", sk.ActiveAfter)
	writeJSON(w, http.StatusOK, RotateKeysResponse{KeyID: sk.KeyID, Algorithm: sk.Algorithm, ActiveAfter: sk.ActiveAfter})
}

type GCResponse struct {
	Removed storage.GCResult `json:"removed"`
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	res, err := s.state.GarbageCollect(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("garbage collect: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, GCResponse{Removed: res})
}
