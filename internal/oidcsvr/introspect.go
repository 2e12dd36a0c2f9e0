package oidcsvr

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/storage"
	"lds.li/idsrv/internal/tokens"
)

const (
	tokenTypeHintAccessToken  = "access_token"
	tokenTypeHintRefreshToken = "refresh_token"
)

// introspectionResponse is the RFC 7662 response. Only Active is set for
// tokens that are not.
type introspectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	JTI       string   `json:"jti,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	AuthTime  int64    `json:"auth_time,omitempty"`
}

// backchannelClient authenticates a client for introspection or revocation.
func (s *Server) backchannelClient(w http.ResponseWriter, r *http.Request) (*config.Client, bool) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, r, newError(ErrCodeInvalidRequest, "malformed request body"))
		return nil, false
	}
	client, perr := s.authenticateClient(r)
	if perr != nil {
		writeClientAuthError(w, r, perr)
		return nil, false
	}
	return client, true
}

// HandleIntrospect reports on the state of an access or refresh token.
func (s *Server) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, ok := s.backchannelClient(w, r)
	if !ok {
		return
	}
	if client.Public {
		writeJSONError(w, r, newError(ErrCodeUnauthorizedClient, "public clients may not introspect tokens"))
		return
	}
	tok := r.PostForm.Get("token")
	if tok == "" {
		writeJSONError(w, r, newError(ErrCodeInvalidRequest, "token is required"))
		return
	}

	lookups := []func() (*introspectionResponse, error){
		func() (*introspectionResponse, error) { return s.introspectAccessToken(r, tok) },
		func() (*introspectionResponse, error) { return s.introspectRefreshToken(r, client, tok) },
	}
	if r.PostForm.Get("token_type_hint") == tokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		resp, err := lookup()
		if err != nil {
			writeJSONError(w, r, serverError(err))
			return
		}
		if resp != nil {
			slog.DebugContext(ctx, "token introspected", "client-id", client.ID, "token-client-id", resp.ClientID, "token-type", resp.TokenType)
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, introspectionResponse{Active: false})
}

func (s *Server) introspectAccessToken(r *http.Request, tok string) (*introspectionResponse, error) {
	at, err := s.Verifier.VerifyAccessToken(r.Context(), tok)
	if errors.Is(err, tokens.ErrInvalidToken) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resp := &introspectionResponse{
		Active:    true,
		Scope:     strings.Join(at.Scopes, " "),
		ClientID:  at.ClientID,
		Subject:   at.Subject,
		TokenType: "Bearer",
		Issuer:    s.Config.Issuer,
		Audience:  at.Audiences,
		JTI:       at.JTI,
		IssuedAt:  at.IssuedAt.Unix(),
		ExpiresAt: at.ExpiresAt.Unix(),
	}
	if !at.AuthTime.IsZero() {
		resp.AuthTime = at.AuthTime.Unix()
	}
	return resp, nil
}

// introspectRefreshToken only reports refresh tokens to the client they were
// issued to.
func (s *Server) introspectRefreshToken(r *http.Request, client *config.Client, tok string) (*introspectionResponse, error) {
	rt, err := s.Grants.GetRefreshToken(r.Context(), tok)
	if isInactiveGrant(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rt.ClientID != client.ID {
		return nil, nil
	}
	resp := &introspectionResponse{
		Active:    true,
		Scope:     strings.Join(rt.Scopes, " "),
		ClientID:  rt.ClientID,
		Subject:   rt.Subject,
		TokenType: tokenTypeHintRefreshToken,
		Issuer:    s.Config.Issuer,
		IssuedAt:  rt.CreatedAt.Unix(),
		ExpiresAt: rt.ExpiresAt.Unix(),
	}
	if !rt.AuthTime.IsZero() {
		resp.AuthTime = rt.AuthTime.Unix()
	}
	return resp, nil
}

func isInactiveGrant(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrExpired) ||
		errors.Is(err, storage.ErrAlreadyUsed) ||
		errors.Is(err, storage.ErrFamilyRevoked)
}

// HandleRevoke is the RFC 7009 revocation endpoint. Revoking a refresh token
// revokes its whole family. Unknown tokens, or tokens belonging to another
// client, are ignored.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, ok := s.backchannelClient(w, r)
	if !ok {
		return
	}
	tok := r.PostForm.Get("token")
	if tok == "" {
		writeJSONError(w, r, newError(ErrCodeInvalidRequest, "token is required"))
		return
	}

	rt, err := s.Grants.FindRefreshToken(ctx, tok)
	switch {
	case err == nil:
		if rt.ClientID != client.ID {
			slog.WarnContext(ctx, "client attempted to revoke another client's token", "client-id", client.ID, "token-client-id", rt.ClientID)
			break
		}
		if err := s.Grants.RevokeFamily(ctx, rt.FamilyID, storage.RevokeReasonClient); err != nil {
			writeJSONError(w, r, serverError(err))
			return
		}
		slog.InfoContext(ctx, "token family revoked by client", "client-id", client.ID, "family-id", rt.FamilyID)
	case errors.Is(err, storage.ErrNotFound):
		if err := s.revokeReferenceToken(r, client, tok); err != nil {
			writeJSONError(w, r, serverError(err))
			return
		}
	default:
		writeJSONError(w, r, serverError(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// revokeReferenceToken deletes an opaque access token. JWT access tokens
// can't be recalled, and remain valid until they expire.
func (s *Server) revokeReferenceToken(r *http.Request, client *config.Client, tok string) error {
	ctx := r.Context()
	if strings.Count(tok, ".") == 2 {
		return nil
	}
	ref, err := s.Grants.GetReferenceToken(ctx, tok)
	if isInactiveGrant(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if ref.ClientID != client.ID {
		return nil
	}
	if err := s.Grants.DeleteReferenceToken(ctx, tok); err != nil {
		return err
	}
	slog.InfoContext(ctx, "reference token revoked by client", "client-id", client.ID, "jti", ref.JTI)
	return nil
}
