package oidcsvr

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"lds.li/idsrv/internal/clients"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
	"lds.li/idsrv/internal/tokens"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// grant is what a successful grant type exchange produces tokens for.
type grant struct {
	client   *config.Client
	subject  string
	scopes   []string
	familyID string
	authTime time.Time
	nonce    string
	code     string
	// refreshToken is set when the refresh token in use is kept.
	refreshToken string
	// issueRefresh requests a new refresh token in the family.
	issueRefresh bool
}

// HandleToken is the token endpoint.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, r, newError(ErrCodeInvalidRequest, "malformed request body"))
		return
	}
	grantType := r.PostForm.Get("grant_type")

	client, perr := s.authenticateClient(r)
	if perr != nil {
		tokenRequestsTotal.WithLabelValues(grantType, perr.Code).Inc()
		writeClientAuthError(w, r, perr)
		return
	}

	var (
		resp *tokenResponse
		err  error
	)
	switch grantType {
	case config.GrantTypeAuthorizationCode:
		resp, err = s.authorizationCodeGrant(r, client)
	case config.GrantTypeRefreshToken:
		resp, err = s.refreshTokenGrant(r, client)
	case config.GrantTypeClientCredentials:
		resp, err = s.clientCredentialsGrant(r, client)
	case config.GrantTypeDeviceCode:
		resp, err = s.deviceCodeGrant(r, client)
	case "":
		err = newError(ErrCodeInvalidRequest, "grant_type is required")
	default:
		grantType = "unsupported"
		err = newError(ErrCodeUnsupportedGrantType, "grant type is not supported")
	}
	if err != nil {
		tokenRequestsTotal.WithLabelValues(grantType, asError(err).Code).Inc()
		writeJSONError(w, r, err)
		return
	}

	tokenRequestsTotal.WithLabelValues(grantType, "success").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireGrantType(client *config.Client, gt string) *Error {
	if !client.AllowsGrantType(gt) {
		return newError(ErrCodeUnauthorizedClient, "client may not use the %s grant", gt)
	}
	return nil
}

func (s *Server) authorizationCodeGrant(r *http.Request, client *config.Client) (*tokenResponse, error) {
	ctx := r.Context()
	if perr := s.requireGrantType(client, config.GrantTypeAuthorizationCode); perr != nil {
		return nil, perr
	}
	code := r.PostForm.Get("code")
	if code == "" {
		return nil, newError(ErrCodeInvalidRequest, "code is required")
	}

	ac, err := s.Grants.RedeemCode(ctx, code)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		slog.WarnContext(ctx, "authorization code replayed, family revoked", "client-id", client.ID)
		return nil, &Error{Code: ErrCodeInvalidGrant, Description: "invalid authorization code", Cause: err}
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired), errors.Is(err, storage.ErrFamilyRevoked):
		return nil, &Error{Code: ErrCodeInvalidGrant, Description: "invalid authorization code", Cause: err}
	case err != nil:
		return nil, serverError(err)
	}

	// Past this point the code is spent, so any mismatch means it leaked.
	fail := func(desc string) error {
		if err := s.Grants.RevokeFamily(ctx, ac.FamilyID, storage.RevokeReasonCodeReplay); err != nil {
			slog.ErrorContext(ctx, "revoking family", "family-id", ac.FamilyID, "err", err)
		}
		return newError(ErrCodeInvalidGrant, "%s", desc)
	}
	if ac.ClientID != client.ID {
		return nil, fail("authorization code was issued to another client")
	}
	redirectURI := r.PostForm.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		// matches the default taken at the authorization endpoint.
		redirectURI = client.RedirectURIs[0]
	}
	if redirectURI != ac.RedirectURI {
		return nil, fail("redirect_uri does not match the authorization request")
	}
	verifier := r.PostForm.Get("code_verifier")
	if ac.CodeChallenge != "" {
		if !verifyPKCE(ac.CodeChallenge, ac.CodeChallengeMethod, verifier) {
			return nil, fail("code_verifier does not match the code challenge")
		}
	} else if verifier != "" {
		return nil, fail("code_verifier sent without a code challenge")
	}

	return s.issueTokens(ctx, grant{
		client:       client,
		subject:      ac.Subject,
		scopes:       ac.Scopes,
		familyID:     ac.FamilyID,
		authTime:     ac.AuthTime,
		nonce:        ac.Nonce,
		code:         code,
		issueRefresh: slices.Contains(ac.Scopes, scopes.OfflineAccess) && client.AllowsGrantType(config.GrantTypeRefreshToken),
	})
}

var (
	errRefreshClientMismatch = errors.New("refresh token was issued to another client")
	errRefreshScopeWidened   = errors.New("requested scope exceeds the original grant")
)

func (s *Server) refreshTokenGrant(r *http.Request, client *config.Client) (*tokenResponse, error) {
	ctx := r.Context()
	if perr := s.requireGrantType(client, config.GrantTypeRefreshToken); perr != nil {
		return nil, perr
	}
	old := r.PostForm.Get("refresh_token")
	if old == "" {
		return nil, newError(ErrCodeInvalidRequest, "refresh_token is required")
	}
	requested := strings.Fields(r.PostForm.Get("scope"))

	var newToken string
	if client.RotatesRefreshTokens() {
		newToken = rand.Text()
	}
	now := s.timeNow()
	var narrowed []string
	rt, err := s.Grants.RotateRefreshToken(ctx, old, newToken, func(prev *storage.RefreshToken) (*storage.RefreshToken, error) {
		if prev.ClientID != client.ID {
			return nil, errRefreshClientMismatch
		}
		narrowed = prev.Scopes
		if len(requested) > 0 {
			for _, sc := range requested {
				if !slices.Contains(prev.Scopes, sc) {
					return nil, errRefreshScopeWidened
				}
			}
			narrowed = requested
		}
		return &storage.RefreshToken{
			FamilyID:  prev.FamilyID,
			ClientID:  prev.ClientID,
			Subject:   prev.Subject,
			Scopes:    prev.Scopes,
			AuthTime:  prev.AuthTime,
			ExpiresAt: now.Add(client.RefreshValidity.Or(s.Config.RefreshValidity.Duration())),
		}, nil
	})
	switch {
	case errors.Is(err, errRefreshScopeWidened):
		return nil, &Error{Code: ErrCodeInvalidScope, Description: "requested scope exceeds the original grant", Cause: err}
	case errors.Is(err, storage.ErrReuseDetected):
		slog.WarnContext(ctx, "refresh token reuse detected, family revoked", "client-id", client.ID)
		return nil, &Error{Code: ErrCodeInvalidGrant, Description: "invalid refresh token", Cause: err}
	case errors.Is(err, errRefreshClientMismatch),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrExpired),
		errors.Is(err, storage.ErrFamilyRevoked),
		errors.Is(err, storage.ErrAlreadyUsed):
		return nil, &Error{Code: ErrCodeInvalidGrant, Description: "invalid refresh token", Cause: err}
	case err != nil:
		return nil, serverError(err)
	}

	g := grant{
		client:   client,
		subject:  rt.Subject,
		scopes:   narrowed,
		familyID: rt.FamilyID,
		authTime: rt.AuthTime,
	}
	if newToken != "" {
		g.refreshToken = newToken
	} else {
		g.refreshToken = old
	}
	return s.issueTokens(ctx, g)
}

func (s *Server) clientCredentialsGrant(r *http.Request, client *config.Client) (*tokenResponse, error) {
	ctx := r.Context()
	if perr := s.requireGrantType(client, config.GrantTypeClientCredentials); perr != nil {
		return nil, perr
	}
	if client.Public {
		return nil, newError(ErrCodeUnauthorizedClient, "public clients may not use client credentials")
	}

	requested := strings.Fields(r.PostForm.Get("scope"))
	if len(requested) == 0 {
		requested = client.Scopes
	}
	granted, err := s.Clients.ResolveScopes(ctx, client, requested)
	if errors.Is(err, clients.ErrInvalidScope) {
		return nil, &Error{Code: ErrCodeInvalidScope, Description: "requested scope is not allowed", Cause: err}
	}
	if err != nil {
		return nil, serverError(err)
	}
	// There is no user, so only API scopes make sense.
	resolved, err := s.Scopes.Resolve(ctx, granted)
	if err != nil {
		return nil, serverError(err)
	}
	var apiScopes []string
	for _, sc := range resolved {
		if sc.Kind != config.ScopeKindAPI {
			if len(r.PostForm.Get("scope")) > 0 {
				return nil, newError(ErrCodeInvalidScope, "scope %s requires a user", sc.Name)
			}
			continue
		}
		apiScopes = append(apiScopes, sc.Name)
	}
	if len(apiScopes) == 0 {
		return nil, newError(ErrCodeInvalidScope, "no API scopes were granted")
	}

	return s.issueTokens(ctx, grant{client: client, scopes: apiScopes})
}

// issueTokens mints the tokens for a successful grant.
func (s *Server) issueTokens(ctx context.Context, g grant) (*tokenResponse, error) {
	at, err := s.Tokens.IssueAccessToken(ctx, tokens.AccessTokenRequest{
		Client:   g.client,
		Subject:  g.subject,
		Scopes:   g.scopes,
		AuthTime: g.authTime,
		FamilyID: g.familyID,
	})
	if err != nil {
		return nil, s.issueError(ctx, g, err)
	}
	resp := &tokenResponse{
		AccessToken:  at.Token,
		TokenType:    "Bearer",
		ExpiresIn:    at.ExpiresIn(),
		Scope:        strings.Join(g.scopes, " "),
		RefreshToken: g.refreshToken,
	}

	if g.subject != "" && slices.Contains(g.scopes, scopes.OpenID) {
		idt, err := s.Tokens.IssueIdentityToken(ctx, tokens.IdentityTokenRequest{
			Client:      g.client,
			Subject:     g.subject,
			Scopes:      g.scopes,
			AuthTime:    g.authTime,
			Nonce:       g.nonce,
			AccessToken: at.Token,
			Code:        g.code,
		})
		if err != nil {
			return nil, s.issueError(ctx, g, err)
		}
		resp.IDToken = idt.Token
	}

	if g.issueRefresh {
		tok := rand.Text()
		if err := s.Grants.CreateRefreshToken(ctx, tok, &storage.RefreshToken{
			FamilyID:  g.familyID,
			ClientID:  g.client.ID,
			Subject:   g.subject,
			Scopes:    g.scopes,
			AuthTime:  g.authTime,
			CreatedAt: s.timeNow(),
			ExpiresAt: s.timeNow().Add(g.client.RefreshValidity.Or(s.Config.RefreshValidity.Duration())),
		}); err != nil {
			return nil, serverError(fmt.Errorf("storing refresh token: %w", err))
		}
		resp.RefreshToken = tok
	}

	slog.InfoContext(ctx, "tokens issued", "client-id", g.client.ID, "sub", g.subject, "scopes", g.scopes, "family-id", g.familyID, "refresh", resp.RefreshToken != "", "id-token", resp.IDToken != "")
	return resp, nil
}

// issueError maps token minting failures. An inactive subject ends the grant.
func (s *Server) issueError(ctx context.Context, g grant, err error) error {
	if errors.Is(err, tokens.ErrSubjectInactive) {
		if g.familyID != "" {
			if rerr := s.Grants.RevokeFamily(ctx, g.familyID, storage.RevokeReasonSubjectInactive); rerr != nil {
				slog.ErrorContext(ctx, "revoking family", "family-id", g.familyID, "err", rerr)
			}
		}
		return &Error{Code: ErrCodeInvalidGrant, Description: "the user is no longer active", Cause: err}
	}
	return serverError(err)
}
