package oidcsvr

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"lds.li/idsrv/internal/auth"
	"lds.li/idsrv/internal/clients"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/policy"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
)

// Response modes.
const (
	responseModeQuery    = "query"
	responseModeFormPost = "form_post"
)

// Prompt values.
const (
	promptNone          = "none"
	promptLogin         = "login"
	promptConsent       = "consent"
	promptSelectAccount = "select_account"
)

// HandleAuthorize starts an authorization code flow. Errors before the
// client and redirect URI are confirmed are rendered, never redirected.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "malformed request"))
		return
	}
	params := r.Form

	clientID := params.Get("client_id")
	if clientID == "" {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "client_id is required"))
		return
	}
	client, err := s.Clients.LookupClient(ctx, clientID)
	if errors.Is(err, clients.ErrNotFound) {
		renderErrorPage(w, r, newError(ErrCodeInvalidClient, "unknown client %s", clientID))
		return
	}
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}

	redirectURI := params.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !clients.ValidateRedirectURI(client, redirectURI) {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "redirect_uri is not registered for client %s", clientID))
		return
	}

	// From here on, errors go back to the client.
	p := &storage.PendingAuthorization{
		ID:           uuid.NewString(),
		ClientID:     client.ID,
		RedirectURI:  redirectURI,
		ResponseType: params.Get("response_type"),
		ResponseMode: params.Get("response_mode"),
		State:        params.Get("state"),
		Nonce:        params.Get("nonce"),
		Stage:        storage.StageAuthenticating,
	}
	if p.ResponseMode == "" {
		p.ResponseMode = responseModeQuery
	}
	if p.ResponseMode != responseModeQuery && p.ResponseMode != responseModeFormPost {
		// the mode can't be trusted for the error either.
		p.ResponseMode = responseModeQuery
		s.redirectError(w, r, p, newError(ErrCodeInvalidRequest, "unsupported response_mode"))
		return
	}

	if perr := s.validateAuthorizeRequest(ctx, client, params, p); perr != nil {
		s.redirectError(w, r, p, perr)
		return
	}

	now := s.timeNow()
	p.CreatedAt = now
	p.ExpiresAt = now.Add(s.Config.AuthRequestValidity.Duration())
	if err := s.Pending.CreatePendingAuthorization(ctx, p); err != nil {
		s.redirectError(w, r, p, serverError(fmt.Errorf("storing pending authorization: %w", err)))
		return
	}
	slog.InfoContext(ctx, "authorization request received", "client-id", p.ClientID, "pending-id", p.ID, "scopes", p.Scopes)

	s.continueAuthorization(w, r, client, p)
}

func (s *Server) validateAuthorizeRequest(ctx context.Context, client *config.Client, params url.Values, p *storage.PendingAuthorization) *Error {
	if p.ResponseType == "" {
		return newError(ErrCodeInvalidRequest, "response_type is required")
	}
	if p.ResponseType != "code" {
		return newError(ErrCodeUnsupportedResponseType, "only the code response type is supported")
	}
	if !client.AllowsGrantType(config.GrantTypeAuthorizationCode) {
		return newError(ErrCodeUnauthorizedClient, "client may not use the authorization code flow")
	}
	if params.Has("request") || params.Has("request_uri") {
		return newError(ErrCodeInvalidRequest, "request objects are not supported")
	}

	requested := strings.Fields(params.Get("scope"))
	if len(requested) == 0 {
		return newError(ErrCodeInvalidScope, "scope is required")
	}
	granted, err := s.Clients.ResolveScopes(ctx, client, requested)
	if errors.Is(err, clients.ErrInvalidScope) {
		return &Error{Code: ErrCodeInvalidScope, Description: "requested scope is not allowed", Cause: err}
	}
	if err != nil {
		return serverError(err)
	}
	if len(granted) == 0 {
		return newError(ErrCodeInvalidScope, "none of the requested scopes are allowed")
	}
	p.Scopes = granted

	p.CodeChallenge = params.Get("code_challenge")
	p.CodeChallengeMethod = params.Get("code_challenge_method")
	if p.CodeChallenge == "" {
		if client.RequirePKCE || client.Public {
			return newError(ErrCodeInvalidRequest, "code_challenge is required")
		}
		if p.CodeChallengeMethod != "" {
			return newError(ErrCodeInvalidRequest, "code_challenge_method without code_challenge")
		}
	} else {
		if p.CodeChallengeMethod == "" {
			p.CodeChallengeMethod = PKCEMethodPlain
		}
		if p.CodeChallengeMethod != PKCEMethodS256 && p.CodeChallengeMethod != PKCEMethodPlain {
			return newError(ErrCodeInvalidRequest, "unsupported code_challenge_method")
		}
		if !validPKCEValue(p.CodeChallenge) {
			return newError(ErrCodeInvalidRequest, "malformed code_challenge")
		}
	}

	prompts := strings.Fields(params.Get("prompt"))
	for _, pr := range prompts {
		switch pr {
		case promptNone, promptLogin, promptConsent, promptSelectAccount:
		default:
			return newError(ErrCodeInvalidRequest, "unsupported prompt value %s", pr)
		}
	}
	if slices.Contains(prompts, promptNone) && len(prompts) > 1 {
		return newError(ErrCodeInvalidRequest, "prompt none can not be combined with other values")
	}

	if ma := params.Get("max_age"); ma != "" {
		secs, err := strconv.ParseInt(ma, 10, 64)
		if err != nil || secs < 0 {
			return newError(ErrCodeInvalidRequest, "malformed max_age")
		}
		if secs == 0 {
			if !slices.Contains(prompts, promptLogin) {
				prompts = append(prompts, promptLogin)
			}
		} else {
			p.MaxAge = secs
		}
	}
	p.Prompt = strings.Join(prompts, " ")
	return nil
}

func hasPrompt(p *storage.PendingAuthorization, prompt string) bool {
	return slices.Contains(strings.Fields(p.Prompt), prompt)
}

// needsLogin reports if the user has to (re-)authenticate for the request.
func (s *Server) needsLogin(p *storage.PendingAuthorization, ident *auth.Identity) bool {
	if ident == nil {
		return true
	}
	if hasPrompt(p, promptLogin) && ident.AuthTime.Before(p.CreatedAt) {
		return true
	}
	if p.MaxAge > 0 && s.timeNow().Sub(ident.AuthTime) > time.Duration(p.MaxAge)*time.Second {
		return true
	}
	return false
}

// continueAuthorization moves the request forward as far as possible:
// authenticating the user, checking policy, gathering consent and finally
// issuing the code.
func (s *Server) continueAuthorization(w http.ResponseWriter, r *http.Request, client *config.Client, p *storage.PendingAuthorization) {
	ctx := r.Context()

	ident, err := s.Authenticator.CurrentUser(r)
	if err != nil {
		s.redirectError(w, r, p, serverError(fmt.Errorf("getting current user: %w", err)))
		return
	}
	if s.needsLogin(p, ident) {
		if hasPrompt(p, promptNone) {
			s.redirectError(w, r, p, newError(ErrCodeLoginRequired, "user is not logged in"))
			return
		}
		s.Authenticator.TriggerLogin(w, r, s.localPath(PathAuthorizeResume)+"?"+url.Values{"id": {p.ID}}.Encode())
		return
	}

	if p.Subject != "" && p.Subject != ident.Subject {
		s.redirectError(w, r, p, newError(ErrCodeAccessDenied, "user changed during authorization"))
		return
	}
	p.Subject = ident.Subject
	p.AuthTime = ident.AuthTime

	if perr := s.checkAuthorizationPolicy(ctx, client, p.Subject, p.Scopes); perr != nil {
		s.redirectError(w, r, p, perr)
		return
	}

	needsConsent, err := s.needsConsent(ctx, client, p)
	if err != nil {
		s.redirectError(w, r, p, serverError(err))
		return
	}
	if !needsConsent {
		s.issueCode(w, r, p, p.Scopes)
		return
	}
	if hasPrompt(p, promptNone) {
		s.redirectError(w, r, p, newError(ErrCodeConsentRequired, "user has not consented"))
		return
	}

	p.Stage = storage.StageAwaitingConsent
	if err := s.Pending.UpdatePending(ctx, p); err != nil {
		s.redirectError(w, r, p, serverError(fmt.Errorf("updating pending authorization: %w", err)))
		return
	}
	resolved, err := s.Scopes.Resolve(ctx, p.Scopes)
	if err != nil {
		s.redirectError(w, r, p, serverError(err))
		return
	}
	s.Consent.RenderConsent(w, r, auth.ConsentPrompt{
		PendingID:     p.ID,
		FormAction:    s.endpoint(PathAuthorizeConsent),
		ClientName:    client.DisplayName(),
		Scopes:        resolved,
		AllowRemember: client.AllowRememberConsent,
	})
}

// checkAuthorizationPolicy runs the client's CEL policy for the user.
func (s *Server) checkAuthorizationPolicy(ctx context.Context, client *config.Client, subject string, granted []string) *Error {
	if s.Policy == nil || client.AuthorizationPolicy == "" {
		return nil
	}
	userClaims, err := s.Profiles.Claims(ctx, subject)
	if err != nil {
		return &Error{Code: ErrCodeAccessDenied, Description: "user is not permitted to use this client", Cause: err}
	}
	ok, err := s.Policy.EvaluateAuthorization(client.AuthorizationPolicy, policy.Input{
		User:     userClaims,
		ClientID: client.ID,
		Scopes:   granted,
	})
	if err != nil {
		return serverError(fmt.Errorf("evaluating authorization policy for %s: %w", client.ID, err))
	}
	if !ok {
		return newError(ErrCodeAccessDenied, "user is not permitted to use this client")
	}
	return nil
}

func (s *Server) needsConsent(ctx context.Context, client *config.Client, p *storage.PendingAuthorization) (bool, error) {
	if hasPrompt(p, promptConsent) {
		return true, nil
	}
	if !client.RequireConsent {
		return false, nil
	}
	rec, err := s.Grants.GetConsent(ctx, p.Subject, client.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting consent: %w", err)
	}
	for _, sc := range p.Scopes {
		if !slices.Contains(rec.Scopes, sc) {
			return true, nil
		}
	}
	return false, nil
}

// HandleAuthorizeResume is where the authenticator returns the user to.
func (s *Server) HandleAuthorizeResume(w http.ResponseWriter, r *http.Request) {
	p, client, ok := s.loadPending(w, r, r.URL.Query().Get("id"))
	if !ok {
		return
	}
	if r.URL.Query().Get("cancel") != "" {
		s.redirectError(w, r, p, newError(ErrCodeAccessDenied, "user cancelled the login"))
		return
	}
	s.continueAuthorization(w, r, client, p)
}

// HandleConsent receives the consent decision.
func (s *Server) HandleConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "malformed request"))
		return
	}
	p, client, ok := s.loadPending(w, r, r.PostForm.Get(auth.FormFieldPendingID))
	if !ok {
		return
	}
	if p.Stage != storage.StageAwaitingConsent {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "authorization request is not awaiting consent"))
		return
	}

	ident, err := s.Authenticator.CurrentUser(r)
	if err != nil {
		s.redirectError(w, r, p, serverError(err))
		return
	}
	if ident == nil || ident.Subject != p.Subject {
		s.redirectError(w, r, p, newError(ErrCodeAccessDenied, "user changed during authorization"))
		return
	}

	if r.PostForm.Get(auth.FormFieldDecision) != auth.DecisionApprove {
		slog.InfoContext(ctx, "user denied consent", "client-id", p.ClientID, "sub", p.Subject)
		s.redirectError(w, r, p, newError(ErrCodeAccessDenied, "user denied the request"))
		return
	}

	// The user can deselect optional scopes, never add new ones.
	selected := r.PostForm[auth.FormFieldScope]
	var granted []string
	for _, sc := range p.Scopes {
		if slices.Contains(selected, sc) || sc == scopes.OpenID {
			granted = append(granted, sc)
			continue
		}
		def, err := s.Scopes.Lookup(ctx, sc)
		if err == nil && def.Required {
			granted = append(granted, sc)
		}
	}
	if len(granted) == 0 {
		s.redirectError(w, r, p, newError(ErrCodeAccessDenied, "no scopes were approved"))
		return
	}

	if client.AllowRememberConsent && r.PostForm.Get(auth.FormFieldRemember) != "" {
		now := s.timeNow()
		if err := s.Grants.PutConsent(ctx, &storage.ConsentRecord{
			Subject:   p.Subject,
			ClientID:  client.ID,
			Scopes:    granted,
			CreatedAt: now,
			ExpiresAt: now.Add(client.ConsentValidity.Or(s.Config.ConsentValidity.Duration())),
		}); err != nil {
			s.redirectError(w, r, p, serverError(fmt.Errorf("storing consent: %w", err)))
			return
		}
	}

	s.issueCode(w, r, p, granted)
}

// loadPending fetches a pending authorization by ID. Expired requests are
// redirected back to the client as access_denied.
func (s *Server) loadPending(w http.ResponseWriter, r *http.Request, id string) (*storage.PendingAuthorization, *config.Client, bool) {
	if id == "" {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "missing authorization request id"))
		return nil, nil, false
	}
	p, err := s.Pending.GetPendingAuthorization(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "unknown or completed authorization request"))
		return nil, nil, false
	}
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return nil, nil, false
	}
	if p.Expired(s.timeNow()) {
		s.redirectError(w, r, p, newError(ErrCodeAccessDenied, "authorization request expired"))
		return nil, nil, false
	}
	client, err := s.Clients.LookupClient(r.Context(), p.ClientID)
	if err != nil {
		// the client was removed mid flow, so the redirect URI can't be
		// trusted any more.
		_ = s.Pending.DeletePending(r.Context(), p.ID)
		renderErrorPage(w, r, &Error{Code: ErrCodeInvalidClient, Description: "client no longer exists", Cause: err})
		return nil, nil, false
	}
	return p, client, true
}

// issueCode completes the flow, and sends the user agent back with a code.
func (s *Server) issueCode(w http.ResponseWriter, r *http.Request, p *storage.PendingAuthorization, granted []string) {
	ctx := r.Context()

	// Taking the pending request makes sure only one code is issued for it.
	if _, err := s.Pending.TakePending(ctx, p.ID); errors.Is(err, storage.ErrNotFound) {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "authorization request already completed"))
		return
	} else if err != nil {
		s.redirectError(w, r, p, serverError(err))
		return
	}

	now := s.timeNow()
	code := rand.Text()
	ac := &storage.AuthorizationCode{
		ClientID:            p.ClientID,
		Subject:             p.Subject,
		Scopes:              granted,
		RedirectURI:         p.RedirectURI,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Nonce:               p.Nonce,
		AuthTime:            p.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.CodeValidity.Duration()),
	}
	if err := s.Grants.CreateCode(ctx, code, ac); err != nil {
		s.redirectError(w, r, p, serverError(fmt.Errorf("storing code: %w", err)))
		return
	}

	authorizationsTotal.WithLabelValues("code_issued").Inc()
	slog.InfoContext(ctx, "authorization code issued", "client-id", p.ClientID, "sub", p.Subject, "scopes", granted, "family-id", ac.FamilyID)

	s.redirect(w, r, p, url.Values{"code": {code}})
}

// redirectError ends the flow, sending the error back to the client.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, p *storage.PendingAuthorization, perr *Error) {
	logError(r, perr)
	authorizationsTotal.WithLabelValues(perr.Code).Inc()
	if !p.CreatedAt.IsZero() {
		if err := s.Pending.DeletePending(r.Context(), p.ID); err != nil {
			slog.ErrorContext(r.Context(), "deleting pending authorization", "pending-id", p.ID, "err", err)
		}
	}
	params := url.Values{"error": {perr.Code}}
	if perr.Description != "" {
		params.Set("error_description", perr.Description)
	}
	s.redirect(w, r, p, params)
}

type formPostData struct {
	RedirectURI string
	Params      url.Values
}

// redirect sends the response parameters to the client's redirect URI.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, p *storage.PendingAuthorization, params url.Values) {
	if p.State != "" {
		params.Set("state", p.State)
	}
	// RFC 9207 issuer identification.
	params.Set("iss", s.Config.Issuer)

	if p.ResponseMode == responseModeFormPost {
		render(w, r, http.StatusOK, "form_post.tmpl.html", formPostData{RedirectURI: p.RedirectURI, Params: params})
		return
	}

	u, err := url.Parse(p.RedirectURI)
	if err != nil {
		renderErrorPage(w, r, serverError(fmt.Errorf("parsing registered redirect URI: %w", err)))
		return
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
