package oidcsvr

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"lds.li/idsrv/internal/auth"
	"lds.li/idsrv/internal/clients"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
)

// userCodeAlphabet avoids vowels and easily confused characters.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

type deviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// newUserCode returns a code like BDFG-HJKL.
func newUserCode() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	var sb strings.Builder
	for i, c := range b {
		if i == 4 {
			sb.WriteByte('-')
		}
		sb.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return sb.String()
}

// normalizeUserCode accepts what the user typed, in any case and with or
// without separators.
func normalizeUserCode(in string) string {
	var sb strings.Builder
	for _, c := range strings.ToUpper(in) {
		if strings.ContainsRune(userCodeAlphabet, c) {
			sb.WriteRune(c)
		}
	}
	s := sb.String()
	if len(s) != 8 {
		return s
	}
	return s[:4] + "-" + s[4:]
}

// HandleDeviceAuthorization starts a device flow.
func (s *Server) HandleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, r, newError(ErrCodeInvalidRequest, "malformed request body"))
		return
	}
	client, perr := s.authenticateClient(r)
	if perr != nil {
		writeClientAuthError(w, r, perr)
		return
	}
	if perr := s.requireGrantType(client, config.GrantTypeDeviceCode); perr != nil {
		writeJSONError(w, r, perr)
		return
	}

	requested := strings.Fields(r.PostForm.Get("scope"))
	if len(requested) == 0 {
		writeJSONError(w, r, newError(ErrCodeInvalidScope, "scope is required"))
		return
	}
	granted, err := s.Clients.ResolveScopes(ctx, client, requested)
	if errors.Is(err, clients.ErrInvalidScope) {
		writeJSONError(w, r, &Error{Code: ErrCodeInvalidScope, Description: "requested scope is not allowed", Cause: err})
		return
	}
	if err != nil {
		writeJSONError(w, r, serverError(err))
		return
	}
	if len(granted) == 0 {
		writeJSONError(w, r, newError(ErrCodeInvalidScope, "none of the requested scopes are allowed"))
		return
	}

	now := s.timeNow()
	validity := s.Config.DeviceFlow.CodeValidity.Duration()
	interval := s.Config.DeviceFlow.PollInterval.Duration()
	deviceCode := rand.Text()
	var userCode string
	for range 5 {
		userCode = newUserCode()
		err = s.Grants.CreateDeviceAuthorization(ctx, deviceCode, &storage.DeviceAuthorization{
			UserCode:  userCode,
			ClientID:  client.ID,
			Scopes:    granted,
			CreatedAt: now,
			ExpiresAt: now.Add(validity),
			Interval:  interval,
		})
		if !errors.Is(err, storage.ErrAlreadyExists) {
			break
		}
	}
	if err != nil {
		writeJSONError(w, r, serverError(fmt.Errorf("storing device authorization: %w", err)))
		return
	}

	slog.InfoContext(ctx, "device authorization started", "client-id", client.ID, "scopes", granted)
	verificationURI := s.endpoint(PathDevice)
	writeJSON(w, http.StatusOK, deviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?" + url.Values{"user_code": {userCode}}.Encode(),
		ExpiresIn:               int(validity.Seconds()),
		Interval:                int(interval.Seconds()),
	})
}

func (s *Server) deviceCodeGrant(r *http.Request, client *config.Client) (*tokenResponse, error) {
	ctx := r.Context()
	if perr := s.requireGrantType(client, config.GrantTypeDeviceCode); perr != nil {
		return nil, perr
	}
	deviceCode := r.PostForm.Get("device_code")
	if deviceCode == "" {
		return nil, newError(ErrCodeInvalidRequest, "device_code is required")
	}

	da, err := s.Grants.PollDevice(ctx, deviceCode, client.ID)
	switch {
	case errors.Is(err, storage.ErrAuthorizationPending):
		return nil, newError(ErrCodeAuthorizationPending, "the user has not yet completed authorization")
	case errors.Is(err, storage.ErrSlowDown):
		return nil, newError(ErrCodeSlowDown, "polling too frequently")
	case errors.Is(err, storage.ErrAccessDenied):
		return nil, newError(ErrCodeAccessDenied, "the user denied the request")
	case errors.Is(err, storage.ErrExpired):
		return nil, newError(ErrCodeExpiredToken, "the device code has expired")
	case errors.Is(err, storage.ErrNotFound):
		return nil, newError(ErrCodeInvalidGrant, "invalid device code")
	case errors.Is(err, storage.ErrClientMismatch):
		return nil, newError(ErrCodeInvalidGrant, "device code was issued to another client")
	case err != nil:
		return nil, serverError(err)
	}

	now := s.timeNow()
	fam := &storage.TokenFamily{
		ClientID:  da.ClientID,
		Subject:   da.Subject,
		Scopes:    da.Scopes,
		AuthTime:  da.AuthTime,
		CreatedAt: now,
		ExpiresAt: now.Add(client.RefreshValidity.Or(s.Config.RefreshValidity.Duration())),
	}
	if err := s.Grants.CreateFamily(ctx, fam); err != nil {
		return nil, serverError(fmt.Errorf("creating token family: %w", err))
	}

	return s.issueTokens(ctx, grant{
		client:       client,
		subject:      da.Subject,
		scopes:       da.Scopes,
		familyID:     fam.ID,
		authTime:     da.AuthTime,
		issueRefresh: slices.Contains(da.Scopes, scopes.OfflineAccess) && client.AllowsGrantType(config.GrantTypeRefreshToken),
	})
}

type devicePageData struct {
	Title      string
	Action     string
	UserCode   string
	ClientName string
	Scopes     []config.Scope
	Error      string
	Done       bool
	Approved   bool
}

// HandleDevicePage is the verification URI, where the user enters and
// confirms their code.
func (s *Server) HandleDevicePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userCode := normalizeUserCode(r.URL.Query().Get("user_code"))

	ident, err := s.Authenticator.CurrentUser(r)
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}
	if ident == nil {
		returnTo := s.localPath(PathDevice)
		if userCode != "" {
			returnTo += "?" + url.Values{"user_code": {userCode}}.Encode()
		}
		s.Authenticator.TriggerLogin(w, r, returnTo)
		return
	}

	data := devicePageData{Title: "Connect a device", Action: s.endpoint(PathDevice), UserCode: userCode}
	if userCode == "" {
		render(w, r, http.StatusOK, "device.tmpl.html", data)
		return
	}

	da, err := s.Grants.GetDeviceByUserCode(ctx, userCode)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
		data.Error = "That code is not valid, or has expired."
		render(w, r, http.StatusOK, "device.tmpl.html", data)
		return
	}
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}
	if da.Status != storage.DeviceStatusPending {
		data.Error = "That code has already been used."
		render(w, r, http.StatusOK, "device.tmpl.html", data)
		return
	}
	client, err := s.Clients.LookupClient(ctx, da.ClientID)
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}
	resolved, err := s.Scopes.Resolve(ctx, da.Scopes)
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}
	data.ClientName = client.DisplayName()
	data.Scopes = resolved
	render(w, r, http.StatusOK, "device.tmpl.html", data)
}

// HandleDeviceDecision records the user's approval or denial of a device.
func (s *Server) HandleDeviceDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		renderErrorPage(w, r, newError(ErrCodeInvalidRequest, "malformed request"))
		return
	}
	userCode := normalizeUserCode(r.PostForm.Get("user_code"))

	ident, err := s.Authenticator.CurrentUser(r)
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}
	if ident == nil {
		s.Authenticator.TriggerLogin(w, r, s.localPath(PathDevice)+"?"+url.Values{"user_code": {userCode}}.Encode())
		return
	}

	data := devicePageData{Title: "Connect a device", Action: s.endpoint(PathDevice), UserCode: userCode}
	da, err := s.Grants.GetDeviceByUserCode(ctx, userCode)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
		data.Error = "That code is not valid, or has expired."
		render(w, r, http.StatusOK, "device.tmpl.html", data)
		return
	}
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}
	client, err := s.Clients.LookupClient(ctx, da.ClientID)
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}

	approved := r.PostForm.Get(auth.FormFieldDecision) == auth.DecisionApprove
	if approved {
		if perr := s.checkAuthorizationPolicy(ctx, client, ident.Subject, da.Scopes); perr != nil {
			logError(r, perr)
			approved = false
		}
	}

	err = s.Grants.CompleteDeviceAuthorization(ctx, userCode, approved, ident.Subject, ident.AuthTime, da.Scopes)
	if errors.Is(err, storage.ErrAlreadyUsed) {
		data.Error = "That code has already been used."
		render(w, r, http.StatusOK, "device.tmpl.html", data)
		return
	}
	if err != nil {
		renderErrorPage(w, r, serverError(err))
		return
	}

	slog.InfoContext(ctx, "device authorization completed", "client-id", da.ClientID, "sub", ident.Subject, "approved", approved)
	data.Done = true
	data.Approved = approved
	data.ClientName = client.DisplayName()
	render(w, r, http.StatusOK, "device.tmpl.html", data)
}
