package oidcsvr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/tokens"
)

// bearerToken extracts an RFC 6750 bearer token from the Authorization
// header, or the access_token form field.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("access_token")
	}
	return ""
}

// writeBearerError responds to a failed protected resource request.
func writeBearerError(w http.ResponseWriter, r *http.Request, perr *Error) {
	if perr.Code == ErrCodeServerError {
		writeJSONError(w, r, perr)
		return
	}
	logError(r, perr)
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q, error_description=%q", perr.Code, perr.Description))
	status := perr.Status
	if status == 0 {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, errorResponse{Error: perr.Code, ErrorDescription: perr.Description})
}

// HandleUserinfo returns the claims for the granted identity scopes of the
// presented access token.
func (s *Server) HandleUserinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok := bearerToken(r)
	if tok == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: ErrCodeInvalidRequest, ErrorDescription: "bearer token is required"})
		return
	}

	at, err := s.Verifier.VerifyAccessToken(ctx, tok)
	if errors.Is(err, tokens.ErrInvalidToken) {
		writeBearerError(w, r, &Error{Code: ErrCodeInvalidToken, Description: "access token is invalid", Cause: err})
		return
	}
	if err != nil {
		writeBearerError(w, r, serverError(err))
		return
	}
	if !at.HasScope(scopes.OpenID) {
		writeBearerError(w, r, &Error{Code: ErrCodeInsufficientScope, Description: "access token does not have the openid scope", Status: http.StatusForbidden})
		return
	}

	client, err := s.Clients.LookupClient(ctx, at.ClientID)
	if err != nil {
		writeBearerError(w, r, &Error{Code: ErrCodeInvalidToken, Description: "client for access token no longer exists", Cause: err})
		return
	}
	claims, err := s.Tokens.IdentityClaims(ctx, client, at.Subject, at.Scopes)
	if errors.Is(err, tokens.ErrSubjectInactive) {
		writeBearerError(w, r, &Error{Code: ErrCodeInvalidToken, Description: "the user is no longer active", Cause: err})
		return
	}
	if err != nil {
		writeBearerError(w, r, serverError(err))
		return
	}
	writeJSON(w, http.StatusOK, claims)
}
