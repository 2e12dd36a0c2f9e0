package oidcsvr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Error codes from RFC 6749, OpenID Connect Core, RFC 8628 and RFC 6750.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeServerError             = "server_error"
	ErrCodeLoginRequired           = "login_required"
	ErrCodeConsentRequired         = "consent_required"
	ErrCodeAuthorizationPending    = "authorization_pending"
	ErrCodeSlowDown                = "slow_down"
	ErrCodeExpiredToken            = "expired_token"
	ErrCodeInvalidToken            = "invalid_token"
	ErrCodeInsufficientScope       = "insufficient_scope"
)

// Error is a protocol error, returned to the client.
type Error struct {
	Code        string
	Description string
	// Status is the HTTP status for JSON responses. Defaults to 400.
	Status int
	// Cause is logged, never returned to the client.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Cause)
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// serverError wraps an unexpected failure. Details are logged and the client
// only sees server_error.
func serverError(cause error) *Error {
	return &Error{
		Code:        ErrCodeServerError,
		Description: "internal server error",
		Status:      http.StatusInternalServerError,
		Cause:       cause,
	}
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// asError converts any error to a protocol error, treating unknown errors as
// server errors.
func asError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return serverError(err)
}

// writeJSONError writes a token style JSON error response.
func writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	perr := asError(err)
	status := perr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	logError(r, perr)
	writeJSON(w, status, errorResponse{
		Error:            perr.Code,
		ErrorDescription: perr.Description,
	})
}

func logError(r *http.Request, perr *Error) {
	if perr.Code == ErrCodeServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", perr.Cause)
		return
	}
	slog.WarnContext(r.Context(), "request rejected", "path", r.URL.Path, "error", perr.Code, "description", perr.Description, "cause", perr.Cause)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing json response", "err", err)
	}
}
