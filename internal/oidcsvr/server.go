// Package oidcsvr implements the OpenID Connect and OAuth2 protocol
// endpoints.
package oidcsvr

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
	"lds.li/idsrv/internal/auth"
	"lds.li/idsrv/internal/clients"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/keys"
	"lds.li/idsrv/internal/policy"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/ratelimit"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
	"lds.li/idsrv/internal/tokens"
)

//go:embed templates/*.tmpl.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl.html"))

// Endpoint paths, relative to the issuer.
const (
	PathAuthorize           = "/authorize"
	PathAuthorizeResume     = "/authorize/resume"
	PathAuthorizeConsent    = "/authorize/consent"
	PathToken               = "/token"
	PathUserinfo            = "/userinfo"
	PathIntrospect          = "/introspect"
	PathRevoke              = "/revoke"
	PathDeviceAuthorization = "/device_authorization"
	PathDevice              = "/device"
	PathDiscovery           = "/.well-known/openid-configuration"
	PathJWKS                = "/.well-known/jwks.json"
)

type Server struct {
	Config   *config.Config
	Clients  *clients.MultiClients
	Scopes   *scopes.Registry
	Grants   *storage.GrantStore
	Pending  storage.PendingStore
	Keys     *keys.Manager
	Tokens   *tokens.Issuer
	Verifier *tokens.Verifier
	Policy   *policy.PolicyEvaluator
	Profiles profile.Provider

	Authenticator auth.Authenticator
	Consent       auth.ConsentProvider

	// now is overridden in tests.
	now func() time.Time
}

func (s *Server) timeNow() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Server) AddHandlers(r chi.Router) {
	rl := &ratelimit.Middleware{
		Name:  "oidc",
		Rate:  rate.Limit(s.Config.Serving.AuthLimitRate),
		Burst: s.Config.Serving.AuthLimitBucket,
	}

	r.Group(func(r chi.Router) {
		r.Use(rl.Wrap)
		r.Get(PathAuthorize, s.HandleAuthorize)
		r.Post(PathAuthorize, s.HandleAuthorize)
		r.Post(PathToken, s.HandleToken)
		r.Post(PathDeviceAuthorization, s.HandleDeviceAuthorization)
		r.Post(PathDevice, s.HandleDeviceDecision)
	})
	r.Get(PathAuthorizeResume, s.HandleAuthorizeResume)
	r.Post(PathAuthorizeConsent, s.HandleConsent)
	r.Get(PathDevice, s.HandleDevicePage)

	r.Get(PathUserinfo, s.HandleUserinfo)
	r.Post(PathUserinfo, s.HandleUserinfo)
	r.Post(PathIntrospect, s.HandleIntrospect)
	r.Post(PathRevoke, s.HandleRevoke)

	r.Get(PathDiscovery, s.HandleDiscovery)
	r.Get(PathJWKS, s.HandleJWKS)
}

func (s *Server) endpoint(path string) string {
	return s.Config.Issuer + path
}

// localPath is the browser facing path for one of our endpoints, including
// any path the issuer is served below.
func (s *Server) localPath(path string) string {
	if s.Config.ParsedIssuer == nil {
		return path
	}
	return strings.TrimSuffix(s.Config.ParsedIssuer.Path, "/") + path
}

type errorPageData struct {
	Title       string
	Description string
}

// renderErrorPage is used for authorization errors that can't be sent back
// to the client, because the redirect URI isn't trusted.
func renderErrorPage(w http.ResponseWriter, r *http.Request, perr *Error) {
	logError(r, perr)
	status := perr.Status
	if status == 0 || perr.Code != ErrCodeServerError {
		status = http.StatusBadRequest
	}
	render(w, r, status, "error.tmpl.html", errorPageData{
		Title:       "Request error",
		Description: perr.Description,
	})
}

func render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		slog.ErrorContext(r.Context(), "rendering template", "template", name, "err", err)
	}
}

// authenticateClient authenticates the client of a back channel request,
// via HTTP Basic or form fields.
func (s *Server) authenticateClient(r *http.Request) (*config.Client, *Error) {
	id, secret, basic := r.BasicAuth()
	if basic {
		if r.PostForm.Get("client_secret") != "" {
			return nil, newError(ErrCodeInvalidRequest, "multiple client authentication methods used")
		}
		var err error
		if id, err = url.QueryUnescape(id); err != nil {
			return nil, invalidClient(err)
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return nil, invalidClient(err)
		}
		if fid := r.PostForm.Get("client_id"); fid != "" && fid != id {
			return nil, newError(ErrCodeInvalidRequest, "client_id does not match authorization header")
		}
	} else {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if id == "" {
		return nil, invalidClient(errors.New("no client_id"))
	}

	cl, err := s.Clients.Authenticate(r.Context(), id, secret)
	if errors.Is(err, clients.ErrInvalidClient) {
		return nil, invalidClient(err)
	}
	if err != nil {
		return nil, serverError(err)
	}
	return cl, nil
}

func invalidClient(cause error) *Error {
	return &Error{
		Code:        ErrCodeInvalidClient,
		Description: "client authentication failed",
		Status:      http.StatusUnauthorized,
		Cause:       cause,
	}
}

// writeClientAuthError writes an authentication failure, challenging for
// Basic auth when the client used it.
func writeClientAuthError(w http.ResponseWriter, r *http.Request, perr *Error) {
	if perr.Code == ErrCodeInvalidClient {
		if _, _, basic := r.BasicAuth(); basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="token", charset="UTF-8"`)
		}
	}
	writeJSONError(w, r, perr)
}
