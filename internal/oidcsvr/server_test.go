package oidcsvr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
	"lds.li/idsrv/internal/auth"
	"lds.li/idsrv/internal/clients"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/keys"
	"lds.li/idsrv/internal/policy"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
	"lds.li/idsrv/internal/tokens"
)

const (
	testIssuer   = "https://id.example.com"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	webRedirect  = "https://app.example.com/cb"
	testUserHdr  = "X-Test-User"
)

const testConfig = `{
	"issuer": "https://id.example.com",
	"serving": { "authLimitRate": 1000, "authLimitBucket": 1000 },
	"scopes": [
		{ "name": "api1", "kind": "api", "audience": "https://api1.example.com", "claims": ["role"] },
		{ "name": "api2", "kind": "api", "required": true },
	],
	"clients": [
		{
			"id": "web",
			"name": "Web App",
			"clientSecrets": ["web-secret"],
			"redirectURIs": ["https://app.example.com/cb"],
			"scopes": ["openid", "profile", "email", "api1"],
		},
		{
			"id": "spa",
			"public": true,
			"redirectURIs": ["https://spa.example.com/cb"],
			"scopes": ["openid", "profile"],
		},
		{
			"id": "consent",
			"clientSecrets": ["consent-secret"],
			"redirectURIs": ["https://consent.example.com/cb"],
			"scopes": ["openid", "profile", "email", "api1", "api2"],
			"requireConsent": true,
			"allowRememberConsent": true,
		},
		{
			"id": "svc",
			"clientSecrets": ["svc-secret"],
			"grantTypes": ["client_credentials"],
			"scopes": ["openid", "api1"],
		},
		{
			"id": "ref",
			"clientSecrets": ["ref-secret"],
			"redirectURIs": ["https://ref.example.com/cb"],
			"scopes": ["openid", "api1"],
			"accessTokenType": "reference",
			"refreshTokenUsage": "reuse",
		},
		{
			"id": "admins",
			"clientSecrets": ["admins-secret"],
			"redirectURIs": ["https://admins.example.com/cb"],
			"scopes": ["openid", "profile"],
			"authorizationPolicy": "'admin' in user.role",
			"claimsPolicy": "claims.patch({'name': user.name + ' (admin)', 'iss': 'https://evil.example.com'})",
		},
		{
			"id": "tv",
			"public": true,
			"grantTypes": ["urn:ietf:params:oauth:grant-type:device_code", "refresh_token"],
			"scopes": ["openid", "profile", "api1"],
		},
		{
			"id": "console",
			"public": true,
			"grantTypes": ["urn:ietf:params:oauth:grant-type:device_code"],
			"scopes": ["openid"],
		},
	],
}`

type staticProfiles struct {
	mu    sync.Mutex
	users map[string]map[string]any
}

func (s *staticProfiles) IsActive(_ context.Context, sub string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[sub]
	return ok, nil
}

func (s *staticProfiles) Claims(_ context.Context, sub string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.users[sub]
	if !ok {
		return nil, profile.ErrUserNotFound
	}
	return c, nil
}

func (s *staticProfiles) remove(sub string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, sub)
}

// headerAuth treats the X-Test-User header as the logged in user.
type headerAuth struct {
	authTime time.Time
}

func (h *headerAuth) CurrentUser(r *http.Request) (*auth.Identity, error) {
	sub := r.Header.Get(testUserHdr)
	if sub == "" {
		return nil, nil
	}
	return &auth.Identity{Subject: sub, AuthTime: h.authTime}, nil
}

func (h *headerAuth) TriggerLogin(w http.ResponseWriter, r *http.Request, returnTo string) {
	http.Redirect(w, r, "/login?"+url.Values{"return_to": {returnTo}}.Encode(), http.StatusSeeOther)
}

// recordingConsent captures the prompt rather than rendering it.
type recordingConsent struct {
	last *auth.ConsentPrompt
}

func (c *recordingConsent) RenderConsent(w http.ResponseWriter, r *http.Request, prompt auth.ConsentPrompt) {
	c.last = &prompt
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("consent"))
}

type testEnv struct {
	srv      *Server
	router   chi.Router
	state    *storage.State
	profiles *staticProfiles
	auth     *headerAuth
	consent  *recordingConsent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, testConfig)
}

func newTestEnvWithConfig(t *testing.T, rawConfig string) *testEnv {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.ParseConfig([]byte(rawConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	state, err := storage.NewState(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })

	reg := scopes.NewRegistry(cfg.Scopes, state.Scopes())
	mc := clients.NewMultiClients(&clients.StaticClients{Clients: cfg.Clients}, &clients.StoredClients{DB: state.Clients()}, reg, cfg.StrictScopes)

	km, err := keys.NewManager(state.Keys(), keys.Config{
		Algorithm:        cfg.Keys.Algorithm,
		RotateEvery:      cfg.Keys.RotateEvery.Duration(),
		MaxTokenLifetime: cfg.MaxTokenValidity.Duration(),
		ClockSkew:        cfg.Keys.ClockSkew.Duration(),
	})
	if err != nil {
		t.Fatalf("failed to create key manager: %v", err)
	}
	if err := km.Maintain(ctx); err != nil {
		t.Fatalf("failed to create signing key: %v", err)
	}

	pe, err := policy.NewPolicyEvaluator()
	if err != nil {
		t.Fatalf("failed to create policy evaluator: %v", err)
	}
	if err := policy.ValidatePolicies(cfg); err != nil {
		t.Fatalf("invalid policies: %v", err)
	}

	profiles := &staticProfiles{users: map[string]map[string]any{
		"alice": {
			"sub":                "alice",
			"name":               "Alice",
			"preferred_username": "alice",
			"email":              "alice@example.com",
			"email_verified":     true,
			"role":               []any{"admin"},
		},
		"bob": {
			"sub":                "bob",
			"name":               "Bob",
			"preferred_username": "bob",
			"role":               []any{},
		},
	}}

	ha := &headerAuth{authTime: time.Now().Add(-time.Minute).Truncate(time.Second)}
	rc := &recordingConsent{}
	srv := &Server{
		Config:  cfg,
		Clients: mc,
		Scopes:  reg,
		Grants:  state.Grants(),
		Pending: state.Pending(),
		Keys:    km,
		Tokens: &tokens.Issuer{
			Issuer:          cfg.Issuer,
			Keys:            km,
			Scopes:          reg,
			Profiles:        profiles,
			References:      state.Grants(),
			Policy:          pe,
			DefaultValidity: cfg.TokenValidity.Duration(),
			MaxValidity:     cfg.MaxTokenValidity.Duration(),
		},
		Verifier: &tokens.Verifier{
			Issuer:     cfg.Issuer,
			Keys:       km,
			References: state.Grants(),
			ClockSkew:  cfg.Keys.ClockSkew.Duration(),
		},
		Policy:        pe,
		Profiles:      profiles,
		Authenticator: ha,
		Consent:       rc,
	}
	r := chi.NewRouter()
	srv.AddHandlers(r)

	return &testEnv{
		srv:      srv,
		router:   r,
		state:    state,
		profiles: profiles,
		auth:     ha,
		consent:  rc,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	if req.RemoteAddr == "" {
		req.RemoteAddr = "192.0.2.1:1234"
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// authorize makes an authorization request as user, who may be empty.
func (e *testEnv) authorize(user string, params url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+params.Encode(), nil)
	if user != "" {
		req.Header.Set(testUserHdr, user)
	}
	return e.do(req)
}

func (e *testEnv) postForm(path, user string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.Header.Set(testUserHdr, user)
	}
	return e.do(req)
}

// backchannel posts form to path, authenticating with Basic when a secret
// is given.
func (e *testEnv) backchannel(path, clientID, secret string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if secret != "" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
	} else {
		form.Set("client_id", clientID)
		req = httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return e.do(req)
}

func (e *testEnv) token(clientID, secret string, form url.Values) (*httptest.ResponseRecorder, map[string]any) {
	rec := e.backchannel(PathToken, clientID, secret, form)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

// redirectParams returns the query of a redirect response.
func redirectParams(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d: %s", rec.Code, rec.Body.String())
	}
	u, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse location: %v", err)
	}
	return u.Query()
}

func webAuthorizeParams(scope string) url.Values {
	return url.Values{
		"client_id":             {"web"},
		"redirect_uri":          {webRedirect},
		"response_type":         {"code"},
		"scope":                 {scope},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6_WzA2Mj"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(testVerifier)},
		"code_challenge_method": {PKCEMethodS256},
	}
}

// webCode runs an authorization request for alice through to a code.
func (e *testEnv) webCode(t *testing.T, scope string) string {
	t.Helper()
	q := redirectParams(t, e.authorize("alice", webAuthorizeParams(scope)))
	if q.Get("error") != "" {
		t.Fatalf("authorization failed: %s: %s", q.Get("error"), q.Get("error_description"))
	}
	if q.Get("state") != "xyz" {
		t.Errorf("expected state xyz, got %q", q.Get("state"))
	}
	if q.Get("iss") != testIssuer {
		t.Errorf("expected iss %s, got %q", testIssuer, q.Get("iss"))
	}
	code := q.Get("code")
	if code == "" {
		t.Fatal("expected a code")
	}
	return code
}

func webCodeExchange(code string) url.Values {
	return url.Values{
		"grant_type":    {config.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {webRedirect},
		"code_verifier": {testVerifier},
	}
}
