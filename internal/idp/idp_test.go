package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/storage"
)

func newTestIDP(t *testing.T, rawConfig string) *IDP {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.ParseConfig([]byte(rawConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	state, err := storage.NewState(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })
	users, err := profile.OpenStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}

	idp, err := NewIDP(context.Background(), cfg, state, users, Options{})
	if err != nil {
		t.Fatalf("failed to create idp: %v", err)
	}
	t.Cleanup(func() { _ = idp.Close() })
	return idp
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestIDPRoutes(t *testing.T) {
	idp := newTestIDP(t, `{"issuer": "https://id.example.com"}`)

	if rec := get(idp.Handler, "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("unexpected healthz response %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(idp.Handler, "/login"); rec.Code != http.StatusOK {
		t.Errorf("expected the login page, got %d", rec.Code)
	}
	if rec := get(idp.Handler, "/identity"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected the identity api to require a token, got %d", rec.Code)
	}
	if rec := get(idp.Handler, "/.well-known/jwks.json"); rec.Code != http.StatusOK {
		t.Errorf("expected jwks, got %d", rec.Code)
	}
	if rec := get(idp.Handler, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("expected not found, got %d", rec.Code)
	}
}

func TestIDPIssuerPath(t *testing.T) {
	idp := newTestIDP(t, `{"issuer": "https://example.com/idp"}`)

	rec := get(idp.Handler, "/idp/.well-known/openid-configuration")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected discovery below the issuer path, got %d", rec.Code)
	}
	var md struct {
		Issuer        string `json:"issuer"`
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &md); err != nil {
		t.Fatal(err)
	}
	if md.Issuer != "https://example.com/idp" || md.TokenEndpoint != "https://example.com/idp/token" {
		t.Errorf("unexpected metadata %+v", md)
	}
	if rec := get(idp.Handler, "/.well-known/openid-configuration"); rec.Code != http.StatusNotFound {
		t.Errorf("expected nothing outside the issuer path, got %d", rec.Code)
	}

	rec = get(idp.Handler, "/idp/device?user_code=BCDF-GHJK")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected a login redirect, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/idp/login?return_to=%2Fidp%2Fdevice") {
		t.Errorf("expected login below the issuer path, got %s", loc)
	}
}

func TestIDPRedisPending(t *testing.T) {
	mr := miniredis.RunT(t)
	idp := newTestIDP(t, fmt.Sprintf(`{
		"issuer": "https://id.example.com",
		"redisURL": "redis://%s",
		"clients": [{"id": "c", "clientSecrets": ["s"], "redirectURIs": ["https://c.example.com/cb"], "scopes": ["openid"]}],
	}`, mr.Addr()))
	if idp.redis == nil {
		t.Fatal("expected the redis pending store to be used")
	}

	// starting a flow without a session parks it in redis.
	rec := get(idp.Handler, "/authorize?response_type=code&client_id=c&scope=openid&state=x")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected a login redirect, got %d: %s", rec.Code, rec.Body.String())
	}
	if keys := mr.Keys(); len(keys) != 1 {
		t.Errorf("expected one pending authorization in redis, got %v", keys)
	}
}

func TestIDPRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg, err := config.ParseConfig(fmt.Appendf(nil, `{"issuer": "https://id.example.com", "redisURL": "redis://%s"}`, addr))
	if err != nil {
		t.Fatal(err)
	}
	state, err := storage.NewState(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer state.Close()
	if _, err := NewIDP(context.Background(), cfg, state, nil, Options{}); err == nil {
		t.Error("expected an error when redis is unreachable")
	}
}
