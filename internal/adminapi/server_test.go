package adminapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/keys"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
)

func newTestClient(t *testing.T) (*Client, *storage.State) {
	t.Helper()
	dir := t.TempDir()

	state, err := storage.NewState(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })

	users, err := profile.OpenStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatalf("failed to open user store: %v", err)
	}

	cfg := &config.Config{
		Clients: []config.Client{{ID: "static", Secrets: []string{"x"}, RedirectURIs: []string{"https://a/cb"}}},
		Scopes:  []config.Scope{{Name: "api1", Kind: config.ScopeKindAPI}},
	}
	km, err := keys.NewManager(state.Keys(), keys.Config{
		Algorithm:        "ES256",
		RotateEvery:      24 * time.Hour,
		MaxTokenLifetime: time.Hour,
		ClockSkew:        time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create key manager: %v", err)
	}
	if err := km.Maintain(t.Context()); err != nil {
		t.Fatalf("failed to bootstrap keys: %v", err)
	}

	srv := NewServer(state, cfg, scopes.NewRegistry(cfg.Scopes, state.Scopes()), km, users, "")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &Client{HTTP: ts.Client(), BaseURL: ts.URL}, state
}

func statusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

func TestClients(t *testing.T) {
	c, state := newTestClient(t)
	ctx := t.Context()

	resp, err := c.CreateClient(ctx, &config.Client{
		ID:           "new",
		RedirectURIs: []string{"https://new.example.com/cb"},
		Scopes:       []string{"openid", "api1"},
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if resp.Secret == "" {
		t.Fatal("expected a generated secret")
	}
	stored, err := state.Clients().GetClient(ctx, "new")
	if err != nil {
		t.Fatal(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.Secrets[0]), []byte(resp.Secret)); err != nil {
		t.Errorf("expected the stored secret to be a hash of the returned one: %v", err)
	}
	if len(stored.GrantTypes) != 2 {
		t.Errorf("expected default grant types, got %v", stored.GrantTypes)
	}

	for name, cl := range map[string]*config.Client{
		"config conflict": {ID: "static", Public: true, RedirectURIs: []string{"https://a/cb"}},
		"stored conflict": {ID: "new", Public: true, RedirectURIs: []string{"https://a/cb"}},
		"unknown scope":   {ID: "other", Public: true, RedirectURIs: []string{"https://a/cb"}, Scopes: []string{"nope"}},
		"invalid":         {ID: "other", Public: true},
	} {
		if _, err := c.CreateClient(ctx, cl); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}

	list, err := c.ListClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, cl := range list {
		got = append(got, cl.ID+"/"+cl.Source)
	}
	if diff := cmp.Diff([]string{"static/config", "new/stored"}, got); diff != "" {
		t.Errorf("clients mismatch (-want +got):\n%s", diff)
	}

	if err := c.DeleteClient(ctx, "new"); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteClient(ctx, "static"); statusOf(err) != http.StatusNotFound {
		t.Errorf("expected config clients to not be deletable, got %v", err)
	}
}

func TestScopes(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := t.Context()

	if err := c.CreateScope(ctx, &config.Scope{Name: "api3", Audience: "https://api3"}); err != nil {
		t.Fatalf("failed to create scope: %v", err)
	}
	if err := c.CreateScope(ctx, &config.Scope{Name: "email"}); statusOf(err) != http.StatusConflict {
		t.Errorf("expected conflict for a builtin scope, got %v", err)
	}
	if err := c.CreateScope(ctx, &config.Scope{Name: "x", Kind: "weird"}); statusOf(err) != http.StatusBadRequest {
		t.Errorf("expected bad request for an invalid kind, got %v", err)
	}

	list, err := c.ListScopes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sources := map[string]string{}
	for _, sc := range list {
		sources[sc.Name] = sc.Source
	}
	for name, want := range map[string]string{"openid": SourceBuiltin, "api1": SourceConfig, "api3": SourceStored} {
		if sources[name] != want {
			t.Errorf("expected %s to have source %s, got %s", name, want, sources[name])
		}
	}
	if err := c.DeleteScope(ctx, "api3"); err != nil {
		t.Fatal(err)
	}
}

func TestUsersAndGrants(t *testing.T) {
	c, state := newTestClient(t)
	ctx := t.Context()

	u, err := c.CreateUser(ctx, &CreateUserRequest{Username: "alice", Email: "alice@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if !u.Active || u.ID == "" {
		t.Errorf("unexpected user %+v", u)
	}
	if _, err := c.CreateUser(ctx, &CreateUserRequest{Username: "ALICE", Password: "pw"}); statusOf(err) != http.StatusConflict {
		t.Errorf("expected conflict for duplicate username, got %v", err)
	}

	now := time.Now()
	fam := &storage.TokenFamily{ClientID: "static", Subject: u.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := state.Grants().CreateFamily(ctx, fam); err != nil {
		t.Fatal(err)
	}
	other := &storage.TokenFamily{ClientID: "static", Subject: u.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := state.Grants().CreateFamily(ctx, other); err != nil {
		t.Fatal(err)
	}

	if err := c.RevokeGrant(ctx, fam.ID); err != nil {
		t.Fatalf("failed to revoke grant: %v", err)
	}
	if err := c.RevokeGrant(ctx, "missing"); statusOf(err) != http.StatusNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	got, err := state.Grants().GetFamily(ctx, fam.ID)
	if err != nil || !got.Revoked || got.RevokedReason != storage.RevokeReasonAdmin {
		t.Errorf("expected admin revocation, got %+v %v", got, err)
	}

	// disabling the user revokes the rest.
	if err := c.SetUserActive(ctx, u.ID, false); err != nil {
		t.Fatal(err)
	}
	grants, err := c.ListGrants(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants.Grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants.Grants))
	}
	for _, g := range grants.Grants {
		if !g.Revoked {
			t.Errorf("expected grant %s to be revoked", g.ID)
		}
	}
	got, _ = state.Grants().GetFamily(ctx, other.ID)
	if got.RevokedReason != storage.RevokeReasonSubjectInactive {
		t.Errorf("expected subject_inactive, got %s", got.RevokedReason)
	}

	users, err := c.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Active {
		t.Errorf("expected one inactive user, got %+v", users)
	}
	if err := c.SetUserActive(ctx, "missing", true); statusOf(err) != http.StatusNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestKeysAndGC(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := t.Context()

	before, err := c.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var active string
	for _, k := range before {
		if k.Status == storage.KeyStatusActive {
			active = k.KeyID
		}
	}
	if active == "" {
		t.Fatalf("expected an active key, got %+v", before)
	}

	rot, err := c.RotateKeys(ctx)
	if err != nil {
		t.Fatalf("failed to rotate: %v", err)
	}
	if rot.KeyID == active {
		t.Error("expected a new key id")
	}
	if rot.ActiveAfter.After(time.Now()) {
		t.Errorf("expected the key to sign at once without a publish delay, got %s", rot.ActiveAfter)
	}
	after, err := c.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	statuses := map[string]string{}
	for _, k := range after {
		statuses[k.KeyID] = k.Status
	}
	if statuses[active] != storage.KeyStatusRetiring || statuses[rot.KeyID] != storage.KeyStatusActive {
		t.Errorf("unexpected key statuses %v", statuses)
	}

	if _, err := c.GC(ctx); err != nil {
		t.Errorf("gc failed: %v", err)
	}
}
