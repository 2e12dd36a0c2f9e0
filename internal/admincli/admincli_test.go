package admincli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/run"
	"lds.li/idsrv/internal/adminapi"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/keys"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
)

// startAdminServer serves the admin API on a real socket. The socket lives
// in a short temp dir, as socket paths are length limited.
func startAdminServer(t *testing.T) adminapi.SocketPath {
	t.Helper()
	dir, err := os.MkdirTemp("", "idsrv")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	state, err := storage.NewState(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })
	users, err := profile.OpenStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	km, err := keys.NewManager(state.Keys(), keys.Config{
		Algorithm:        "ES256",
		RotateEvery:      24 * time.Hour,
		MaxTokenLifetime: time.Hour,
		ClockSkew:        time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := km.Maintain(t.Context()); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}

	socket := filepath.Join(dir, "admin.sock")
	ctx, cancel := context.WithCancel(context.Background())
	var g run.Group
	g.Add(run.ContextHandler(ctx))
	if err := adminapi.NewServer(state, cfg, scopes.NewRegistry(nil, state.Scopes()), km, users, socket).Start(ctx, &g); err != nil {
		t.Fatalf("failed to start admin server: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run()
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return adminapi.SocketPath(socket)
}

func TestCommands(t *testing.T) {
	sock := startAdminServer(t)
	ctx := t.Context()

	var out bytes.Buffer
	add := &AddClientCmd{
		ID:                "cli",
		RedirectURI:       []string{"https://cli.example.com/cb"},
		Scope:             []string{"openid"},
		AccessTokenType:   config.AccessTokenTypeJWT,
		RefreshTokenUsage: config.RefreshTokenUsageOneTime,
		Output:            &out,
	}
	if err := add.Run(ctx, sock); err != nil {
		t.Fatalf("add-client failed: %v", err)
	}
	if !strings.Contains(out.String(), "Client Secret: ") {
		t.Errorf("expected a secret to be printed, got %q", out.String())
	}

	out.Reset()
	if err := (&ListClientsCmd{Output: &out}).Run(ctx, sock); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "cli") || !strings.Contains(out.String(), "stored") {
		t.Errorf("expected client listing, got %q", out.String())
	}

	out.Reset()
	addUser := &AddUserCmd{Username: "bob", Input: strings.NewReader("s3cret\n"), Output: &out}
	if err := addUser.Run(ctx, sock); err != nil {
		t.Fatalf("add-user failed: %v", err)
	}
	if err := (&AddUserCmd{Username: "eve", Input: strings.NewReader("\n"), Output: &out}).Run(ctx, sock); err == nil {
		t.Error("expected an empty password to be rejected")
	}

	out.Reset()
	if err := (&ListUsersCmd{Output: &out}).Run(ctx, sock); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "bob") {
		t.Errorf("expected user listing, got %q", out.String())
	}

	out.Reset()
	if err := (&RotateKeysCmd{Output: &out}).Run(ctx, sock); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "is active.") {
		t.Errorf("expected rotated key to be active without a publish delay, got %q", out.String())
	}
	out.Reset()
	if err := (&ListKeysCmd{Output: &out}).Run(ctx, sock); err != nil {
		t.Fatal(err)
	}
	if strings.Count(out.String(), "ES256") < 2 || !strings.Contains(out.String(), "retiring") {
		t.Errorf("expected two keys after rotation, got %q", out.String())
	}

	out.Reset()
	if err := (&ListGrantsCmd{Output: &out}).Run(ctx, sock); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No grants found.") {
		t.Errorf("unexpected grant listing %q", out.String())
	}

	if err := (&DeleteClientCmd{ID: "missing", Output: &out}).Run(ctx, sock); err == nil {
		t.Error("expected deleting a missing client to fail")
	}
	if err := (&GCCmd{Output: &out}).Run(ctx, sock); err != nil {
		t.Errorf("gc failed: %v", err)
	}
}
