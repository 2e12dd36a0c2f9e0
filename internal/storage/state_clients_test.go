package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"lds.li/idsrv/internal/config"
)

func TestClientStore(t *testing.T) {
	state := newTestState(t)
	store := state.Clients()
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha"} {
		if err := store.PutClient(ctx, &config.Client{
			ID:           id,
			RedirectURIs: []string{"https://" + id + "/cb"},
			GrantTypes:   []string{config.GrantTypeAuthorizationCode},
		}); err != nil {
			t.Fatalf("failed to put client %s: %v", id, err)
		}
	}

	cl, err := store.GetClient(ctx, "alpha")
	if err != nil {
		t.Fatalf("failed to get client: %v", err)
	}
	if diff := cmp.Diff([]string{"https://alpha/cb"}, cl.RedirectURIs); diff != "" {
		t.Errorf("redirect URIs mismatch (-want +got):\n%s", diff)
	}

	list, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("failed to list clients: %v", err)
	}
	var ids []string
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	if diff := cmp.Diff([]string{"alpha", "zeta"}, ids); diff != "" {
		t.Errorf("client IDs mismatch (-want +got):\n%s", diff)
	}

	if err := store.DeleteClient(ctx, "alpha"); err != nil {
		t.Fatalf("failed to delete client: %v", err)
	}
	if _, err := store.GetClient(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteClient(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestScopeStore(t *testing.T) {
	state := newTestState(t)
	store := state.Scopes()
	ctx := context.Background()

	if err := store.PutScope(ctx, &config.Scope{Name: "api1", Kind: config.ScopeKindAPI, Audience: "api1"}); err != nil {
		t.Fatalf("failed to put scope: %v", err)
	}
	sc, err := store.GetScope(ctx, "api1")
	if err != nil {
		t.Fatalf("failed to get scope: %v", err)
	}
	if sc.Audience != "api1" {
		t.Errorf("expected audience api1, got %s", sc.Audience)
	}
	if err := store.DeleteScope(ctx, "api1"); err != nil {
		t.Fatalf("failed to delete scope: %v", err)
	}
	list, err := store.ListScopes(ctx)
	if err != nil {
		t.Fatalf("failed to list scopes: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no scopes, got %d", len(list))
	}
}
