// Package scopes holds the identity and API scope definitions.
package scopes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/storage"
)

var ErrNotFound = errors.New("scope not found")

// Built in identity scopes.
const (
	OpenID        = "openid"
	Profile       = "profile"
	Email         = "email"
	OfflineAccess = "offline_access"
)

var builtin = []config.Scope{
	{
		Name:        OpenID,
		DisplayName: "Your user identifier",
		Kind:        config.ScopeKindIdentity,
		Claims:      []string{"sub"},
		Required:    true,
	},
	{
		Name:        Profile,
		DisplayName: "User profile",
		Description: "Your user profile information (name, username, etc.)",
		Kind:        config.ScopeKindIdentity,
		Claims: []string{
			"name", "family_name", "given_name", "middle_name", "nickname",
			"preferred_username", "profile", "picture", "website", "gender",
			"birthdate", "zoneinfo", "locale", "updated_at",
		},
	},
	{
		Name:        Email,
		DisplayName: "Your email address",
		Kind:        config.ScopeKindIdentity,
		Claims:      []string{"email", "email_verified"},
	},
	{
		Name:        OfflineAccess,
		DisplayName: "Offline access",
		Description: "Access to your applications and resources, even when you are offline",
		Kind:        config.ScopeKindIdentity,
	},
}

// Registry resolves scopes from the built ins, the config file and the
// admin managed store, in that order of precedence.
type Registry struct {
	static []config.Scope
	stored *storage.ScopeStore
}

func NewRegistry(static []config.Scope, stored *storage.ScopeStore) *Registry {
	return &Registry{static: static, stored: stored}
}

// IsBuiltin reports if the scope is one of the fixed identity scopes.
func IsBuiltin(name string) bool {
	return slices.ContainsFunc(builtin, func(s config.Scope) bool { return s.Name == name })
}

// Lookup returns the scope definition, or ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, name string) (*config.Scope, error) {
	for _, list := range [][]config.Scope{builtin, r.static} {
		for i := range list {
			if list[i].Name == name {
				s := list[i]
				return &s, nil
			}
		}
	}
	if r.stored == nil {
		return nil, ErrNotFound
	}
	s, err := r.stored.GetScope(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stored scope %s: %w", name, err)
	}
	return s, nil
}

// Exists reports if the scope is defined anywhere.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	_, err := r.Lookup(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// All returns every defined scope, sorted by name.
func (r *Registry) All(ctx context.Context) ([]config.Scope, error) {
	seen := map[string]bool{}
	var all []config.Scope
	add := func(s config.Scope) {
		if seen[s.Name] {
			return
		}
		seen[s.Name] = true
		all = append(all, s)
	}
	for _, s := range builtin {
		add(s)
	}
	for _, s := range r.static {
		add(s)
	}
	if r.stored != nil {
		stored, err := r.stored.ListScopes(ctx)
		if err != nil {
			return nil, fmt.Errorf("list stored scopes: %w", err)
		}
		for _, s := range stored {
			add(*s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// Resolve returns the definitions for the named scopes, skipping any that
// no longer exist.
func (r *Registry) Resolve(ctx context.Context, names []string) ([]config.Scope, error) {
	var out []config.Scope
	for _, n := range names {
		s, err := r.Lookup(ctx, n)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// Audiences returns the resource audiences of the API scopes among names.
func (r *Registry) Audiences(ctx context.Context, names []string) ([]string, error) {
	resolved, err := r.Resolve(ctx, names)
	if err != nil {
		return nil, err
	}
	var auds []string
	for _, s := range resolved {
		if s.Kind != config.ScopeKindAPI {
			continue
		}
		aud := s.Audience
		if aud == "" {
			aud = s.Name
		}
		if !slices.Contains(auds, aud) {
			auds = append(auds, aud)
		}
	}
	return auds, nil
}

// IdentityClaims returns the claim types authorized by the identity scopes
// among names.
func (r *Registry) IdentityClaims(ctx context.Context, names []string) ([]string, error) {
	return r.claims(ctx, names, config.ScopeKindIdentity)
}

// APIClaims returns the claim types the API scopes among names add to access
// tokens.
func (r *Registry) APIClaims(ctx context.Context, names []string) ([]string, error) {
	return r.claims(ctx, names, config.ScopeKindAPI)
}

func (r *Registry) claims(ctx context.Context, names []string, kind string) ([]string, error) {
	resolved, err := r.Resolve(ctx, names)
	if err != nil {
		return nil, err
	}
	var claims []string
	for _, s := range resolved {
		if s.Kind != kind {
			continue
		}
		for _, c := range s.Claims {
			if !slices.Contains(claims, c) {
				claims = append(claims, c)
			}
		}
	}
	return claims, nil
}
