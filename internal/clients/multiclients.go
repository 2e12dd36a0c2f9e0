// Package clients looks up and authenticates registered clients, and decides
// which scopes they are granted.
package clients

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"lds.li/idsrv/internal/config"
)

var (
	ErrNotFound      = errors.New("client not found")
	ErrInvalidClient = errors.New("invalid client")
	ErrInvalidScope  = errors.New("invalid scope")
)

// ScopeOfflineAccess is allowed for any client that may use refresh tokens.
const ScopeOfflineAccess = "offline_access"

// Source is a place clients are defined.
type Source interface {
	GetClient(ctx context.Context, clientID string) (*config.Client, error)
}

// ScopeSource resolves scope definitions. ErrNotFound-like errors should be
// returned for unknown scopes.
type ScopeSource interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// MultiClients combines multiple client sources, static clients take
// precedence over stored ones.
type MultiClients struct {
	Static *StaticClients
	Stored *StoredClients
	Scopes ScopeSource
	// StrictScopes rejects requests for scopes the client may not use,
	// rather than dropping them.
	StrictScopes bool
}

// NewMultiClients creates a new MultiClients instance
func NewMultiClients(static *StaticClients, stored *StoredClients, scopes ScopeSource, strict bool) *MultiClients {
	return &MultiClients{
		Static:       static,
		Stored:       stored,
		Scopes:       scopes,
		StrictScopes: strict,
	}
}

// LookupClient returns the client, or ErrNotFound.
func (m *MultiClients) LookupClient(ctx context.Context, clientID string) (*config.Client, error) {
	if m.Static != nil {
		cl, err := m.Static.GetClient(ctx, clientID)
		if err == nil {
			return cl, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if m.Stored != nil {
		cl, err := m.Stored.GetClient(ctx, clientID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get stored client %s: %w", clientID, err)
		}
		return cl, nil
	}
	return nil, ErrNotFound
}

// ValidateRedirectURI reports if uri is registered for the client. Only exact
// matches count.
func ValidateRedirectURI(client *config.Client, uri string) bool {
	return uri != "" && slices.Contains(client.RedirectURIs, uri)
}

// ResolveScopes returns the subset of requested scopes granted to the
// client, de-duplicated and in request order. Unknown scopes are always an
// error. Scopes the client is not allowed are dropped, or are an error when
// strict.
func (m *MultiClients) ResolveScopes(ctx context.Context, client *config.Client, requested []string) ([]string, error) {
	granted := make([]string, 0, len(requested))
	for _, s := range requested {
		if s == "" || slices.Contains(granted, s) {
			continue
		}
		ok, err := m.Scopes.Exists(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("look up scope %s: %w", s, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: unknown scope %s", ErrInvalidScope, s)
		}
		if !clientAllowsScope(client, s) {
			if m.StrictScopes {
				return nil, fmt.Errorf("%w: client may not request %s", ErrInvalidScope, s)
			}
			continue
		}
		granted = append(granted, s)
	}
	return granted, nil
}

func clientAllowsScope(client *config.Client, scope string) bool {
	if scope == ScopeOfflineAccess {
		return client.AllowsGrantType(config.GrantTypeRefreshToken)
	}
	return slices.Contains(client.Scopes, scope)
}

// dummyHash is compared against when the client doesn't exist, so unknown
// clients take as long to reject as a bad secret.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("not-a-real-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
})

// Authenticate checks the client's credentials. Public clients authenticate
// with their ID alone. Every failure is reported as ErrInvalidClient, details
// are only in the wrapped message.
func (m *MultiClients) Authenticate(ctx context.Context, clientID, secret string) (*config.Client, error) {
	cl, err := m.LookupClient(ctx, clientID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(secret))
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return nil, err
	}
	if cl.Public {
		return cl, nil
	}
	if secret == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(secret))
		return nil, fmt.Errorf("%w: missing secret", ErrInvalidClient)
	}
	for _, h := range cl.Secrets {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(secret)) == nil {
			return cl, nil
		}
	}
	return nil, fmt.Errorf("%w: secret mismatch", ErrInvalidClient)
}
