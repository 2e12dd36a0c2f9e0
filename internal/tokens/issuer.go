// Package tokens issues and verifies access and identity tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/keys"
	"lds.li/idsrv/internal/policy"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/storage"
)

// ErrSubjectInactive is returned when the profile provider no longer knows
// the subject, or reports it disabled. No tokens are issued for it.
var ErrSubjectInactive = errors.New("subject is not active")

// AccessTokenType is the typ header of JWT access tokens (RFC 9068).
const AccessTokenType = "at+jwt"

// ResourcesAudience is appended to the issuer to form the audience every
// access token carries.
const ResourcesAudience = "/resources"

var tokensIssuedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tokens_issued_total",
		Help: "Number of tokens issued, by kind",
	},
	[]string{"kind"},
)

// protectedClaims can't be set by profiles or claims policies.
var protectedClaims = []string{
	"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "auth_time", "nonce",
	"at_hash", "c_hash", "azp", "client_id", "scope",
}

// KeySource signs and verifies tokens. *keys.Manager implements it.
type KeySource interface {
	ActiveSigningKey(ctx context.Context) (keys.SigningKey, error)
	SignAndEncode(raw *jwt.RawJWT) (string, error)
	VerifyAndDecode(compact string, validator *jwt.Validator) (*jwt.VerifiedJWT, error)
}

// ScopeSource maps scopes to audiences and claims. *scopes.Registry
// implements it.
type ScopeSource interface {
	Audiences(ctx context.Context, names []string) ([]string, error)
	IdentityClaims(ctx context.Context, names []string) ([]string, error)
	APIClaims(ctx context.Context, names []string) ([]string, error)
}

// ReferenceStore persists opaque access tokens. *storage.GrantStore
// implements it.
type ReferenceStore interface {
	PutReferenceToken(ctx context.Context, token string, rt *storage.ReferenceToken) error
	GetReferenceToken(ctx context.Context, token string) (*storage.ReferenceToken, error)
}

// Issuer mints access and identity tokens.
type Issuer struct {
	// Issuer is the iss value of every token.
	Issuer     string
	Keys       KeySource
	Scopes     ScopeSource
	Profiles   profile.Provider
	References ReferenceStore
	Policy     *policy.PolicyEvaluator

	// DefaultValidity applies when the client has no override.
	DefaultValidity time.Duration
	// MaxValidity bounds every token lifetime.
	MaxValidity time.Duration

	// now is overridden in tests.
	now func() time.Time
}

func (i *Issuer) timeNow() time.Time {
	if i.now != nil {
		return i.now()
	}
	return time.Now()
}

// lifetime picks the client override or the default, bounded by the max.
func (i *Issuer) lifetime(override config.JSONDuration) time.Duration {
	d := override.Or(i.DefaultValidity)
	if i.MaxValidity > 0 && d > i.MaxValidity {
		d = i.MaxValidity
	}
	return d
}

// AccessTokenRequest describes the access token to issue.
type AccessTokenRequest struct {
	Client *config.Client
	// Subject is empty for client credentials grants.
	Subject  string
	Scopes   []string
	AuthTime time.Time
	// FamilyID links reference tokens to their grant, so revoking the grant
	// revokes them.
	FamilyID string
}

// IdentityTokenRequest describes the identity token to issue.
type IdentityTokenRequest struct {
	Client   *config.Client
	Subject  string
	Scopes   []string
	AuthTime time.Time
	Nonce    string
	// AccessToken and Code, when set, are hashed into at_hash and c_hash.
	AccessToken string
	Code        string
}

// IssuedToken is a minted token.
type IssuedToken struct {
	Token     string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Reference is set for opaque access tokens.
	Reference bool
}

// ExpiresIn is the lifetime in seconds, for token responses.
func (t *IssuedToken) ExpiresIn() int {
	return int(t.ExpiresAt.Sub(t.IssuedAt).Round(time.Second).Seconds())
}

func (i *Issuer) checkActive(ctx context.Context, subject string) error {
	if subject == "" {
		return nil
	}
	active, err := i.Profiles.IsActive(ctx, subject)
	if err != nil {
		return fmt.Errorf("checking subject %s is active: %w", subject, err)
	}
	if !active {
		return ErrSubjectInactive
	}
	return nil
}

func (i *Issuer) resourcesAudience() string {
	return i.Issuer + ResourcesAudience
}

// IssueAccessToken mints a JWT or reference access token, per the client's
// configuration.
func (i *Issuer) IssueAccessToken(ctx context.Context, req AccessTokenRequest) (*IssuedToken, error) {
	if err := i.checkActive(ctx, req.Subject); err != nil {
		return nil, err
	}

	auds, err := i.Scopes.Audiences(ctx, req.Scopes)
	if err != nil {
		return nil, fmt.Errorf("resolving audiences: %w", err)
	}
	auds = append(auds, i.resourcesAudience())

	now := i.timeNow()
	exp := now.Add(i.lifetime(req.Client.AccessTokenValidity))
	jti := uuid.NewString()

	if req.Client.UsesReferenceTokens() {
		tok := rand.Text()
		if err := i.References.PutReferenceToken(ctx, tok, &storage.ReferenceToken{
			JTI:       jti,
			FamilyID:  req.FamilyID,
			ClientID:  req.Client.ID,
			Subject:   req.Subject,
			Scopes:    req.Scopes,
			Audiences: auds,
			AuthTime:  req.AuthTime,
			CreatedAt: now,
			ExpiresAt: exp,
		}); err != nil {
			return nil, fmt.Errorf("storing reference token: %w", err)
		}
		tokensIssuedTotal.WithLabelValues("reference_access_token").Inc()
		return &IssuedToken{Token: tok, JTI: jti, IssuedAt: now, ExpiresAt: exp, Reference: true}, nil
	}

	custom := map[string]any{}
	if req.Subject != "" {
		apiClaims, err := i.Scopes.APIClaims(ctx, req.Scopes)
		if err != nil {
			return nil, fmt.Errorf("resolving api claims: %w", err)
		}
		if len(apiClaims) > 0 {
			profileClaims, err := i.Profiles.Claims(ctx, req.Subject)
			if err != nil {
				return nil, fmt.Errorf("getting claims for %s: %w", req.Subject, err)
			}
			filterClaims(custom, profileClaims, apiClaims)
		}
	}
	custom["client_id"] = req.Client.ID
	custom["scope"] = strings.Join(req.Scopes, " ")
	if !req.AuthTime.IsZero() {
		custom["auth_time"] = req.AuthTime.Unix()
	}

	sub := req.Subject
	if sub == "" {
		// client credentials tokens are about the client itself.
		sub = req.Client.ID
	}
	typ := AccessTokenType
	raw, err := jwt.NewRawJWT(&jwt.RawJWTOptions{
		TypeHeader:   &typ,
		Issuer:       &i.Issuer,
		Subject:      &sub,
		Audiences:    auds,
		JWTID:        &jti,
		IssuedAt:     &now,
		NotBefore:    &now,
		ExpiresAt:    &exp,
		CustomClaims: custom,
	})
	if err != nil {
		return nil, fmt.Errorf("building access token: %w", err)
	}
	tok, err := i.Keys.SignAndEncode(raw)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}
	tokensIssuedTotal.WithLabelValues("access_token").Inc()
	return &IssuedToken{Token: tok, JTI: jti, IssuedAt: now, ExpiresAt: exp}, nil
}

// IdentityClaims returns the profile claims the granted identity scopes
// allow, after the client's claims policy. sub is always included.
func (i *Issuer) IdentityClaims(ctx context.Context, client *config.Client, subject string, scopes []string) (map[string]any, error) {
	if err := i.checkActive(ctx, subject); err != nil {
		return nil, err
	}
	allowed, err := i.Scopes.IdentityClaims(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("resolving identity claims: %w", err)
	}
	profileClaims, err := i.Profiles.Claims(ctx, subject)
	if errors.Is(err, profile.ErrUserNotFound) {
		return nil, ErrSubjectInactive
	}
	if err != nil {
		return nil, fmt.Errorf("getting claims for %s: %w", subject, err)
	}

	claims := map[string]any{}
	filterClaims(claims, profileClaims, allowed)

	if i.Policy != nil && client.ClaimsPolicy != "" {
		claims, err = i.Policy.EvaluateClaims(client.ClaimsPolicy, claims, policy.Input{
			User:     profileClaims,
			ClientID: client.ID,
			Scopes:   scopes,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluating claims policy for client %s: %w", client.ID, err)
		}
		for _, p := range protectedClaims {
			delete(claims, p)
		}
	}
	claims["sub"] = subject
	return claims, nil
}

// IssueIdentityToken mints an OIDC identity token for the client.
func (i *Issuer) IssueIdentityToken(ctx context.Context, req IdentityTokenRequest) (*IssuedToken, error) {
	claims, err := i.IdentityClaims(ctx, req.Client, req.Subject, req.Scopes)
	if err != nil {
		return nil, err
	}
	delete(claims, "sub")

	custom := map[string]any{}
	for k, v := range claims {
		custom[k] = jsonValue(v)
	}
	custom["azp"] = req.Client.ID
	if !req.AuthTime.IsZero() {
		custom["auth_time"] = req.AuthTime.Unix()
	}
	if req.Nonce != "" {
		custom["nonce"] = req.Nonce
	}
	if req.AccessToken != "" {
		custom["at_hash"] = halfHash(req.AccessToken)
	}
	if req.Code != "" {
		custom["c_hash"] = halfHash(req.Code)
	}

	now := i.timeNow()
	exp := now.Add(i.lifetime(req.Client.IDTokenValidity))
	jti := uuid.NewString()
	raw, err := jwt.NewRawJWT(&jwt.RawJWTOptions{
		Issuer:       &i.Issuer,
		Subject:      &req.Subject,
		Audience:     &req.Client.ID,
		JWTID:        &jti,
		IssuedAt:     &now,
		ExpiresAt:    &exp,
		CustomClaims: custom,
	})
	if err != nil {
		return nil, fmt.Errorf("building identity token: %w", err)
	}
	tok, err := i.Keys.SignAndEncode(raw)
	if err != nil {
		return nil, fmt.Errorf("signing identity token: %w", err)
	}
	tokensIssuedTotal.WithLabelValues("id_token").Inc()
	slog.DebugContext(ctx, "issued identity token", "client-id", req.Client.ID, "sub", req.Subject, "jti", jti)
	return &IssuedToken{Token: tok, JTI: jti, IssuedAt: now, ExpiresAt: exp}, nil
}

// filterClaims copies the allowed claims from src to dst, skipping protocol
// claims.
func filterClaims(dst, src map[string]any, allowed []string) {
	for _, name := range allowed {
		if slices.Contains(protectedClaims, name) {
			continue
		}
		if v, ok := src[name]; ok {
			dst[name] = jsonValue(v)
		}
	}
}

// halfHash is the at_hash/c_hash construction for SHA-256 based algorithms.
func halfHash(v string) string {
	h := sha256.Sum256([]byte(v))
	return base64.RawURLEncoding.EncodeToString(h[:len(h)/2])
}

// jsonValue converts slices and maps to the []any and map[string]any forms
// JWT custom claims accept.
func jsonValue(v any) any {
	switch v := v.(type) {
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = jsonValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = e
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = jsonValue(e)
		}
		return out
	case time.Time:
		return v.Unix()
	default:
		return v
	}
}
