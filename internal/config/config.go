package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	// Issuer is the issuer URL for this config.
	Issuer string `json:"issuer"`
	// ParsedIssuer is the parsed issuer URL, this happens at load time.
	ParsedIssuer *url.URL `json:"-"`

	// Clients is a list of fixed clients for this issuer.
	Clients []Client `json:"clients,omitempty"`
	// Scopes is a list of fixed scopes/resources for this issuer, in addition
	// to the built in identity scopes.
	Scopes []Scope `json:"scopes,omitempty"`

	// TokenValidity is the default lifetime of access and identity tokens.
	// Defaults to 1h.
	TokenValidity JSONDuration `json:"tokenValidity,omitempty"`
	// MaxTokenValidity bounds every access/identity token lifetime, including
	// per-client overrides. Defaults to 24h.
	MaxTokenValidity JSONDuration `json:"maxTokenValidity,omitempty"`
	// RefreshValidity is the default refresh token lifetime. Defaults to 720h.
	RefreshValidity JSONDuration `json:"refreshValidity,omitempty"`
	// CodeValidity is the authorization code lifetime. Defaults to 5m.
	CodeValidity JSONDuration `json:"codeValidity,omitempty"`
	// AuthRequestValidity bounds how long an authorization flow may take
	// between the initial request and issuing a code. Defaults to 10m.
	AuthRequestValidity JSONDuration `json:"authRequestValidity,omitempty"`
	// ConsentValidity is how long remembered consent lasts. Defaults to 1y.
	ConsentValidity JSONDuration `json:"consentValidity,omitempty"`
	// SessionDuration is the lifetime of a login session. Defaults to 8h.
	SessionDuration JSONDuration `json:"sessionDuration,omitempty"`
	// StrictScopes rejects a request that asks for a scope the client is not
	// allowed, instead of dropping it.
	StrictScopes bool `json:"strictScopes,omitempty"`
	// GCInterval is how often expired grants are swept. Defaults to 5m.
	GCInterval JSONDuration `json:"gcInterval,omitempty"`

	Keys        KeysConfig        `json:"keys,omitzero"`
	DeviceFlow  DeviceFlowConfig  `json:"deviceFlow,omitzero"`
	IdentityAPI IdentityAPIConfig `json:"identityAPI,omitzero"`
	Serving     ServingConfig     `json:"serving,omitzero"`

	// RedisURL optionally moves in-flight authorization requests to redis,
	// so multiple instances can share them.
	RedisURL string `json:"redisURL,omitempty"`
}

type KeysConfig struct {
	// Algorithm is the JWS algorithm for new keys, ES256 (default) or RS256.
	Algorithm string `json:"algorithm,omitempty"`
	// RotateEvery is the age at which the active key is rotated. Defaults
	// to 720h.
	RotateEvery JSONDuration `json:"rotateEvery,omitempty"`
	// ClockSkew is added to the retirement window of rotated keys. Defaults
	// to 5m.
	ClockSkew JSONDuration `json:"clockSkew,omitempty"`
	// CheckInterval is how often key maintenance runs. Defaults to 10m.
	CheckInterval JSONDuration `json:"checkInterval,omitempty"`
	// PropagationTime is how long a scheduled key is published before it
	// starts signing. Defaults to 6h.
	PropagationTime JSONDuration `json:"propagationTime,omitempty"`
	// PublishDelay is how long a key created by a manual rotation is
	// published before it starts signing. Defaults to CheckInterval plus
	// JWKSMaxAge, so every instance and every cached JWKS has seen it.
	PublishDelay JSONDuration `json:"publishDelay,omitempty"`
}

// JWKSMaxAge is how long clients may cache the published key set.
const JWKSMaxAge = 5 * time.Minute

type DeviceFlowConfig struct {
	// CodeValidity is the lifetime of device and user codes. Defaults to 10m.
	CodeValidity JSONDuration `json:"codeValidity,omitempty"`
	// PollInterval is the minimum polling interval for devices. Defaults to
	// 5s.
	PollInterval JSONDuration `json:"pollInterval,omitempty"`
}

type IdentityAPIConfig struct {
	// RequiredScope is the scope a bearer token needs to call the identity
	// API. Defaults to api1.
	RequiredScope string `json:"requiredScope,omitempty"`
}

type ServingConfig struct {
	// AuthLimitRate is the sustained per-IP request rate for the
	// authentication endpoints.
	AuthLimitRate float64 `json:"authLimitRate,omitempty"`
	// AuthLimitBucket is the burst size for the authentication endpoints.
	AuthLimitBucket int `json:"authLimitBucket,omitempty"`
}

// ParseConfig parses the config from the given file, expanding environment
// variables and validating the config.
func ParseConfig(file []byte) (*Config, error) {
	scb := []byte(os.Expand(string(file), getenvWithDefault))
	scb, err := hujson.Standardize(scb)
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}
	var c Config
	dec := json.NewDecoder(bytes.NewReader(scb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.SetDefaults(); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) SetDefaults() error {
	setDur := func(d *JSONDuration, def time.Duration) {
		if *d == 0 {
			*d = JSONDuration(def)
		}
	}
	setDur(&c.TokenValidity, time.Hour)
	setDur(&c.MaxTokenValidity, 24*time.Hour)
	setDur(&c.RefreshValidity, 30*24*time.Hour)
	setDur(&c.CodeValidity, 5*time.Minute)
	setDur(&c.AuthRequestValidity, 10*time.Minute)
	setDur(&c.ConsentValidity, 365*24*time.Hour)
	setDur(&c.SessionDuration, 8*time.Hour)
	setDur(&c.GCInterval, 5*time.Minute)
	setDur(&c.Keys.RotateEvery, 30*24*time.Hour)
	setDur(&c.Keys.ClockSkew, 5*time.Minute)
	setDur(&c.Keys.CheckInterval, 10*time.Minute)
	setDur(&c.Keys.PropagationTime, 6*time.Hour)
	setDur(&c.Keys.PublishDelay, c.Keys.CheckInterval.Duration()+JWKSMaxAge)
	setDur(&c.DeviceFlow.CodeValidity, 10*time.Minute)
	setDur(&c.DeviceFlow.PollInterval, 5*time.Second)

	if c.Keys.Algorithm == "" {
		c.Keys.Algorithm = "ES256"
	}
	if c.IdentityAPI.RequiredScope == "" {
		c.IdentityAPI.RequiredScope = "api1"
	}
	if c.Serving.AuthLimitRate == 0 {
		c.Serving.AuthLimitRate = 0.5
	}
	if c.Serving.AuthLimitBucket == 0 {
		c.Serving.AuthLimitBucket = 10
	}

	for i := range c.Clients {
		if err := c.Clients[i].SetDefaults(); err != nil {
			return err
		}
	}
	return nil
}

// SetDefaults fills in the client's unset fields, and hashes any plain text
// secrets.
func (cl *Client) SetDefaults() error {
	if len(cl.GrantTypes) == 0 {
		cl.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if cl.AccessTokenType == "" {
		cl.AccessTokenType = AccessTokenTypeJWT
	}
	if cl.RefreshTokenUsage == "" {
		cl.RefreshTokenUsage = RefreshTokenUsageOneTime
	}
	if cl.Public {
		cl.RequirePKCE = true
	}
	for si, s := range cl.Secrets {
		if isBcryptHash(s) {
			continue
		}
		h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash secret for client %s: %w", cl.ID, err)
		}
		cl.Secrets[si] = string(h)
	}
	return nil
}

func (c *Config) Validate() error {
	var validErr error

	if c.Issuer == "" {
		validErr = errors.Join(validErr, fmt.Errorf("issuer is required"))
	} else {
		u, err := url.Parse(c.Issuer)
		if err != nil {
			validErr = errors.Join(validErr, fmt.Errorf("issuer %s is not a valid URL: %w", c.Issuer, err))
		} else if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
			validErr = errors.Join(validErr, fmt.Errorf("issuer %s must use https", c.Issuer))
		} else if u.RawQuery != "" || u.Fragment != "" {
			validErr = errors.Join(validErr, fmt.Errorf("issuer %s must not have a query or fragment", c.Issuer))
		}
		c.Issuer = strings.TrimSuffix(c.Issuer, "/")
		c.ParsedIssuer = u
	}

	if c.TokenValidity > c.MaxTokenValidity {
		validErr = errors.Join(validErr, fmt.Errorf("token validity %s exceeds max token validity %s", c.TokenValidity.Duration(), c.MaxTokenValidity.Duration()))
	}

	switch c.Keys.Algorithm {
	case "ES256", "RS256":
	default:
		validErr = errors.Join(validErr, fmt.Errorf("unsupported key algorithm %s", c.Keys.Algorithm))
	}
	if c.Keys.PropagationTime >= c.Keys.RotateEvery {
		validErr = errors.Join(validErr, fmt.Errorf("key propagation time %s must be shorter than rotation period %s", c.Keys.PropagationTime.Duration(), c.Keys.RotateEvery.Duration()))
	}
	if c.Keys.PropagationTime < c.Keys.PublishDelay {
		validErr = errors.Join(validErr, fmt.Errorf("key propagation time %s must be at least the publish delay %s", c.Keys.PropagationTime.Duration(), c.Keys.PublishDelay.Duration()))
	}

	seenScopes := make(map[string]bool)
	for _, s := range c.Scopes {
		if s.Name == "" {
			validErr = errors.Join(validErr, fmt.Errorf("scope missing name"))
			continue
		}
		if seenScopes[s.Name] {
			validErr = errors.Join(validErr, fmt.Errorf("scope %s declared twice", s.Name))
		}
		seenScopes[s.Name] = true
		if s.Kind != ScopeKindIdentity && s.Kind != ScopeKindAPI {
			validErr = errors.Join(validErr, fmt.Errorf("scope %s has invalid kind %q", s.Name, s.Kind))
		}
	}

	seenClients := make(map[string]bool)
	for _, cl := range c.Clients {
		if cl.ID == "" {
			validErr = errors.Join(validErr, fmt.Errorf("client missing ID"))
			continue
		}
		if seenClients[cl.ID] {
			validErr = errors.Join(validErr, fmt.Errorf("client %s declared twice", cl.ID))
		}
		seenClients[cl.ID] = true
		validErr = errors.Join(validErr, cl.Validate())
	}

	return validErr
}

// Validate checks a single client definition.
func (cl *Client) Validate() error {
	var validErr error
	if len(cl.Secrets) == 0 && !cl.Public {
		validErr = errors.Join(validErr, fmt.Errorf("non-public client %s missing client secrets", cl.ID))
	}
	for _, gt := range cl.GrantTypes {
		switch gt {
		case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials, GrantTypeDeviceCode:
		default:
			validErr = errors.Join(validErr, fmt.Errorf("client %s has unknown grant type %s", cl.ID, gt))
		}
	}
	if slices.Contains(cl.GrantTypes, GrantTypeAuthorizationCode) && len(cl.RedirectURIs) == 0 {
		validErr = errors.Join(validErr, fmt.Errorf("client %s missing redirect URIs", cl.ID))
	}
	if cl.Public && slices.Contains(cl.GrantTypes, GrantTypeClientCredentials) {
		validErr = errors.Join(validErr, fmt.Errorf("public client %s can not use client_credentials", cl.ID))
	}
	for _, ru := range cl.RedirectURIs {
		u, err := url.Parse(ru)
		if err != nil {
			validErr = errors.Join(validErr, fmt.Errorf("client %s redirect URI %s: %w", cl.ID, ru, err))
			continue
		}
		if !u.IsAbs() || u.Fragment != "" {
			validErr = errors.Join(validErr, fmt.Errorf("client %s redirect URI %s must be absolute without fragment", cl.ID, ru))
		}
	}
	switch cl.AccessTokenType {
	case "", AccessTokenTypeJWT, AccessTokenTypeReference:
	default:
		validErr = errors.Join(validErr, fmt.Errorf("client %s has invalid access token type %s", cl.ID, cl.AccessTokenType))
	}
	switch cl.RefreshTokenUsage {
	case "", RefreshTokenUsageOneTime, RefreshTokenUsageReuse:
	default:
		validErr = errors.Join(validErr, fmt.Errorf("client %s has invalid refresh token usage %s", cl.ID, cl.RefreshTokenUsage))
	}
	return validErr
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// getenvWithDefault maps FOO:-default to $FOO or default if $FOO is unset or
// null.
func getenvWithDefault(key string) string {
	parts := strings.SplitN(key, ":-", 2)
	val := os.Getenv(parts[0])
	if val == "" && len(parts) == 2 {
		val = parts[1]
	}
	return val
}
