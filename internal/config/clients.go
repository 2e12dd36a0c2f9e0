package config

import "slices"

// Grant types a client can be allowed to use.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Access token formats.
const (
	AccessTokenTypeJWT       = "jwt"
	AccessTokenTypeReference = "reference"
)

// Refresh token usage modes.
const (
	RefreshTokenUsageOneTime = "one_time"
	RefreshTokenUsageReuse   = "reuse"
)

// Client represents an individual oauth2/oidc client.
type Client struct {
	// ID is the identifier for this client, corresponds to the client ID.
	ID string `json:"id"`
	// Name is shown to users on the consent page.
	Name string `json:"name,omitempty"`
	// Secrets is a list of valid client secrets for this client. Entries may
	// be bcrypt hashes, or plain values that are hashed at load time. At least
	// one secret is required, unless the client is Public.
	Secrets []string `json:"clientSecrets,omitempty"`
	// Public indicates that this client is public. A "public" client is one who
	// can't keep their credentials confidential. These will not be required to use
	// a client secret, and must use PKCE.
	// https://datatracker.ietf.org/doc/html/rfc6749#section-2.1
	Public bool `json:"public,omitempty"`
	// RedirectURIs is a list of valid redirect URIs for this client. They are
	// matched exactly, no wildcards or prefixes.
	RedirectURIs []string `json:"redirectURIs,omitempty"`
	// GrantTypes the client may use. Defaults to authorization_code and
	// refresh_token.
	GrantTypes []string `json:"grantTypes,omitempty"`
	// Scopes the client is allowed to request.
	Scopes []string `json:"scopes,omitempty"`
	// RequirePKCE forces a code_challenge on authorization requests. Always
	// true for public clients.
	RequirePKCE bool `json:"requirePKCE,omitempty"`
	// RequireConsent indicates the user must approve the requested scopes.
	RequireConsent bool `json:"requireConsent,omitempty"`
	// AllowRememberConsent lets the user persist their consent decision.
	AllowRememberConsent bool `json:"allowRememberConsent,omitempty"`
	// AccessTokenType is either "jwt" (default) or "reference".
	AccessTokenType string `json:"accessTokenType,omitempty"`
	// RefreshTokenUsage is either "one_time" (default, rotating) or "reuse".
	RefreshTokenUsage string `json:"refreshTokenUsage,omitempty"`

	// AccessTokenValidity overrides the default access token lifetime.
	AccessTokenValidity JSONDuration `json:"accessTokenValidity,omitempty"`
	// IDTokenValidity overrides the default identity token lifetime.
	IDTokenValidity JSONDuration `json:"idTokenValidity,omitempty"`
	// RefreshValidity overrides the default refresh token lifetime.
	RefreshValidity JSONDuration `json:"refreshValidity,omitempty"`
	// ConsentValidity overrides how long a remembered consent lasts.
	ConsentValidity JSONDuration `json:"consentValidity,omitempty"`

	// AuthorizationPolicy is a CEL expression that determines if a user may
	// use this client.
	AuthorizationPolicy string `json:"authorizationPolicy,omitempty"`
	// ClaimsPolicy is a CEL expression returning a map of claims that are
	// merged into the identity token.
	ClaimsPolicy string `json:"claimsPolicy,omitempty"`
}

// Scope kinds.
const (
	ScopeKindIdentity = "identity"
	ScopeKindAPI      = "api"
)

// Scope is a statically configured scope / resource.
type Scope struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitempty"`
	Description string   `json:"description,omitempty"`
	Kind        string   `json:"kind"`
	Audience    string   `json:"audience,omitempty"`
	Claims      []string `json:"claims,omitempty"`
	Required    bool     `json:"required,omitempty"`
}

// AllowsGrantType reports if the client may use the grant type.
func (c *Client) AllowsGrantType(gt string) bool {
	return slices.Contains(c.GrantTypes, gt)
}

// UsesReferenceTokens reports if access tokens for this client are opaque.
func (c *Client) UsesReferenceTokens() bool {
	return c.AccessTokenType == AccessTokenTypeReference
}

// RotatesRefreshTokens reports if each refresh token is single use.
func (c *Client) RotatesRefreshTokens() bool {
	return c.RefreshTokenUsage != RefreshTokenUsageReuse
}

// DisplayName returns the name to show users, falling back to the ID.
func (c *Client) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
