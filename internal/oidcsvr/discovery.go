package oidcsvr

import (
	"fmt"
	"net/http"
	"slices"

	"lds.li/idsrv/internal/config"
)

// providerMetadata is the OpenID Connect Discovery 1.0 document, with the
// RFC 8414 additions.
type providerMetadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	UserinfoEndpoint                           string   `json:"userinfo_endpoint"`
	JWKSURI                                    string   `json:"jwks_uri"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	DeviceAuthorizationEndpoint                string   `json:"device_authorization_endpoint"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported           []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	IntrospectionEndpointAuthMethodsSupported  []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported     []string `json:"revocation_endpoint_auth_methods_supported"`
	ClaimsSupported                            []string `json:"claims_supported"`
	PromptValuesSupported                      []string `json:"prompt_values_supported"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported               bool     `json:"request_uri_parameter_supported"`
}

var clientAuthMethods = []string{"client_secret_basic", "client_secret_post", "none"}

// HandleDiscovery serves the provider metadata.
func (s *Server) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	all, err := s.Scopes.All(r.Context())
	if err != nil {
		writeJSONError(w, r, serverError(err))
		return
	}
	scopeNames := make([]string, 0, len(all))
	claims := []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "azp", "at_hash", "c_hash"}
	for _, sc := range all {
		scopeNames = append(scopeNames, sc.Name)
		if sc.Kind != config.ScopeKindIdentity {
			continue
		}
		for _, c := range sc.Claims {
			if !slices.Contains(claims, c) {
				claims = append(claims, c)
			}
		}
	}

	md := providerMetadata{
		Issuer:                      s.Config.Issuer,
		AuthorizationEndpoint:       s.endpoint(PathAuthorize),
		TokenEndpoint:               s.endpoint(PathToken),
		UserinfoEndpoint:            s.endpoint(PathUserinfo),
		JWKSURI:                     s.endpoint(PathJWKS),
		IntrospectionEndpoint:       s.endpoint(PathIntrospect),
		RevocationEndpoint:          s.endpoint(PathRevoke),
		DeviceAuthorizationEndpoint: s.endpoint(PathDeviceAuthorization),
		ScopesSupported:             scopeNames,
		ResponseTypesSupported:      []string{"code"},
		ResponseModesSupported:      []string{responseModeQuery, responseModeFormPost},
		GrantTypesSupported: []string{
			config.GrantTypeAuthorizationCode,
			config.GrantTypeRefreshToken,
			config.GrantTypeClientCredentials,
			config.GrantTypeDeviceCode,
		},
		SubjectTypesSupported:                      []string{"public"},
		IDTokenSigningAlgValuesSupported:           s.Keys.SupportedAlgorithms(),
		CodeChallengeMethodsSupported:              []string{PKCEMethodS256, PKCEMethodPlain},
		TokenEndpointAuthMethodsSupported:          clientAuthMethods,
		IntrospectionEndpointAuthMethodsSupported:  clientAuthMethods[:2],
		RevocationEndpointAuthMethodsSupported:     clientAuthMethods,
		ClaimsSupported:                            claims,
		PromptValuesSupported:                      []string{promptNone, promptLogin, promptConsent},
		AuthorizationResponseIssParameterSupported: true,
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, md)
}

// HandleJWKS serves the public keys tokens are verified with.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.Keys.PublicKeySet(r.Context())
	if err != nil {
		writeJSONError(w, r, serverError(err))
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(config.JWKSMaxAge.Seconds())))
	_, _ = w.Write(jwks)
}
