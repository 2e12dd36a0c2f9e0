package tokens

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/idsrv/internal/storage"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// AccessToken is a verified access token.
type AccessToken struct {
	Subject   string
	ClientID  string
	Scopes    []string
	Audiences []string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	AuthTime  time.Time
	// Reference is set if the token was opaque.
	Reference bool
	// Claims holds every claim in the token, for JWTs.
	Claims map[string]any
}

// HasScope reports if the token was granted the scope.
func (a *AccessToken) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// Verifier checks access tokens minted by an Issuer.
type Verifier struct {
	Issuer     string
	Keys       KeySource
	References ReferenceStore
	ClockSkew  time.Duration

	// now is overridden in tests.
	now func() time.Time
}

// VerifyAccessToken validates a JWT or reference access token.
func (v *Verifier) VerifyAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	if strings.Count(token, ".") == 2 {
		return v.verifyJWT(token)
	}
	return v.verifyReference(ctx, token)
}

func (v *Verifier) verifyJWT(token string) (*AccessToken, error) {
	typ := AccessTokenType
	opts := &jwt.ValidatorOpts{
		ExpectedTypeHeader: &typ,
		ExpectedIssuer:     &v.Issuer,
		IgnoreAudiences:    true,
		ClockSkew:          v.ClockSkew,
	}
	if v.now != nil {
		opts.FixedNow = v.now()
	}
	validator, err := jwt.NewValidator(opts)
	if err != nil {
		return nil, fmt.Errorf("creating validator: %w", err)
	}
	verified, err := v.Keys.VerifyAndDecode(token, validator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return accessTokenFromJWT(verified)
}

func accessTokenFromJWT(verified *jwt.VerifiedJWT) (*AccessToken, error) {
	at := &AccessToken{Claims: map[string]any{}}
	var err error
	if at.Subject, err = verified.Subject(); err != nil {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if at.ClientID, err = verified.StringClaim("client_id"); err != nil {
		return nil, fmt.Errorf("%w: missing client_id", ErrInvalidToken)
	}
	if scope, err := verified.StringClaim("scope"); err == nil && scope != "" {
		at.Scopes = strings.Fields(scope)
	}
	if verified.HasAudiences() {
		at.Audiences, _ = verified.Audiences()
	}
	if verified.HasJWTID() {
		at.JTI, _ = verified.JWTID()
	}
	if verified.HasIssuedAt() {
		at.IssuedAt, _ = verified.IssuedAt()
	}
	if verified.HasExpiration() {
		at.ExpiresAt, _ = verified.ExpiresAt()
	}
	if verified.HasNumberClaim("auth_time") {
		n, _ := verified.NumberClaim("auth_time")
		at.AuthTime = time.Unix(int64(n), 0)
	}

	at.Claims["iss"], _ = verified.Issuer()
	at.Claims["sub"] = at.Subject
	at.Claims["aud"] = at.Audiences
	at.Claims["jti"] = at.JTI
	at.Claims["iat"] = at.IssuedAt.Unix()
	at.Claims["exp"] = at.ExpiresAt.Unix()
	if verified.HasNotBefore() {
		nbf, _ := verified.NotBefore()
		at.Claims["nbf"] = nbf.Unix()
	}
	for _, name := range verified.CustomClaimNames() {
		switch {
		case verified.HasStringClaim(name):
			at.Claims[name], _ = verified.StringClaim(name)
		case verified.HasNumberClaim(name):
			at.Claims[name], _ = verified.NumberClaim(name)
		case verified.HasBooleanClaim(name):
			at.Claims[name], _ = verified.BooleanClaim(name)
		case verified.HasArrayClaim(name):
			at.Claims[name], _ = verified.ArrayClaim(name)
		case verified.HasObjectClaim(name):
			at.Claims[name], _ = verified.ObjectClaim(name)
		}
	}
	return at, nil
}

func (v *Verifier) verifyReference(ctx context.Context, token string) (*AccessToken, error) {
	rt, err := v.References.GetReferenceToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) || errors.Is(err, storage.ErrFamilyRevoked) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err != nil {
		return nil, fmt.Errorf("getting reference token: %w", err)
	}
	sub := rt.Subject
	if sub == "" {
		sub = rt.ClientID
	}
	at := &AccessToken{
		Subject:   sub,
		ClientID:  rt.ClientID,
		Scopes:    rt.Scopes,
		Audiences: rt.Audiences,
		JTI:       rt.JTI,
		IssuedAt:  rt.CreatedAt,
		ExpiresAt: rt.ExpiresAt,
		AuthTime:  rt.AuthTime,
		Reference: true,
	}
	at.Claims = map[string]any{
		"iss":       v.Issuer,
		"sub":       at.Subject,
		"aud":       at.Audiences,
		"client_id": at.ClientID,
		"scope":     strings.Join(at.Scopes, " "),
		"jti":       at.JTI,
		"iat":       at.IssuedAt.Unix(),
		"exp":       at.ExpiresAt.Unix(),
	}
	if !at.AuthTime.IsZero() {
		at.Claims["auth_time"] = at.AuthTime.Unix()
	}
	return at, nil
}
