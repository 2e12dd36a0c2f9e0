// Package idp assembles the authorization server from its parts.
package idp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	"lds.li/idsrv/internal/auth"
	"lds.li/idsrv/internal/clients"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/identityapi"
	"lds.li/idsrv/internal/keys"
	"lds.li/idsrv/internal/oidcsvr"
	"lds.li/idsrv/internal/policy"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/ratelimit"
	"lds.li/idsrv/internal/scopes"
	"lds.li/idsrv/internal/storage"
	"lds.li/idsrv/internal/tokens"
)

const productName = "idsrv"

type Options struct {
	// TrustForwardedHeaders uses proxy headers for the client IP.
	TrustForwardedHeaders bool
}

// IDP is a configured server, along with the parts background tasks and the
// admin API need.
type IDP struct {
	Handler http.Handler
	Keys    *keys.Manager
	Scopes  *scopes.Registry

	redis *storage.RedisPendingStore
}

// NewIDP creates a new IDP server for the given params. The signing key is
// created if it does not exist yet.
func NewIDP(ctx context.Context, cfg *config.Config, state *storage.State, users *profile.Store, opts Options) (*IDP, error) {
	reg := scopes.NewRegistry(cfg.Scopes, state.Scopes())
	mc := clients.NewMultiClients(
		&clients.StaticClients{Clients: cfg.Clients},
		&clients.StoredClients{DB: state.Clients()},
		reg,
		cfg.StrictScopes,
	)

	km, err := keys.NewManager(state.Keys(), keys.Config{
		Algorithm:        cfg.Keys.Algorithm,
		RotateEvery:      cfg.Keys.RotateEvery.Duration(),
		PropagationTime:  cfg.Keys.PropagationTime.Duration(),
		PublishDelay:     cfg.Keys.PublishDelay.Duration(),
		MaxTokenLifetime: cfg.MaxTokenValidity.Duration(),
		ClockSkew:        cfg.Keys.ClockSkew.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating key manager: %w", err)
	}
	if err := km.Maintain(ctx); err != nil {
		return nil, fmt.Errorf("initializing signing keys: %w", err)
	}

	pe, err := policy.NewPolicyEvaluator()
	if err != nil {
		return nil, fmt.Errorf("creating policy evaluator: %w", err)
	}

	idp := &IDP{Keys: km, Scopes: reg}

	var pending storage.PendingStore = state.Pending()
	if cfg.RedisURL != "" {
		rp, err := storage.NewRedisPendingStore(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := rp.Ping(ctx); err != nil {
			_ = rp.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("using redis for pending authorizations")
		idp.redis = rp
		pending = rp
	}

	prefix := strings.TrimSuffix(cfg.ParsedIssuer.Path, "/")
	sa := &auth.SessionAuthenticator{
		Sessions:        state.Sessions(),
		Users:           users,
		SessionDuration: cfg.SessionDuration.Duration(),
		SecureCookies:   cfg.ParsedIssuer.Scheme == "https",
		ProductName:     productName,
		BasePath:        prefix,
	}

	verifier := &tokens.Verifier{
		Issuer:     cfg.Issuer,
		Keys:       km,
		References: state.Grants(),
		ClockSkew:  cfg.Keys.ClockSkew.Duration(),
	}
	oidcs := &oidcsvr.Server{
		Config:  cfg,
		Clients: mc,
		Scopes:  reg,
		Grants:  state.Grants(),
		Pending: pending,
		Keys:    km,
		Tokens: &tokens.Issuer{
			Issuer:          cfg.Issuer,
			Keys:            km,
			Scopes:          reg,
			Profiles:        users,
			References:      state.Grants(),
			Policy:          pe,
			DefaultValidity: cfg.TokenValidity.Duration(),
			MaxValidity:     cfg.MaxTokenValidity.Duration(),
		},
		Verifier:      verifier,
		Policy:        pe,
		Profiles:      users,
		Authenticator: sa,
		Consent:       sa,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.TrustForwardedHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	oidcs.AddHandlers(r)

	loginLimit := &ratelimit.Middleware{
		Name:  "login",
		Rate:  rate.Limit(cfg.Serving.AuthLimitRate),
		Burst: cfg.Serving.AuthLimitBucket,
	}
	r.Group(func(r chi.Router) {
		r.Use(loginLimit.Wrap)
		sa.AddHandlers(r)
	})

	(&identityapi.Handler{
		Verifier:      verifier,
		RequiredScope: cfg.IdentityAPI.RequiredScope,
	}).AddHandlers(r)

	// an issuer with a path serves everything below it.
	idp.Handler = r
	if prefix != "" {
		outer := chi.NewRouter()
		outer.Mount(prefix, r)
		idp.Handler = outer
	}
	return idp, nil
}

// Close releases connections held by the server.
func (i *IDP) Close() error {
	if i.redis != nil {
		return i.redis.Close()
	}
	return nil
}
