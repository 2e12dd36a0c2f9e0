package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"lds.li/idsrv/internal/adminapi"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/profile"
	"lds.li/idsrv/internal/storage"
)

// compactEvery is how often the state file is compacted.
const compactEvery = 12 * time.Hour

type ServeCmd struct {
	ListenAddr            string `default:"localhost:8085" env:"IDP_LISTEN_ADDR" help:"Listen address for the server."`
	MetricsAddr           string `env:"IDP_METRICS_ADDR" help:"Expose Prometheus metrics on the given host:port."`
	CertFile              string `env:"IDP_CERT_FILE" help:"Path to the TLS certificate file."`
	KeyFile               string `env:"IDP_KEY_FILE" help:"Path to the TLS key file."`
	StatePath             string `env:"IDP_STATE_PATH" required:"" help:"Path to the state file."`
	UsersPath             string `env:"IDP_USERS_PATH" required:"" help:"Path to the user store file."`
	TrustForwardedHeaders bool   `env:"IDP_TRUST_FORWARDED_HEADERS" help:"Take the client IP from X-Forwarded-For / X-Real-IP, when behind a proxy."`
}

func (c *ServeCmd) Run(ctx context.Context, cfg *config.Config, adminSocket adminapi.SocketPath) error {
	var g run.Group
	g.Add(run.ContextHandler(ctx))

	state, err := storage.NewState(c.StatePath)
	if err != nil {
		return fmt.Errorf("open state from %s: %w", c.StatePath, err)
	}
	defer state.Close()

	users, err := profile.OpenStore(c.UsersPath)
	if err != nil {
		return fmt.Errorf("open user store from %s: %w", c.UsersPath, err)
	}

	idp, err := NewIDP(ctx, cfg, state, users, Options{TrustForwardedHeaders: c.TrustForwardedHeaders})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer idp.Close()

	g.Add(background(ctx, func(ctx context.Context) error {
		return state.RunGC(ctx, slog.With("component", "gc"), cfg.GCInterval.Duration())
	}))
	g.Add(background(ctx, func(ctx context.Context) error {
		return state.RunCompactor(ctx, slog.With("component", "compactor"), compactEvery)
	}))
	g.Add(background(ctx, func(ctx context.Context) error {
		return idp.Keys.Run(ctx, cfg.Keys.CheckInterval.Duration())
	}))

	if adminSocket != "" {
		adminServer := adminapi.NewServer(state, cfg, idp.Scopes, idp.Keys, users, string(adminSocket))
		if err := adminServer.Start(ctx, &g); err != nil {
			return fmt.Errorf("start admin API server: %w", err)
		}
	}

	hs := &http.Server{
		Addr:              c.ListenAddr,
		Handler:           idp.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Add(func() error {
		var err error
		if c.CertFile != "" && c.KeyFile != "" {
			slog.Info("server listening", slog.String("addr", "https://"+c.ListenAddr), slog.String("issuer", cfg.Issuer))
			err = hs.ListenAndServeTLS(c.CertFile, c.KeyFile)
		} else {
			slog.Info("server listening", slog.String("addr", "http://"+c.ListenAddr), slog.String("issuer", cfg.Issuer))
			err = hs.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	}, func(error) {
		// new context for this, parent is likely already shut down
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	})

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		promsrv := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Add(func() error {
			slog.Info("metrics server listening", slog.String("addr", "http://"+c.MetricsAddr))
			if err := promsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving metrics: %w", err)
			}
			return nil
		}, func(error) {
			_ = promsrv.Close()
		})
	}

	if err := g.Run(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// background adapts a loop that runs until its context is cancelled into a
// run.Group actor.
func background(ctx context.Context, fn func(context.Context) error) (func() error, func(error)) {
	ctx, cancel := context.WithCancel(ctx)
	execute := func() error { return fn(ctx) }
	interrupt := func(error) { cancel() }
	return execute, interrupt
}
