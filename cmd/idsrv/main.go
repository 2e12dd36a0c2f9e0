package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	promversion "github.com/prometheus/common/version"
	"golang.org/x/term"
	"lds.li/idsrv/internal/adminapi"
	"lds.li/idsrv/internal/admincli"
	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/idp"
	"lds.li/idsrv/internal/policy"
)

const progname = "idsrv"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		promversion.Version = info.Main.Version
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if promversion.Revision == "" {
					promversion.Revision = setting.Value
				}
			case "vcs.modified":
				if setting.Value == "true" && promversion.Revision != "" && !strings.HasSuffix(promversion.Revision, "-modified") {
					promversion.Revision += "-modified"
				}
			case "vcs.branch":
				if promversion.Branch == "" {
					promversion.Branch = setting.Value
				}
			}
		}
	}
	prometheus.MustRegister(versioncollector.NewCollector(progname))
}

// commands that run without talking to a running server.
var localCommands = map[string]bool{
	"serve":           true,
	"validate-config": true,
}

var rootCmd = struct {
	Debug bool `env:"DEBUG" help:"Enable debug logging"`

	Version kong.VersionFlag `help:"Print version information"`

	ConfigFile      kong.NamedFileContentFlag `name:"config" required:"" env:"IDP_CONFIG_FILE" help:"Path to the config file."`
	AdminSocketPath string                    `env:"IDP_ADMIN_SOCKET_PATH" help:"Path to Unix socket to serve the admin API (optional for serve)."`

	Serve          idp.ServeCmd              `cmd:"" help:"Serve the authorization server."`
	ValidateConfig ValidateConfigCmd         `cmd:"" help:"Validate the configuration file."`
	ListClients    admincli.ListClientsCmd   `cmd:"" help:"List clients." group:"Clients"`
	AddClient      admincli.AddClientCmd     `cmd:"" help:"Register a client." group:"Clients"`
	DeleteClient   admincli.DeleteClientCmd  `cmd:"" help:"Delete a registered client." group:"Clients"`
	ListScopes     admincli.ListScopesCmd    `cmd:"" help:"List scopes." group:"Scopes"`
	AddScope       admincli.AddScopeCmd      `cmd:"" help:"Add a scope." group:"Scopes"`
	DeleteScope    admincli.DeleteScopeCmd   `cmd:"" help:"Delete a stored scope." group:"Scopes"`
	ListUsers      admincli.ListUsersCmd     `cmd:"" help:"List users." group:"Users"`
	AddUser        admincli.AddUserCmd       `cmd:"" help:"Add a user." group:"Users"`
	SetUserActive  admincli.SetUserActiveCmd `cmd:"" help:"Activate or deactivate a user." group:"Users"`
	ListGrants     admincli.ListGrantsCmd    `cmd:"" help:"List grants." group:"Grants"`
	RevokeGrant    admincli.RevokeGrantCmd   `cmd:"" help:"Revoke a grant and all its tokens." group:"Grants"`
	ListKeys       admincli.ListKeysCmd      `cmd:"" help:"List signing keys." group:"Keys"`
	RotateKeys     admincli.RotateKeysCmd    `cmd:"" help:"Rotate the signing key now." group:"Keys"`
	GC             admincli.GCCmd            `cmd:"" name:"gc" help:"Remove expired state now."`
}{}

type ValidateConfigCmd struct{}

func (c *ValidateConfigCmd) Run() error {
	// Everything is already validated in main
	slog.Info("Configuration and policies are valid")
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		// Exit immediately on second signal
		<-sigCh
		os.Exit(1)
	}()

	clictx := kong.Parse(
		&rootCmd,
		kong.Name(progname),
		kong.Description("idsrv is an OpenID Connect and OAuth2 authorization server"),
		kong.Vars{"version": promversion.Print(progname)},
	)

	slogOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if rootCmd.Debug {
		slogOpts.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, slogOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, slogOpts)
	}
	slog.SetDefault(slog.New(handler))

	if !localCommands[clictx.Selected().Name] && rootCmd.AdminSocketPath == "" {
		clictx.Fatalf("admin socket path is required")
	}

	cfg, err := config.ParseConfig(rootCmd.ConfigFile)
	if err != nil {
		clictx.Fatalf("parse config from %s: %v", rootCmd.ConfigFile.Filename, err)
	}

	if err := policy.ValidatePolicies(cfg); err != nil {
		clictx.Fatalf("validate policies: %v", err)
	}

	clictx.Bind(cfg)
	clictx.Bind(adminapi.SocketPath(rootCmd.AdminSocketPath))

	clictx.BindTo(ctx, (*context.Context)(nil))
	clictx.FatalIfErrorf(clictx.Run())
}
