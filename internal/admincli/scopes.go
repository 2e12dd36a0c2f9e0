package admincli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"lds.li/idsrv/internal/adminapi"
	"lds.li/idsrv/internal/config"
)

type ListScopesCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *ListScopesCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	scopes, err := adminapi.NewClient(adminSocket).ListScopes(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name\tKind\tSource\tAudience\tClaims\tRequired\n")
	for _, sc := range scopes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			sc.Name,
			sc.Kind,
			sc.Source,
			sc.Audience,
			strings.Join(sc.Claims, ","),
			sc.Required,
		)
	}
	return w.Flush()
}

type AddScopeCmd struct {
	Name        string   `arg:"" help:"Name of the scope."`
	Kind        string   `enum:"api,identity" default:"api" help:"Scope kind (api, identity)."`
	DisplayName string   `help:"Name shown on the consent page."`
	Description string   `help:"Description shown on the consent page."`
	Audience    string   `help:"Audience added to access tokens granted this scope."`
	Claim       []string `name:"claim" help:"User claim released with this scope, may be repeated."`
	Required    bool     `help:"Users can't deselect this scope on the consent page."`

	Output io.Writer `kong:"-"`
}

func (c *AddScopeCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	err := adminapi.NewClient(adminSocket).CreateScope(ctx, &config.Scope{
		Name:        c.Name,
		Kind:        c.Kind,
		DisplayName: c.DisplayName,
		Description: c.Description,
		Audience:    c.Audience,
		Claims:      c.Claim,
		Required:    c.Required,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Output, "Scope %s created.\n", c.Name)
	return nil
}

type DeleteScopeCmd struct {
	Name string `arg:"" help:"Name of the scope to delete."`

	Output io.Writer `kong:"-"`
}

func (c *DeleteScopeCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if err := adminapi.NewClient(adminSocket).DeleteScope(ctx, c.Name); err != nil {
		return err
	}
	fmt.Fprintf(c.Output, "Scope deleted successfully.\n")
	return nil
}
