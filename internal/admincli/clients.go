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

type ListClientsCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *ListClientsCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	clients, err := adminapi.NewClient(adminSocket).ListClients(ctx)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		fmt.Fprintf(c.Output, "No clients found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tName\tSource\tPublic\tGrant Types\tScopes\n")
	for _, cl := range clients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
			cl.ID,
			cl.Name,
			cl.Source,
			cl.Public,
			strings.Join(cl.GrantTypes, ","),
			strings.Join(cl.Scopes, ","),
		)
	}
	return w.Flush()
}

type AddClientCmd struct {
	ID                string   `arg:"" help:"ID of the client."`
	Name              string   `help:"Name shown to users on the consent page."`
	Public            bool     `help:"Client can't keep a secret, requires PKCE."`
	RedirectURI       []string `name:"redirect-uri" help:"Allowed redirect URI, may be repeated."`
	GrantType         []string `name:"grant-type" help:"Allowed grant type, may be repeated. Defaults to authorization_code and refresh_token."`
	Scope             []string `name:"scope" help:"Allowed scope, may be repeated."`
	RequireConsent    bool     `help:"Always ask the user to approve the scopes."`
	AccessTokenType   string   `enum:"jwt,reference" default:"jwt" help:"Access token format (jwt, reference)."`
	RefreshTokenUsage string   `enum:"one_time,reuse" default:"one_time" help:"Refresh token usage (one_time, reuse)."`

	Output io.Writer `kong:"-"`
}

func (c *AddClientCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	resp, err := adminapi.NewClient(adminSocket).CreateClient(ctx, &config.Client{
		ID:                c.ID,
		Name:              c.Name,
		Public:            c.Public,
		RedirectURIs:      c.RedirectURI,
		GrantTypes:        c.GrantType,
		Scopes:            c.Scope,
		RequireConsent:    c.RequireConsent,
		AccessTokenType:   c.AccessTokenType,
		RefreshTokenUsage: c.RefreshTokenUsage,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(c.Output, "Client ID: %s\n", resp.ID)
	if resp.Secret != "" {
		fmt.Fprintf(c.Output, "Client Secret: %s\n", resp.Secret)
		fmt.Fprintf(c.Output, "The secret is not stored in a recoverable form, save it now.\n")
	}
	return nil
}

type DeleteClientCmd struct {
	ID string `arg:"" help:"ID of the client to delete."`

	Output io.Writer `kong:"-"`
}

func (c *DeleteClientCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if err := adminapi.NewClient(adminSocket).DeleteClient(ctx, c.ID); err != nil {
		return err
	}
	fmt.Fprintf(c.Output, "Client deleted successfully.\n")
	return nil
}
