package admincli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"lds.li/idsrv/internal/adminapi"
)

type ListGrantsCmd struct {
	Subject string `help:"Only show grants for this subject."`

	Output io.Writer `kong:"-"`
}

func (c *ListGrantsCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	resp, err := adminapi.NewClient(adminSocket).ListGrants(ctx, c.Subject)
	if err != nil {
		return err
	}
	if len(resp.Grants) == 0 {
		fmt.Fprintf(c.Output, "No grants found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tClient ID\tSubject\tScopes\tCreated At\tExpires At\tRevoked\n")
	for _, g := range resp.Grants {
		revoked := "-"
		if g.Revoked {
			revoked = g.RevokedReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			g.ID,
			g.ClientID,
			g.Subject,
			strings.Join(g.Scopes, " "),
			g.CreatedAt.Format(time.RFC3339),
			g.ExpiresAt.Format(time.RFC3339),
			revoked,
		)
	}
	return w.Flush()
}

type RevokeGrantCmd struct {
	ID string `arg:"" help:"ID of the grant to revoke."`

	Output io.Writer `kong:"-"`
}

func (c *RevokeGrantCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if err := adminapi.NewClient(adminSocket).RevokeGrant(ctx, c.ID); err != nil {
		return err
	}
	fmt.Fprintf(c.Output, "Grant revoked successfully.\n")
	return nil
}
