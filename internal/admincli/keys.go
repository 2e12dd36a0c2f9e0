package admincli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"lds.li/idsrv/internal/adminapi"
)

type ListKeysCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *ListKeysCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	keys, err := adminapi.NewClient(adminSocket).ListKeys(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Key ID\tAlgorithm\tStatus\tCreated At\tRetire After\n")
	for _, k := range keys {
		retire := "-"
		if !k.RetireAfter.IsZero() {
			retire = k.RetireAfter.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			k.KeyID,
			k.Algorithm,
			k.Status,
			k.CreatedAt.Format(time.RFC3339),
			retire,
		)
	}
	return w.Flush()
}

type RotateKeysCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *RotateKeysCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	resp, err := adminapi.NewClient(adminSocket).RotateKeys(ctx)
	if err != nil {
		return err
	}
	if resp.ActiveAfter.After(time.Now()) {
		fmt.Fprintf(c.Output, "New signing key %s (%s) is published, and signs from %s.\n", resp.KeyID, resp.Algorithm, resp.ActiveAfter.Format(time.RFC3339))
		return nil
	}
	fmt.Fprintf(c.Output, "New signing key %s (%s) is active.\n", resp.KeyID, resp.Algorithm)
	return nil
}
