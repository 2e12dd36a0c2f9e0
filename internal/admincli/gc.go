package admincli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"lds.li/idsrv/internal/adminapi"
)

// GCCmd removes expired state immediately, rather than waiting for the
// next scheduled collection.
type GCCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *GCCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	resp, err := adminapi.NewClient(adminSocket).GC(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Kind\tRemoved\n")
	for _, kind := range slices.Sorted(maps.Keys(resp.Removed)) {
		fmt.Fprintf(w, "%s\t%d\n", kind, resp.Removed[kind])
	}
	return w.Flush()
}
