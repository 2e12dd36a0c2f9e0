package clients

import (
	"context"

	"lds.li/idsrv/internal/config"
)

// StaticClients serves the clients defined in the config file.
type StaticClients struct {
	// Clients is the list of clients
	Clients []config.Client `json:"clients"`
}

// GetClient returns the client with the given ID.
func (c *StaticClients) GetClient(_ context.Context, clientID string) (*config.Client, error) {
	for i := range c.Clients {
		if c.Clients[i].ID == clientID {
			cl := c.Clients[i]
			return &cl, nil
		}
	}
	return nil, ErrNotFound
}
