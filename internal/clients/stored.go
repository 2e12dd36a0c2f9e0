package clients

import (
	"context"
	"errors"

	"lds.li/idsrv/internal/config"
	"lds.li/idsrv/internal/storage"
)

// StoredClients serves clients managed through the admin API.
type StoredClients struct {
	DB *storage.ClientStore
}

func (s *StoredClients) GetClient(ctx context.Context, clientID string) (*config.Client, error) {
	cl, err := s.DB.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return cl, err
}
