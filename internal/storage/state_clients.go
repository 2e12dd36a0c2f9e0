package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
	"lds.li/idsrv/internal/config"
)

const (
	bucketClients = "clients"
	bucketScopes  = "scopes"
)

// ClientStore holds clients managed through the admin API, in addition to
// the ones in the config file.
type ClientStore struct {
	dbAccessor *dbAccessor
}

func (s *ClientStore) GetClient(ctx context.Context, id string) (*config.Client, error) {
	db, release := s.dbAccessor.db()
	defer release()

	var cl config.Client
	err := db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketClients)), []byte(id), &cl)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

// PutClient creates or replaces a client. Secrets must already be hashed.
func (s *ClientStore) PutClient(ctx context.Context, cl *config.Client) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket([]byte(bucketClients)), []byte(cl.ID), cl); err != nil {
			return fmt.Errorf("store client %s: %w", cl.ID, err)
		}
		return nil
	})
}

func (s *ClientStore) DeleteClient(ctx context.Context, id string) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketClients))
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// ListClients returns all stored clients sorted by ID.
func (s *ClientStore) ListClients(ctx context.Context) ([]*config.Client, error) {
	db, release := s.dbAccessor.db()
	defer release()

	var clients []*config.Client
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketClients)).ForEach(func(k, v []byte) error {
			var cl config.Client
			if err := json.Unmarshal(v, &cl); err != nil {
				return fmt.Errorf("unmarshal client %s: %w", k, err)
			}
			clients = append(clients, &cl)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ID < clients[j].ID
	})
	return clients, nil
}

// ScopeStore holds scopes managed through the admin API.
type ScopeStore struct {
	dbAccessor *dbAccessor
}

func (s *ScopeStore) GetScope(ctx context.Context, name string) (*config.Scope, error) {
	db, release := s.dbAccessor.db()
	defer release()

	var sc config.Scope
	err := db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketScopes)), []byte(name), &sc)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *ScopeStore) PutScope(ctx context.Context, sc *config.Scope) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte(bucketScopes)), []byte(sc.Name), sc)
	})
}

func (s *ScopeStore) DeleteScope(ctx context.Context, name string) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketScopes))
		if b.Get([]byte(name)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(name))
	})
}

// ListScopes returns all stored scopes, in key order.
func (s *ScopeStore) ListScopes(ctx context.Context) ([]*config.Scope, error) {
	db, release := s.dbAccessor.db()
	defer release()

	var scopes []*config.Scope
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketScopes)).ForEach(func(k, v []byte) error {
			var sc config.Scope
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("unmarshal scope %s: %w", k, err)
			}
			scopes = append(scopes, &sc)
			return nil
		})
	})
	return scopes, err
}
