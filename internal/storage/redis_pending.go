package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ PendingStore = (*RedisPendingStore)(nil)

// RedisPendingStore keeps pending authorizations in redis, so a flow started
// on one instance can be resumed on another. Records expire via TTL a while
// after their deadline.
type RedisPendingStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPendingStore creates a store from a redis:// URL.
func NewRedisPendingStore(redisURL string) (*RedisPendingStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return NewRedisPendingStoreFromClient(redis.NewClient(opts)), nil
}

func NewRedisPendingStoreFromClient(client redis.UniversalClient) *RedisPendingStore {
	return &RedisPendingStore{client: client, prefix: "idsrv:pending:"}
}

// Ping checks connectivity, used at startup.
func (r *RedisPendingStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPendingStore) Close() error {
	return r.client.Close()
}

func (r *RedisPendingStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisPendingStore) CreatePendingAuthorization(ctx context.Context, p *PendingAuthorization) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending authorization: %w", err)
	}
	ttl := time.Until(p.ExpiresAt) + pendingRetention
	ok, err := r.client.SetNX(ctx, r.key(p.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("store pending authorization: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (r *RedisPendingStore) GetPendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pending authorization: %w", err)
	}
	return unmarshalPending(data)
}

func (r *RedisPendingStore) UpdatePending(ctx context.Context, p *PendingAuthorization) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending authorization: %w", err)
	}
	// XX only updates an existing key, KEEPTTL leaves the deadline alone.
	res, err := r.client.SetArgs(ctx, r.key(p.ID), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("update pending authorization: %w", err)
	}
	if res != "OK" {
		return ErrNotFound
	}
	return nil
}

func (r *RedisPendingStore) TakePending(ctx context.Context, id string) (*PendingAuthorization, error) {
	data, err := r.client.GetDel(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("take pending authorization: %w", err)
	}
	return unmarshalPending(data)
}

func (r *RedisPendingStore) DeletePending(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("delete pending authorization: %w", err)
	}
	return nil
}

func unmarshalPending(data []byte) (*PendingAuthorization, error) {
	var p PendingAuthorization
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending authorization: %w", err)
	}
	return &p, nil
}
