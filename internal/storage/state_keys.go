package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	bolt "go.etcd.io/bbolt"
	"google.golang.org/protobuf/proto"
	"lds.li/tinkrotate"
	tinkrotatev1 "lds.li/tinkrotate/proto/tinkrotate/v1"
)

var _ tinkrotate.ManagedStore = (*KeysetStore)(nil)

const (
	// Bucket name for keyset storage
	bucketKeysets = "keysets"
	// bucketKeyGenerations holds the generation log under a single key.
	bucketKeyGenerations = "key_generations"

	keyGenerationsKey = "signing"
)

// Signing key statuses.
const (
	KeyStatusPending  = "pending"
	KeyStatusActive   = "active"
	KeyStatusRetiring = "retiring"
	KeyStatusRetired  = "retired"
)

// KeyRecord describes one signing key for listing.
type KeyRecord struct {
	KeyID       uint32    `json:"keyID"`
	Algorithm   string    `json:"algorithm"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	ActivatedAt time.Time `json:"activatedAt,omitzero"`
	RetireAfter time.Time `json:"retireAfter,omitzero"`
	RetiredAt   time.Time `json:"retiredAt,omitzero"`
}

// KeyGeneration is one tink keyset in the signing lineage. Keys inside a
// generation are rotated on schedule by tinkrotate; a manual rotation starts
// a new generation and freezes the previous one until its tokens expire.
type KeyGeneration struct {
	// Name is the keyset name in the store.
	Name      string    `json:"name"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"createdAt"`
	// ActiveAfter is when the generation may start signing.
	ActiveAfter time.Time `json:"activeAfter"`
	// RetireAfter is set once a newer generation supersedes this one.
	RetireAfter time.Time `json:"retireAfter,omitzero"`
	RetiredAt   time.Time `json:"retiredAt,omitzero"`
	// Retired holds the records of the keys that were in the keyset when
	// it was deleted.
	Retired []KeyRecord `json:"retired,omitempty"`
}

// Live reports whether the generation's keyset is still in the store.
func (g *KeyGeneration) Live() bool {
	return g.RetiredAt.IsZero()
}

// KeyGenerations is the ordered generation log, oldest first. Version is
// used for optimistic concurrency between processes sharing the state file.
type KeyGenerations struct {
	Generations []KeyGeneration `json:"generations"`
	Version     int64           `json:"version"`
}

// KeysetStore implements tinkrotate.ManagedStore using BoltDB, and keeps the
// generation log alongside the keysets.
type KeysetStore struct {
	dbAccessor *dbAccessor
}

// storedKeyset represents a keyset stored in BoltDB
type storedKeyset struct {
	Handle   []byte `json:"handle"`
	Metadata []byte `json:"metadata"` // protobuf marshaled metadata
	Version  int64  `json:"version"`
}

// GetHandle returns the handle for the given keyset name.
func (k *KeysetStore) GetHandle(ctx context.Context, keysetName string) (*keyset.Handle, error) {
	result, err := k.ReadKeysetAndMetadata(ctx, keysetName)
	if err != nil {
		return nil, err
	}
	return result.Handle, nil
}

// GetPublicHandle returns the handle for the given keyset name, with only
// the public key material.
func (k *KeysetStore) GetPublicHandle(ctx context.Context, keysetName string) (*keyset.Handle, error) {
	handle, err := k.GetHandle(ctx, keysetName)
	if err != nil {
		return nil, err
	}
	return handle.Public()
}

// ReadKeysetAndMetadata reads a keyset and its rotation metadata.
func (k *KeysetStore) ReadKeysetAndMetadata(ctx context.Context, keysetName string) (*tinkrotate.ReadResult, error) {
	db, release := k.dbAccessor.db()
	defer release()

	var result *tinkrotate.ReadResult
	err := db.View(func(tx *bolt.Tx) error {
		var stored storedKeyset
		found, err := getJSON(tx.Bucket([]byte(bucketKeysets)), []byte(keysetName), &stored)
		if err != nil || !found {
			return err
		}

		handle, err := insecurecleartextkeyset.Read(keyset.NewBinaryReader(bytes.NewReader(stored.Handle)))
		if err != nil {
			return fmt.Errorf("read keyset handle: %w", err)
		}
		metadata := &tinkrotatev1.KeyRotationMetadata{}
		if err := proto.Unmarshal(stored.Metadata, metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}

		result = &tinkrotate.ReadResult{
			Handle:   handle,
			Metadata: metadata,
			Context:  stored.Version,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &tinkrotate.ReadResult{Context: int64(0)}, tinkrotate.ErrKeysetNotFound
	}
	reportKeysetMetrics(keysetName, result.Handle, result.Metadata)
	return result, nil
}

// WriteKeysetAndMetadata writes a keyset and its metadata. A nil
// expectedContext inserts, otherwise it is the version read.
func (k *KeysetStore) WriteKeysetAndMetadata(ctx context.Context, keysetName string, handle *keyset.Handle, metadata *tinkrotatev1.KeyRotationMetadata, expectedContext any) error {
	if handle == nil || metadata == nil {
		return errors.New("handle and metadata cannot be nil for writing")
	}

	metadataData, err := proto.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata protobuf: %w", err)
	}
	keysetBuf := new(bytes.Buffer)
	if err := insecurecleartextkeyset.Write(handle, keyset.NewBinaryWriter(keysetBuf)); err != nil {
		return fmt.Errorf("write cleartext keyset handle for %q: %w", keysetName, err)
	}

	db, release := k.dbAccessor.db()
	defer release()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketKeysets))

		var existing storedKeyset
		found, err := getJSON(bucket, []byte(keysetName), &existing)
		if err != nil {
			return err
		}

		var newVersion int64
		if expectedContext == nil {
			if found {
				return tinkrotate.ErrOptimisticLockFailed
			}
			newVersion = 1
		} else {
			expectedVersion, ok := expectedContext.(int64)
			if !ok {
				return fmt.Errorf("invalid expectedContext type: expected int64, got %T", expectedContext)
			}
			if !found || existing.Version != expectedVersion {
				return tinkrotate.ErrOptimisticLockFailed
			}
			newVersion = expectedVersion + 1
		}

		stored := storedKeyset{
			Handle:   keysetBuf.Bytes(),
			Metadata: metadataData,
			Version:  newVersion,
		}
		if err := putJSON(bucket, []byte(keysetName), &stored); err != nil {
			return fmt.Errorf("store keyset: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	reportKeysetMetrics(keysetName, handle, metadata)
	return nil
}

// ForEachKeyset calls fn for each generation that is still rotated on
// schedule. Superseded generations are frozen until they are deleted.
func (k *KeysetStore) ForEachKeyset(ctx context.Context, fn func(keysetName string) error) error {
	// names are collected first, fn may start a write transaction and that
	// would deadlock against an open read.
	gens, err := k.ReadGenerations(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, g := range gens.Generations {
		if !g.Live() || !g.RetireAfter.IsZero() {
			continue
		}
		if err := fn(g.Name); err != nil {
			return err
		}
	}
	return nil
}

// DeleteKeyset removes a keyset. Missing keysets are not an error.
func (k *KeysetStore) DeleteKeyset(ctx context.Context, keysetName string) error {
	db, release := k.dbAccessor.db()
	defer release()

	err := db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketKeysets)).Delete([]byte(keysetName))
	})
	if err != nil {
		return fmt.Errorf("delete keyset %s: %w", keysetName, err)
	}
	forgetKeysetMetrics(keysetName)
	return nil
}

// ReadGenerations returns the generation log, or ErrNotFound if no signing
// key has been created yet.
func (k *KeysetStore) ReadGenerations(ctx context.Context) (*KeyGenerations, error) {
	db, release := k.dbAccessor.db()
	defer release()

	var gens KeyGenerations
	err := db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketKeyGenerations)), []byte(keyGenerationsKey), &gens)
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
	return &gens, nil
}

// WriteGenerations stores gens if the stored version still matches
// gens.Version (zero meaning no log exists yet). On success gens.Version is
// advanced. A concurrent writer results in ErrVersionConflict.
func (k *KeysetStore) WriteGenerations(ctx context.Context, gens *KeyGenerations) error {
	db, release := k.dbAccessor.db()
	defer release()

	err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketKeyGenerations))

		var existing KeyGenerations
		found, err := getJSON(bucket, []byte(keyGenerationsKey), &existing)
		if err != nil {
			return err
		}
		switch {
		case gens.Version == 0 && found:
			return ErrVersionConflict
		case gens.Version != 0 && (!found || existing.Version != gens.Version):
			return ErrVersionConflict
		}

		next := KeyGenerations{
			Generations: gens.Generations,
			Version:     gens.Version + 1,
		}
		if err := putJSON(bucket, []byte(keyGenerationsKey), &next); err != nil {
			return fmt.Errorf("store key generations: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	gens.Version++
	return nil
}
