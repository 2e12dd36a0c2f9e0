package storage

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrExpired              = errors.New("expired")
	ErrAlreadyUsed          = errors.New("already used")
	ErrReuseDetected        = errors.New("refresh token reuse detected")
	ErrFamilyRevoked        = errors.New("token family revoked")
	ErrVersionConflict      = errors.New("version conflict")
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("slow down")
	ErrAccessDenied         = errors.New("access denied")
	ErrClientMismatch       = errors.New("issued to another client")
)

var allBuckets = []string{
	bucketPending,
	bucketAuthCodes,
	bucketRefreshTokens,
	bucketFamilies,
	bucketReferenceTokens,
	bucketConsents,
	bucketDeviceCodes,
	bucketUserCodes,
	bucketKeysets,
	bucketKeyGenerations,
	bucketSessions,
	bucketClients,
	bucketScopes,
}

// State represents the on-disk runtime state for the IDP.
type State struct {
	path       string
	dbAccessor *dbAccessor
}

// dbAccessor guards the bolt handle, so the compactor can swap the file out
// from under running stores.
type dbAccessor struct {
	mu  sync.RWMutex
	bdb *bolt.DB
}

// db returns the current handle, the caller must call release when done.
func (a *dbAccessor) db() (*bolt.DB, func()) {
	a.mu.RLock()
	return a.bdb, a.mu.RUnlock
}

func NewState(path string) (*State, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &State{path: path, dbAccessor: &dbAccessor{bdb: db}}, nil
}

func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create %s bucket: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}
	return db, nil
}

// Close closes the BoltDB database
func (s *State) Close() error {
	s.dbAccessor.mu.Lock()
	defer s.dbAccessor.mu.Unlock()
	return s.dbAccessor.bdb.Close()
}

func (s *State) Grants() *GrantStore {
	return &GrantStore{dbAccessor: s.dbAccessor}
}

func (s *State) Pending() *BoltPendingStore {
	return &BoltPendingStore{dbAccessor: s.dbAccessor}
}

func (s *State) Keys() *KeysetStore {
	return &KeysetStore{dbAccessor: s.dbAccessor}
}

func (s *State) Sessions() *SessionStore {
	return &SessionStore{dbAccessor: s.dbAccessor}
}

func (s *State) Clients() *ClientStore {
	return &ClientStore{dbAccessor: s.dbAccessor}
}

func (s *State) Scopes() *ScopeStore {
	return &ScopeStore{dbAccessor: s.dbAccessor}
}

// RunCompactor periodically rewrites the database file to reclaim the space
// freed by garbage collection. It blocks until ctx is cancelled.
func (s *State) RunCompactor(ctx context.Context, log *slog.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	reportStateFileSize(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.runCompactor(log); err != nil {
				log.ErrorContext(ctx, "compaction failed", "err", err)
			}
			reportStateFileSize(s.path)
		}
	}
}

func (s *State) runCompactor(log *slog.Logger) error {
	s.dbAccessor.mu.Lock()
	defer s.dbAccessor.mu.Unlock()

	tmpPath := s.path + ".compact"
	_ = os.Remove(tmpPath)

	dst, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open compaction target: %w", err)
	}
	if err := bolt.Compact(dst, s.dbAccessor.bdb, 64<<20); err != nil {
		dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compact: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close compaction target: %w", err)
	}

	before, _ := getFileSize(s.path)
	if err := s.dbAccessor.bdb.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		// put the original back in service before bailing.
		db, oerr := openDB(s.path)
		if oerr != nil {
			return errors.Join(fmt.Errorf("rename compacted db: %w", err), oerr)
		}
		s.dbAccessor.bdb = db
		return fmt.Errorf("rename compacted db: %w", err)
	}
	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("reopen compacted db: %w", err)
	}
	s.dbAccessor.bdb = db

	after, _ := getFileSize(s.path)
	log.Info("compacted state", "before_bytes", before, "after_bytes", after)
	return nil
}

func getFileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// hashToken returns the lookup key for an opaque credential, only the hash
// is persisted.
func hashToken(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return h[:]
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return b.Put(key, data)
}
