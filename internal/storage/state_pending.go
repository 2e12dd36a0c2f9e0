package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketPending = "pending_authorizations"

	// pendingRetention is how long an expired pending authorization is kept,
	// so a late return from the login page can still be redirected back to
	// the client with an error.
	pendingRetention = time.Hour
)

// Stages of a pending authorization.
const (
	StageAuthenticating  = "authenticating"
	StageAwaitingConsent = "awaiting_consent"
)

// PendingAuthorization is an in flight authorization request, addressed by a
// random correlation ID while the user is sent off to log in or consent.
// MaxAge is the max_age parameter in seconds, zero if unset.
type PendingAuthorization struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"clientID"`
	RedirectURI         string    `json:"redirectURI"`
	ResponseType        string    `json:"responseType"`
	ResponseMode        string    `json:"responseMode,omitempty"`
	Scopes              []string  `json:"scopes"`
	State               string    `json:"state,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	Prompt              string    `json:"prompt,omitempty"`
	MaxAge              int64     `json:"maxAge,omitempty"`
	Stage               string    `json:"stage"`
	Subject             string    `json:"subject,omitempty"`
	AuthTime            time.Time `json:"authTime,omitzero"`
	CreatedAt           time.Time `json:"createdAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// Expired reports whether the flow ran past its deadline.
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// PendingStore persists in flight authorization requests. Get returns
// expired records, so the caller can still redirect with an error; callers
// check Expired.
type PendingStore interface {
	CreatePendingAuthorization(ctx context.Context, p *PendingAuthorization) error
	GetPendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error)
	UpdatePending(ctx context.Context, p *PendingAuthorization) error
	// TakePending atomically returns and removes the record, so only one
	// caller can complete a flow.
	TakePending(ctx context.Context, id string) (*PendingAuthorization, error)
	DeletePending(ctx context.Context, id string) error
}

var _ PendingStore = (*BoltPendingStore)(nil)

// BoltPendingStore keeps pending authorizations in the local state file.
type BoltPendingStore struct {
	dbAccessor *dbAccessor
}

func (s *BoltPendingStore) CreatePendingAuthorization(ctx context.Context, p *PendingAuthorization) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPending))
		if b.Get([]byte(p.ID)) != nil {
			return ErrAlreadyExists
		}
		return putJSON(b, []byte(p.ID), p)
	})
}

func (s *BoltPendingStore) GetPendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error) {
	db, release := s.dbAccessor.db()
	defer release()

	var p PendingAuthorization
	err := db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketPending)), []byte(id), &p)
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
	return &p, nil
}

func (s *BoltPendingStore) UpdatePending(ctx context.Context, p *PendingAuthorization) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPending))
		if b.Get([]byte(p.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(b, []byte(p.ID), p)
	})
}

func (s *BoltPendingStore) TakePending(ctx context.Context, id string) (*PendingAuthorization, error) {
	db, release := s.dbAccessor.db()
	defer release()

	var p PendingAuthorization
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPending))
		found, err := getJSON(b, []byte(id), &p)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if err := b.Delete([]byte(id)); err != nil {
			return fmt.Errorf("delete pending authorization: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltPendingStore) DeletePending(ctx context.Context, id string) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPending)).Delete([]byte(id))
	})
}
