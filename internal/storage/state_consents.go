package storage

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketConsents = "consents"

// ConsentRecord is a remembered approval of scopes for a client by a
// subject. A zero ExpiresAt never expires.
type ConsentRecord struct {
	Subject   string    `json:"subject"`
	ClientID  string    `json:"clientID"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

func (c *ConsentRecord) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func consentKey(subject, clientID string) []byte {
	return []byte(subject + "\x00" + clientID)
}

// GetConsent returns the unexpired consent for the subject and client.
func (g *GrantStore) GetConsent(ctx context.Context, subject, clientID string) (*ConsentRecord, error) {
	db, release := g.dbAccessor.db()
	defer release()

	var c ConsentRecord
	err := db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketConsents)), consentKey(subject, clientID), &c)
		if err != nil {
			return err
		}
		if !found || c.expired(g.timeNow()) {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PutConsent creates or replaces the consent for the record's subject and
// client.
func (g *GrantStore) PutConsent(ctx context.Context, c *ConsentRecord) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = g.timeNow()
	}
	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte(bucketConsents)), consentKey(c.Subject, c.ClientID), c)
	})
}

func (g *GrantStore) DeleteConsent(ctx context.Context, subject, clientID string) error {
	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketConsents)).Delete(consentKey(subject, clientID))
	})
}
