package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// Bucket name for session storage
	bucketSessions = "sessions"
)

// Session is a logged in user agent.
type Session struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	AuthTime  time.Time `json:"authTime"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionStore keeps login sessions in BoltDB
type SessionStore struct {
	dbAccessor *dbAccessor
}

// Get retrieves a session by ID, checking expiration
func (s *SessionStore) Get(ctx context.Context, id string) (_ *Session, found bool, _ error) {
	db, release := s.dbAccessor.db()
	defer release()

	var sess *Session
	err := db.View(func(tx *bolt.Tx) error {
		var stored Session
		ok, err := getJSON(tx.Bucket([]byte(bucketSessions)), []byte(id), &stored)
		if err != nil {
			return err
		}
		if !ok || time.Now().After(stored.ExpiresAt) {
			return nil
		}
		sess = &stored
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("getting session: %w", err)
	}
	return sess, sess != nil, nil
}

// Put stores a session, creating or updating as needed
func (s *SessionStore) Put(ctx context.Context, sess *Session) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket([]byte(bucketSessions)), []byte(sess.ID), sess); err != nil {
			return fmt.Errorf("storing session: %w", err)
		}
		return nil
	})
}

// Delete removes a session
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketSessions)).Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return nil
	})
}

// GC removes expired sessions
func (s *SessionStore) GC(ctx context.Context) (deleted int, _ error) {
	db, release := s.dbAccessor.db()
	defer release()

	err := db.Update(func(tx *bolt.Tx) error {
		n, err := sweepBucket(tx.Bucket([]byte(bucketSessions)), func(v []byte) bool {
			var stored Session
			if err := json.Unmarshal(v, &stored); err != nil {
				// corrupted, drop it
				return true
			}
			return time.Now().After(stored.ExpiresAt)
		})
		deleted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	return deleted, nil
}
