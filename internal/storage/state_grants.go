package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketAuthCodes       = "auth_codes"
	bucketRefreshTokens   = "refresh_tokens"
	bucketFamilies        = "families"
	bucketReferenceTokens = "reference_tokens"
)

// Reasons a token family was revoked.
const (
	RevokeReasonCodeReplay      = "code_replay"
	RevokeReasonRefreshReuse    = "refresh_reuse"
	RevokeReasonClient          = "client_revocation"
	RevokeReasonAdmin           = "admin"
	RevokeReasonSubjectInactive = "subject_inactive"
)

// AuthorizationCode is the persisted state of an issued code. The code value
// itself is never stored, only its hash.
type AuthorizationCode struct {
	FamilyID            string    `json:"familyID"`
	ClientID            string    `json:"clientID"`
	Subject             string    `json:"subject"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirectURI"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"authTime"`
	CreatedAt           time.Time `json:"createdAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
	Redeemed            bool      `json:"redeemed,omitempty"`
	RedeemedAt          time.Time `json:"redeemedAt,omitzero"`
}

// RefreshToken is a persisted refresh token, keyed by the hash of its value.
type RefreshToken struct {
	ID         string    `json:"id"`
	FamilyID   string    `json:"familyID"`
	ParentID   string    `json:"parentID,omitempty"`
	ClientID   string    `json:"clientID"`
	Subject    string    `json:"subject"`
	Scopes     []string  `json:"scopes"`
	AuthTime   time.Time `json:"authTime"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Consumed   bool      `json:"consumed,omitempty"`
	ConsumedAt time.Time `json:"consumedAt,omitzero"`
}

// TokenFamily ties together every credential descended from one grant.
// Revoking it invalidates all of them in one write.
type TokenFamily struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientID"`
	Subject       string    `json:"subject"`
	Scopes        []string  `json:"scopes"`
	AuthTime      time.Time `json:"authTime"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Revoked       bool      `json:"revoked,omitempty"`
	RevokedAt     time.Time `json:"revokedAt,omitzero"`
	RevokedReason string    `json:"revokedReason,omitempty"`
}

// ReferenceToken is an opaque access token, the claims live server side.
type ReferenceToken struct {
	JTI       string    `json:"jti"`
	FamilyID  string    `json:"familyID,omitempty"`
	ClientID  string    `json:"clientID"`
	Subject   string    `json:"subject,omitempty"`
	Scopes    []string  `json:"scopes"`
	Audiences []string  `json:"audiences"`
	AuthTime  time.Time `json:"authTime,omitzero"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GrantStore persists codes, refresh tokens, reference tokens and the
// families that group them.
type GrantStore struct {
	dbAccessor *dbAccessor
	// now is overridden in tests.
	now func() time.Time
}

func (g *GrantStore) timeNow() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now()
}

// CreateCode stores a new authorization code. A new token family is started
// for it, and the family ID is written back to ac.
func (g *GrantStore) CreateCode(ctx context.Context, code string, ac *AuthorizationCode) error {
	if ac.FamilyID == "" {
		ac.FamilyID = uuid.NewString()
	}
	if ac.CreatedAt.IsZero() {
		ac.CreatedAt = g.timeNow()
	}

	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		codes := tx.Bucket([]byte(bucketAuthCodes))
		families := tx.Bucket([]byte(bucketFamilies))

		key := hashToken(code)
		if codes.Get(key) != nil {
			return ErrAlreadyExists
		}
		if err := putJSON(codes, key, ac); err != nil {
			return fmt.Errorf("store code: %w", err)
		}

		fam := TokenFamily{
			ID:        ac.FamilyID,
			ClientID:  ac.ClientID,
			Subject:   ac.Subject,
			Scopes:    ac.Scopes,
			AuthTime:  ac.AuthTime,
			CreatedAt: ac.CreatedAt,
			ExpiresAt: ac.ExpiresAt,
		}
		if err := putJSON(families, []byte(fam.ID), &fam); err != nil {
			return fmt.Errorf("store family: %w", err)
		}
		return nil
	})
}

// RedeemCode marks the code as used and returns it. Only one call for a given
// code ever succeeds. A repeat redemption revokes the code's family, and
// returns ErrAlreadyUsed.
func (g *GrantStore) RedeemCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	db, release := g.dbAccessor.db()
	defer release()

	now := g.timeNow()
	var (
		ac        AuthorizationCode
		redeemErr error
	)
	err := db.Update(func(tx *bolt.Tx) error {
		codes := tx.Bucket([]byte(bucketAuthCodes))
		families := tx.Bucket([]byte(bucketFamilies))

		key := hashToken(code)
		found, err := getJSON(codes, key, &ac)
		if err != nil {
			return err
		}
		if !found {
			redeemErr = ErrNotFound
			return nil
		}
		if ac.Redeemed {
			// the revocation has to commit, so the error is carried
			// outside the transaction.
			if err := revokeFamilyTx(families, ac.FamilyID, RevokeReasonCodeReplay, now); err != nil {
				return err
			}
			redeemErr = ErrAlreadyUsed
			return nil
		}
		if now.After(ac.ExpiresAt) {
			redeemErr = ErrExpired
			return nil
		}
		var fam TokenFamily
		if found, err := getJSON(families, []byte(ac.FamilyID), &fam); err != nil {
			return err
		} else if !found || fam.Revoked {
			redeemErr = ErrFamilyRevoked
			return nil
		}

		ac.Redeemed = true
		ac.RedeemedAt = now
		return putJSON(codes, key, &ac)
	})
	if err != nil {
		return nil, fmt.Errorf("redeem code: %w", err)
	}
	if redeemErr != nil {
		return nil, redeemErr
	}
	return &ac, nil
}

// CreateRefreshToken stores a new refresh token in an existing family,
// extending the family lifetime to cover it.
func (g *GrantStore) CreateRefreshToken(ctx context.Context, token string, rt *RefreshToken) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = g.timeNow()
	}

	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		return putRefreshTokenTx(tx, token, rt)
	})
}

// CreateFamily starts a family that has no authorization code, used by
// the device flow.
func (g *GrantStore) CreateFamily(ctx context.Context, fam *TokenFamily) error {
	if fam.ID == "" {
		fam.ID = uuid.NewString()
	}
	if fam.CreatedAt.IsZero() {
		fam.CreatedAt = g.timeNow()
	}
	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		families := tx.Bucket([]byte(bucketFamilies))
		if families.Get([]byte(fam.ID)) != nil {
			return ErrAlreadyExists
		}
		return putJSON(families, []byte(fam.ID), fam)
	})
}

func putRefreshTokenTx(tx *bolt.Tx, token string, rt *RefreshToken) error {
	tokens := tx.Bucket([]byte(bucketRefreshTokens))
	families := tx.Bucket([]byte(bucketFamilies))

	var fam TokenFamily
	found, err := getJSON(families, []byte(rt.FamilyID), &fam)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("family %s: %w", rt.FamilyID, ErrNotFound)
	}

	key := hashToken(token)
	if tokens.Get(key) != nil {
		return ErrAlreadyExists
	}
	if err := putJSON(tokens, key, rt); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}

	if rt.ExpiresAt.After(fam.ExpiresAt) {
		fam.ExpiresAt = rt.ExpiresAt
		if err := putJSON(families, []byte(fam.ID), &fam); err != nil {
			return fmt.Errorf("update family: %w", err)
		}
	}
	return nil
}

// GetRefreshToken looks up a refresh token without consuming it. Expired,
// consumed or revoked tokens return an error.
func (g *GrantStore) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	db, release := g.dbAccessor.db()
	defer release()

	var rt RefreshToken
	err := db.View(func(tx *bolt.Tx) error {
		return checkRefreshTokenTx(tx, hashToken(token), &rt, g.timeNow())
	})
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

// FindRefreshToken returns the refresh token record whatever its state,
// for revocation.
func (g *GrantStore) FindRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	db, release := g.dbAccessor.db()
	defer release()

	var rt RefreshToken
	err := db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketRefreshTokens)), hashToken(token), &rt)
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
	return &rt, nil
}

func checkRefreshTokenTx(tx *bolt.Tx, key []byte, rt *RefreshToken, now time.Time) error {
	found, err := getJSON(tx.Bucket([]byte(bucketRefreshTokens)), key, rt)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	var fam TokenFamily
	if found, err := getJSON(tx.Bucket([]byte(bucketFamilies)), []byte(rt.FamilyID), &fam); err != nil {
		return err
	} else if !found || fam.Revoked {
		return ErrFamilyRevoked
	}
	if rt.Consumed {
		return ErrAlreadyUsed
	}
	if now.After(rt.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// RotateRefreshToken consumes oldToken and stores the record returned by
// next under newToken, in a single transaction. next receives the current
// record, and can reject the rotation by returning an error, in which case
// nothing is changed. If newToken is empty the old token is validated and
// passed to next but not consumed, for clients that reuse refresh tokens.
//
// Presenting an already consumed token revokes the family, and returns
// ErrReuseDetected.
func (g *GrantStore) RotateRefreshToken(ctx context.Context, oldToken, newToken string, next func(old *RefreshToken) (*RefreshToken, error)) (*RefreshToken, error) {
	db, release := g.dbAccessor.db()
	defer release()

	now := g.timeNow()
	var (
		issued    *RefreshToken
		rotateErr error
	)
	err := db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket([]byte(bucketRefreshTokens))
		key := hashToken(oldToken)

		var old RefreshToken
		if err := checkRefreshTokenTx(tx, key, &old, now); err != nil {
			if errors.Is(err, ErrAlreadyUsed) {
				if err := revokeFamilyTx(tx.Bucket([]byte(bucketFamilies)), old.FamilyID, RevokeReasonRefreshReuse, now); err != nil {
					return err
				}
				rotateErr = ErrReuseDetected
				return nil
			}
			rotateErr = err
			return nil
		}

		nrt, err := next(&old)
		if err != nil {
			rotateErr = err
			return nil
		}
		if newToken == "" {
			issued = nrt
			return nil
		}

		old.Consumed = true
		old.ConsumedAt = now
		if err := putJSON(tokens, key, &old); err != nil {
			return fmt.Errorf("consume refresh token: %w", err)
		}

		if nrt.ID == "" {
			nrt.ID = uuid.NewString()
		}
		nrt.FamilyID = old.FamilyID
		nrt.ParentID = old.ID
		nrt.CreatedAt = now
		if err := putRefreshTokenTx(tx, newToken, nrt); err != nil {
			return err
		}
		issued = nrt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if rotateErr != nil {
		return nil, rotateErr
	}
	return issued, nil
}

// RevokeFamily revokes every credential in the family. Revoking an already
// revoked or missing family is not an error.
func (g *GrantStore) RevokeFamily(ctx context.Context, familyID, reason string) error {
	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		return revokeFamilyTx(tx.Bucket([]byte(bucketFamilies)), familyID, reason, g.timeNow())
	})
}

func revokeFamilyTx(families *bolt.Bucket, familyID, reason string, now time.Time) error {
	var fam TokenFamily
	found, err := getJSON(families, []byte(familyID), &fam)
	if err != nil {
		return err
	}
	if !found || fam.Revoked {
		return nil
	}
	fam.Revoked = true
	fam.RevokedAt = now
	fam.RevokedReason = reason
	if err := putJSON(families, []byte(familyID), &fam); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	familiesRevokedTotal.WithLabelValues(reason).Inc()
	return nil
}

// GetFamily returns the family, revoked or not.
func (g *GrantStore) GetFamily(ctx context.Context, familyID string) (*TokenFamily, error) {
	db, release := g.dbAccessor.db()
	defer release()

	var fam TokenFamily
	err := db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketFamilies)), []byte(familyID), &fam)
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
	return &fam, nil
}

// ListFamilies returns all unexpired families, optionally filtered to a
// subject.
func (g *GrantStore) ListFamilies(ctx context.Context, subject string) ([]*TokenFamily, error) {
	db, release := g.dbAccessor.db()
	defer release()

	now := g.timeNow()
	var fams []*TokenFamily
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketFamilies)).ForEach(func(k, v []byte) error {
			var fam TokenFamily
			if err := json.Unmarshal(v, &fam); err != nil {
				return nil // skip malformed
			}
			if subject != "" && fam.Subject != subject {
				return nil
			}
			if now.After(fam.ExpiresAt) {
				return nil
			}
			fams = append(fams, &fam)
			return nil
		})
	})
	return fams, err
}

// PutReferenceToken stores an opaque access token. When the token belongs to
// a family, the family lifetime is extended to cover it.
func (g *GrantStore) PutReferenceToken(ctx context.Context, token string, rt *ReferenceToken) error {
	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketReferenceTokens))
		key := hashToken(token)
		if b.Get(key) != nil {
			return ErrAlreadyExists
		}
		if rt.FamilyID != "" {
			families := tx.Bucket([]byte(bucketFamilies))
			var fam TokenFamily
			found, err := getJSON(families, []byte(rt.FamilyID), &fam)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("family %s: %w", rt.FamilyID, ErrNotFound)
			}
			if rt.ExpiresAt.After(fam.ExpiresAt) {
				fam.ExpiresAt = rt.ExpiresAt
				if err := putJSON(families, []byte(fam.ID), &fam); err != nil {
					return fmt.Errorf("update family: %w", err)
				}
			}
		}
		return putJSON(b, key, rt)
	})
}

// GetReferenceToken returns a live reference token. Tokens in a revoked
// family are treated as not found.
func (g *GrantStore) GetReferenceToken(ctx context.Context, token string) (*ReferenceToken, error) {
	db, release := g.dbAccessor.db()
	defer release()

	var rt ReferenceToken
	err := db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket([]byte(bucketReferenceTokens)), hashToken(token), &rt)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if g.timeNow().After(rt.ExpiresAt) {
			return ErrExpired
		}
		if rt.FamilyID != "" {
			var fam TokenFamily
			found, err := getJSON(tx.Bucket([]byte(bucketFamilies)), []byte(rt.FamilyID), &fam)
			if err != nil {
				return err
			}
			if !found || fam.Revoked {
				return ErrFamilyRevoked
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

// DeleteReferenceToken removes a reference token. Missing tokens are not an
// error.
func (g *GrantStore) DeleteReferenceToken(ctx context.Context, token string) error {
	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReferenceTokens)).Delete(hashToken(token))
	})
}
