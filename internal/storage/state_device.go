package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketDeviceCodes = "device_codes"
	bucketUserCodes   = "user_codes"
)

// Device authorization statuses.
const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusDenied   = "denied"
)

// slowDownIncrement is added to the poll interval each time a device polls
// too fast.
const slowDownIncrement = 5 * time.Second

// DeviceAuthorization tracks a device flow request, keyed by the hash of the
// device code, and indexed by the user code.
type DeviceAuthorization struct {
	UserCode  string        `json:"userCode"`
	ClientID  string        `json:"clientID"`
	Scopes    []string      `json:"scopes"`
	Status    string        `json:"status"`
	Subject   string        `json:"subject,omitempty"`
	AuthTime  time.Time     `json:"authTime,omitzero"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Interval  time.Duration `json:"interval"`
	LastPoll  time.Time     `json:"lastPoll,omitzero"`
}

func (g *GrantStore) CreateDeviceAuthorization(ctx context.Context, deviceCode string, da *DeviceAuthorization) error {
	if da.CreatedAt.IsZero() {
		da.CreatedAt = g.timeNow()
	}
	if da.Status == "" {
		da.Status = DeviceStatusPending
	}
	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket([]byte(bucketDeviceCodes))
		users := tx.Bucket([]byte(bucketUserCodes))
		key := hashToken(deviceCode)
		if devices.Get(key) != nil || users.Get([]byte(da.UserCode)) != nil {
			return ErrAlreadyExists
		}
		if err := putJSON(devices, key, da); err != nil {
			return fmt.Errorf("store device authorization: %w", err)
		}
		return users.Put([]byte(da.UserCode), key)
	})
}

// GetDeviceByUserCode returns the pending authorization for a user code.
func (g *GrantStore) GetDeviceByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error) {
	db, release := g.dbAccessor.db()
	defer release()

	var da DeviceAuthorization
	err := db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(bucketUserCodes)).Get([]byte(userCode))
		if key == nil {
			return ErrNotFound
		}
		found, err := getJSON(tx.Bucket([]byte(bucketDeviceCodes)), key, &da)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if g.timeNow().After(da.ExpiresAt) {
			return ErrExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &da, nil
}

// CompleteDeviceAuthorization records the user's decision for a pending user
// code. On approval the granted scopes replace the requested ones.
func (g *GrantStore) CompleteDeviceAuthorization(ctx context.Context, userCode string, approved bool, subject string, authTime time.Time, scopes []string) error {
	db, release := g.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket([]byte(bucketDeviceCodes))
		key := tx.Bucket([]byte(bucketUserCodes)).Get([]byte(userCode))
		if key == nil {
			return ErrNotFound
		}
		var da DeviceAuthorization
		found, err := getJSON(devices, key, &da)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if g.timeNow().After(da.ExpiresAt) {
			return ErrExpired
		}
		if da.Status != DeviceStatusPending {
			return ErrAlreadyUsed
		}
		if approved {
			da.Status = DeviceStatusApproved
			da.Subject = subject
			da.AuthTime = authTime
			da.Scopes = scopes
		} else {
			da.Status = DeviceStatusDenied
		}
		return putJSON(devices, key, &da)
	})
}

// PollDevice is called for each token request by the device. An approved
// authorization is returned exactly once and then removed. Otherwise it
// returns ErrAuthorizationPending, ErrSlowDown, ErrAccessDenied, ErrExpired
// or ErrNotFound. A poll by any client other than the one the code was
// issued to returns ErrClientMismatch and leaves the authorization untouched.
func (g *GrantStore) PollDevice(ctx context.Context, deviceCode, clientID string) (*DeviceAuthorization, error) {
	db, release := g.dbAccessor.db()
	defer release()

	now := g.timeNow()
	var (
		da      DeviceAuthorization
		pollErr error
	)
	err := db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket([]byte(bucketDeviceCodes))
		users := tx.Bucket([]byte(bucketUserCodes))
		key := hashToken(deviceCode)
		found, err := getJSON(devices, key, &da)
		if err != nil {
			return err
		}
		if !found {
			pollErr = ErrNotFound
			return nil
		}
		if da.ClientID != clientID {
			pollErr = ErrClientMismatch
			return nil
		}
		remove := func() error {
			if err := users.Delete([]byte(da.UserCode)); err != nil {
				return err
			}
			return devices.Delete(key)
		}
		if now.After(da.ExpiresAt) {
			pollErr = ErrExpired
			return remove()
		}
		switch da.Status {
		case DeviceStatusApproved:
			return remove()
		case DeviceStatusDenied:
			pollErr = ErrAccessDenied
			return remove()
		}
		if !da.LastPoll.IsZero() && now.Sub(da.LastPoll) < da.Interval {
			da.Interval += slowDownIncrement
			pollErr = ErrSlowDown
		} else {
			pollErr = ErrAuthorizationPending
		}
		da.LastPoll = now
		return putJSON(devices, key, &da)
	})
	if err != nil {
		return nil, fmt.Errorf("poll device: %w", err)
	}
	if pollErr != nil {
		return nil, pollErr
	}
	return &da, nil
}
