package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

// GCResult counts the records removed by a collection, by kind.
type GCResult map[string]int

// sweepBucket deletes every entry for which expired returns true.
func sweepBucket(b *bolt.Bucket, expired func(v []byte) bool) (int, error) {
	var toDelete [][]byte
	if err := b.ForEach(func(k, v []byte) error {
		if v != nil && expired(v) {
			toDelete = append(toDelete, k)
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("iterating bucket: %w", err)
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return 0, fmt.Errorf("deleting expired entry: %w", err)
		}
	}
	return len(toDelete), nil
}

// expiresBefore decodes the expiresAt field of a record and reports whether
// it is before cutoff. Undecodable records are considered expired.
func expiresBefore(cutoff time.Time) func(v []byte) bool {
	return func(v []byte) bool {
		var rec struct {
			ExpiresAt time.Time `json:"expiresAt"`
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return true
		}
		return !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(cutoff)
	}
}

// GarbageCollect removes expired grants, pending authorizations, consents,
// device authorizations and sessions in a single transaction.
func (s *State) GarbageCollect(ctx context.Context) (GCResult, error) {
	db, release := s.dbAccessor.db()
	defer release()

	now := time.Now()
	res := GCResult{}
	err := db.Update(func(tx *bolt.Tx) error {
		sweeps := []struct {
			kind   string
			bucket string
			cutoff time.Time
		}{
			{"auth_code", bucketAuthCodes, now},
			{"refresh_token", bucketRefreshTokens, now},
			{"family", bucketFamilies, now},
			{"reference_token", bucketReferenceTokens, now},
			{"consent", bucketConsents, now},
			{"pending_authorization", bucketPending, now.Add(-pendingRetention)},
			{"session", bucketSessions, now},
		}
		for _, sw := range sweeps {
			n, err := sweepBucket(tx.Bucket([]byte(sw.bucket)), expiresBefore(sw.cutoff))
			if err != nil {
				return fmt.Errorf("sweep %s: %w", sw.kind, err)
			}
			res[sw.kind] = n
		}

		// device codes carry a user code index that has to go with them.
		devices := tx.Bucket([]byte(bucketDeviceCodes))
		users := tx.Bucket([]byte(bucketUserCodes))
		var expiredUserCodes [][]byte
		n, err := sweepBucket(devices, func(v []byte) bool {
			var da DeviceAuthorization
			if err := json.Unmarshal(v, &da); err != nil {
				return true
			}
			if da.ExpiresAt.Before(now) {
				expiredUserCodes = append(expiredUserCodes, []byte(da.UserCode))
				return true
			}
			return false
		})
		if err != nil {
			return fmt.Errorf("sweep device codes: %w", err)
		}
		for _, uc := range expiredUserCodes {
			if err := users.Delete(uc); err != nil {
				return fmt.Errorf("delete user code: %w", err)
			}
		}
		res["device_code"] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("garbage collect: %w", err)
	}
	for kind, n := range res {
		gcDeletedTotal.WithLabelValues(kind).Add(float64(n))
	}
	return res, nil
}

// RunGC collects garbage every interval until ctx is cancelled. Failures are
// logged, and collection is retried on the next tick.
func (s *State) RunGC(ctx context.Context, log *slog.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.GarbageCollect(ctx)
			if err != nil {
				log.ErrorContext(ctx, "garbage collection failed", "err", err)
				continue
			}
			attrs := make([]any, 0, len(res)*2)
			for kind, n := range res {
				attrs = append(attrs, kind, n)
			}
			log.DebugContext(ctx, "garbage collection complete", attrs...)
		}
	}
}
