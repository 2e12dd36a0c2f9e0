package storage

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tink-crypto/tink-go/v2/keyset"
	tinkrotatev1 "lds.li/tinkrotate/proto/tinkrotate/v1"
)

var (
	keysetKeyCreatedTimestampSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyset_key_created_timestamp_seconds",
			Help: "Unix timestamp (seconds) when a key in a keyset was created",
		},
		[]string{"keyset_name", "key_id"},
	)

	keysetKeyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyset_key_count",
			Help: "Number of keys in a keyset",
		},
		[]string{"keyset_name"},
	)

	stateBoltFileSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "state_bolt_file_size_bytes",
			Help: "Size in bytes of the BoltDB state file",
		},
	)

	gcDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_gc_deleted_total",
			Help: "Number of expired records removed by garbage collection",
		},
		[]string{"kind"},
	)

	familiesRevokedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_families_revoked_total",
			Help: "Number of token families revoked",
		},
		[]string{"reason"},
	)

	// reportedKeys tracks which keys we've reported metrics for, per keyset.
	// Map structure: keysetName -> map[keyID]bool
	reportedKeys sync.Map
)

func reportKeysetMetrics(keysetName string, handle *keyset.Handle, metadata *tinkrotatev1.KeyRotationMetadata) {
	if handle == nil || metadata == nil {
		return
	}
	keysetInfo := handle.KeysetInfo()
	if keysetInfo == nil {
		return
	}

	keyMetadata := metadata.GetKeyMetadata()
	current := make(map[string]bool)
	for _, keyInfo := range keysetInfo.KeyInfo {
		keyID := fmt.Sprintf("%d", keyInfo.KeyId)
		current[keyID] = true
		if km, ok := keyMetadata[keyInfo.KeyId]; ok && km.GetCreationTime() != nil {
			keysetKeyCreatedTimestampSeconds.WithLabelValues(keysetName, keyID).Set(float64(km.GetCreationTime().AsTime().Unix()))
		}
	}

	if prev, ok := reportedKeys.Load(keysetName); ok {
		for keyID := range prev.(map[string]bool) {
			if !current[keyID] {
				keysetKeyCreatedTimestampSeconds.DeleteLabelValues(keysetName, keyID)
			}
		}
	}

	reportedKeys.Store(keysetName, current)
	keysetKeyCount.WithLabelValues(keysetName).Set(float64(len(current)))
}

// forgetKeysetMetrics drops the series of a deleted keyset.
func forgetKeysetMetrics(keysetName string) {
	if prev, ok := reportedKeys.LoadAndDelete(keysetName); ok {
		for keyID := range prev.(map[string]bool) {
			keysetKeyCreatedTimestampSeconds.DeleteLabelValues(keysetName, keyID)
		}
	}
	keysetKeyCount.DeleteLabelValues(keysetName)
}

func reportStateFileSize(path string) {
	size, err := getFileSize(path)
	if err != nil {
		return
	}
	stateBoltFileSizeBytes.Set(float64(size))
}
