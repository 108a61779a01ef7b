package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Well-known alert types emitted by the engine.
const (
	AlertTypeShardDegraded  = "shard_degraded"
	AlertTypeBreakerOpen    = "circuit_breaker_open"
	AlertTypeIngestFailure  = "ingest_failure"
	AlertTypeHighLatency    = "high_latency"
	AlertTypeLowHitRate     = "low_hit_rate"
	AlertTypeAgingFailure   = "aging_failure"
	AlertTypeDataCorruption = "data_corruption"
)

// Alert is one alerting event. Fingerprint dedups re-delivery within the
// manager's suppression window.
type Alert struct {
	AlertID   string            `json:"alert_id"`
	AlertType string            `json:"alert_type"`
	Severity  AlertSeverity     `json:"severity"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	// Fingerprint derives from the alert type and the dedup-relevant
	// metadata; identical fingerprints within the suppression window
	// deliver only once.
	Fingerprint string `json:"fingerprint"`
}

// ComputeFingerprint builds the stable dedup key for an alert type and
// metadata set. Keys are folded in sorted order so map iteration order
// cannot change the result.
func ComputeFingerprint(alertType string, metadata map[string]string) string {
	h := sha256.New()
	h.Write([]byte(alertType))
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(metadata[k]))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
