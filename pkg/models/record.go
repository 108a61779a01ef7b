// Package models defines the domain types shared across the memory-mesh
// engine: records and their tiers, uploads, metric points, graph entities
// and edges, and alerts.
package models

import (
	"regexp"
	"time"
)

// Tier identifies the storage level a record currently lives in.
type Tier string

const (
	// TierHot holds recent records in memory with full-precision vectors.
	TierHot Tier = "hot"
	// TierWarm holds aged records on disk with int8-quantized vectors.
	TierWarm Tier = "warm"
	// TierCold holds archived summaries with no vectors.
	TierCold Tier = "cold"
)

// EmbeddingDim is the default dense-vector width produced by the encoder.
const EmbeddingDim = 384

// MaxContentChars bounds record text at ingestion and query text at the
// RPC surface, counted in runes.
const MaxContentChars = 10000

var systemIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidSystemID reports whether id is a well-formed tenant identifier.
// The same rule applies wherever a system_id enters the engine: upload
// paths, query filters and the RPC surface.
func ValidSystemID(id string) bool {
	return systemIDRe.MatchString(id)
}

// MinHashSize is the fixed number of hash slots in a record signature.
const MinHashSize = 128

// Record is the canonical, tier-agnostic unit of stored memory.
// RecordID and ContentHash never change after creation; the remaining
// fields are transformed lossily as the record ages across tiers.
type Record struct {
	// RecordID is a stable opaque identifier, unique process-wide.
	RecordID string `json:"record_id"`

	// SystemID is the owning tenant; it is the shard key.
	SystemID string `json:"system_id"`

	// Content is the original UTF-8 text. Discarded at Hot→Warm.
	Content string `json:"content,omitempty"`

	// Embedding is the full-precision vector. Present only in Hot.
	Embedding []float32 `json:"embedding,omitempty"`

	// QuantEmbedding plus Scale is the int8 symmetric quantization of
	// Embedding. Present only in Warm.
	QuantEmbedding []int8  `json:"quant_embedding,omitempty"`
	Scale          float32 `json:"scale,omitempty"`

	// Metadata carries small string-valued attributes (user_id,
	// project_id, geo hints). Filters are equality predicates over it.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Timestamp is the creation time at source, UTC.
	Timestamp time.Time `json:"timestamp"`

	// ContentHash is the hex SHA-256 of the original content. It is the
	// exact-dedup key and is invariant across tiers.
	ContentHash string `json:"content_hash"`

	// MinHashSig is the near-duplicate sketch (MinHashSize slots).
	MinHashSig []uint64 `json:"minhash_sig,omitempty"`

	// Summary is the extractive 3-sentence summary, populated at Hot→Warm.
	Summary string `json:"summary,omitempty"`

	// UltraSummary is the single-sentence form, populated at Warm→Cold.
	UltraSummary string `json:"ultra_summary,omitempty"`

	// Tier is the level the record currently lives in.
	Tier Tier `json:"tier"`
}

// Clone returns a deep copy so callers can mutate without aliasing
// store-owned slices and maps.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Embedding != nil {
		cp.Embedding = make([]float32, len(r.Embedding))
		copy(cp.Embedding, r.Embedding)
	}
	if r.QuantEmbedding != nil {
		cp.QuantEmbedding = make([]int8, len(r.QuantEmbedding))
		copy(cp.QuantEmbedding, r.QuantEmbedding)
	}
	if r.MinHashSig != nil {
		cp.MinHashSig = make([]uint64, len(r.MinHashSig))
		copy(cp.MinHashSig, r.MinHashSig)
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// MatchesFilter reports whether every equality predicate in filter holds
// for the record's metadata. An empty filter matches everything.
func (r *Record) MatchesFilter(filter map[string]string) bool {
	for k, want := range filter {
		if got, ok := r.Metadata[k]; !ok || got != want {
			return false
		}
	}
	return true
}
