package models

import (
	"time"
)

// SearchFilter is an AND of equality predicates applied to candidates:
// an optional system scope plus exact metadata matches.
type SearchFilter struct {
	SystemID string            `json:"system_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Empty reports whether the filter admits every record.
func (f SearchFilter) Empty() bool {
	return f.SystemID == "" && len(f.Metadata) == 0
}

// Matches applies the filter to a record.
func (f SearchFilter) Matches(r *Record) bool {
	if r == nil {
		return false
	}
	if f.SystemID != "" && r.SystemID != f.SystemID {
		return false
	}
	return r.MatchesFilter(f.Metadata)
}

// SearchResult is one scored hit from a tier search.
type SearchResult struct {
	RecordID string  `json:"record_id"`
	SystemID string  `json:"system_id"`
	Score    float64 `json:"score"`
	// Tier reports which storage level served the hit.
	Tier      Tier      `json:"tier"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary,omitempty"`
}

// SearchResponse is the cross-shard merged answer. Partial is true when
// at least one target shard missed its deadline or failed; its results
// are simply absent from the merge.
type SearchResponse struct {
	Results       []SearchResult `json:"results"`
	Partial       bool           `json:"partial"`
	ShardsQueried []int          `json:"shards_queried"`
	ShardsFailed  []int          `json:"shards_failed"`
}

// FacetCount is one bucket of a faceted aggregation.
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// FacetResponse aggregates a metadata field across shards.
type FacetResponse struct {
	Field         string       `json:"field"`
	Counts        []FacetCount `json:"counts"`
	Partial       bool         `json:"partial"`
	ShardsQueried []int        `json:"shards_queried"`
	ShardsFailed  []int        `json:"shards_failed"`
}
