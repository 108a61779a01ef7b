package models

import (
	"fmt"
	"time"
)

// Common entity types fed by ingestion.
const (
	EntityTypeUser    = "user"
	EntityTypeProject = "project"
	EntityTypeSystem  = "system"
	EntityTypeRecord  = "record"
)

// Relation types produced by ingestion.
const (
	// RelationNearDuplicate links a newly ingested record to the record
	// it was detected as a near-duplicate of.
	RelationNearDuplicate = "is_near_duplicate_of"
	// RelationBelongsTo links a record entity to its source system.
	RelationBelongsTo = "belongs_to"
)

// Entity is a typed node in the knowledge graph. EntityID follows the
// "type:natural_key" form.
type Entity struct {
	EntityID     string                 `json:"entity_id"`
	EntityType   string                 `json:"entity_type"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
	SourceSystem string                 `json:"source_system"`
	CreatedAt    time.Time              `json:"created_at"`
}

// EntityKey builds the canonical "type:natural_key" identifier.
func EntityKey(entityType, naturalKey string) string {
	return fmt.Sprintf("%s:%s", entityType, naturalKey)
}

// Edge is a directed, typed, weighted relation between two entities.
// Edges between the same pair may coexist under different relation
// types; re-adding the same (source, target, relation) updates the
// weight.
type Edge struct {
	SourceID     string                 `json:"source_id"`
	TargetID     string                 `json:"target_id"`
	RelationType string                 `json:"relation_type"`
	Weight       float64                `json:"weight"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
	SourceSystem string                 `json:"source_system"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Neighbor is one adjacency entry in the undirected view of the graph.
type Neighbor struct {
	EntityID     string  `json:"entity_id"`
	RelationType string  `json:"relation_type"`
	Weight       float64 `json:"weight"`
	// Outgoing is true when the edge points from the queried entity to
	// this neighbor.
	Outgoing bool `json:"outgoing"`
}

// GraphStatistics summarizes graph cardinalities.
type GraphStatistics struct {
	EntityCount    int            `json:"entity_count"`
	EdgeCount      int            `json:"edge_count"`
	EntitiesByType map[string]int `json:"entities_by_type"`
	EdgesByType    map[string]int `json:"edges_by_type"`
}
