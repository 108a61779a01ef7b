// Package graph implements the cross-system knowledge graph: typed
// entities, weighted directed edges, an undirected neighbor view and
// bidirectional BFS path search. One exclusive writer mutates the
// adjacency maps; readers copy what they need under a shared lock.
package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// DefaultMaxHops bounds path searches when the caller does not say.
const DefaultMaxHops = 6

type edgeKey struct {
	source   string
	target   string
	relation string
}

// Graph is the in-memory knowledge graph. Safe for concurrent use.
type Graph struct {
	cfg    Config
	logger observability.Logger

	mu       sync.RWMutex
	entities map[string]*models.Entity
	outgoing map[string][]*models.Edge
	incoming map[string][]*models.Edge
	byKey    map[edgeKey]*models.Edge
	now      func() time.Time
}

// Config controls snapshot persistence.
type Config struct {
	// SnapshotDir receives JSON snapshots; empty disables persistence.
	SnapshotDir string
	// SnapshotRetention is how many snapshot files to keep.
	SnapshotRetention int
}

// DefaultConfig returns the persistence defaults.
func DefaultConfig() Config {
	return Config{SnapshotRetention: 5}
}

// New creates an empty graph.
func New(cfg Config, logger observability.Logger) *Graph {
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = 5
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Graph{
		cfg:      cfg,
		logger:   logger,
		entities: make(map[string]*models.Entity),
		outgoing: make(map[string][]*models.Edge),
		incoming: make(map[string][]*models.Edge),
		byKey:    make(map[edgeKey]*models.Edge),
		now:      time.Now,
	}
}

// UpsertEntity inserts or refreshes an entity. The first writer wins
// for source_system and created_at; properties merge last-writer-wins.
func (g *Graph) UpsertEntity(e models.Entity) error {
	if e.EntityID == "" {
		return faults.New(faults.KindValidation, "entity_id must be non-empty")
	}
	if e.EntityType == "" {
		return faults.New(faults.KindValidation, "entity_type must be non-empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.entities[e.EntityID]
	if !ok {
		ent := e
		if ent.CreatedAt.IsZero() {
			ent.CreatedAt = g.now().UTC()
		}
		ent.Properties = cloneProps(e.Properties)
		g.entities[e.EntityID] = &ent
		return nil
	}

	if existing.EntityType != e.EntityType {
		return faults.Newf(faults.KindValidation,
			"entity %s already registered with type %s", e.EntityID, existing.EntityType)
	}
	if len(e.Properties) > 0 {
		if existing.Properties == nil {
			existing.Properties = make(map[string]interface{}, len(e.Properties))
		}
		for k, v := range e.Properties {
			existing.Properties[k] = v
		}
	}
	return nil
}

// AddEdge inserts a directed edge. Both endpoints must exist. An edge
// with the same (source, target, relation_type) updates the stored
// weight instead of adding a parallel edge; different relation types
// between the same pair coexist.
func (g *Graph) AddEdge(e models.Edge) error {
	if e.SourceID == "" || e.TargetID == "" {
		return faults.New(faults.KindValidation, "edge endpoints must be non-empty")
	}
	if e.RelationType == "" {
		return faults.New(faults.KindValidation, "relation_type must be non-empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entities[e.SourceID]; !ok {
		return faults.Newf(faults.KindTerminalTransport, "source entity %s not found", e.SourceID)
	}
	if _, ok := g.entities[e.TargetID]; !ok {
		return faults.Newf(faults.KindTerminalTransport, "target entity %s not found", e.TargetID)
	}

	key := edgeKey{source: e.SourceID, target: e.TargetID, relation: e.RelationType}
	if existing, ok := g.byKey[key]; ok {
		existing.Weight = e.Weight
		if len(e.Properties) > 0 {
			if existing.Properties == nil {
				existing.Properties = make(map[string]interface{}, len(e.Properties))
			}
			for k, v := range e.Properties {
				existing.Properties[k] = v
			}
		}
		return nil
	}

	edge := e
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = g.now().UTC()
	}
	edge.Properties = cloneProps(e.Properties)
	g.byKey[key] = &edge
	g.outgoing[e.SourceID] = append(g.outgoing[e.SourceID], &edge)
	g.incoming[e.TargetID] = append(g.incoming[e.TargetID], &edge)
	return nil
}

// Entity returns a copy of the stored entity.
func (g *Graph) Entity(entityID string) (models.Entity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.entities[entityID]
	if !ok {
		return models.Entity{}, faults.Newf(faults.KindTerminalTransport, "entity %s not found", entityID)
	}
	out := *e
	out.Properties = cloneProps(e.Properties)
	return out, nil
}

// Neighbors returns the undirected adjacency of an entity, optionally
// filtered by relation type, ordered by relation_type then entity_id.
func (g *Graph) Neighbors(entityID, relationType string, limit int) ([]models.Neighbor, error) {
	if entityID == "" {
		return nil, faults.New(faults.KindValidation, "entity_id must be non-empty")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[entityID]; !ok {
		return nil, faults.Newf(faults.KindTerminalTransport, "entity %s not found", entityID)
	}

	out := make([]models.Neighbor, 0, len(g.outgoing[entityID])+len(g.incoming[entityID]))
	for _, e := range g.outgoing[entityID] {
		if relationType != "" && e.RelationType != relationType {
			continue
		}
		out = append(out, models.Neighbor{
			EntityID:     e.TargetID,
			RelationType: e.RelationType,
			Weight:       e.Weight,
			Outgoing:     true,
		})
	}
	for _, e := range g.incoming[entityID] {
		if relationType != "" && e.RelationType != relationType {
			continue
		}
		out = append(out, models.Neighbor{
			EntityID:     e.SourceID,
			RelationType: e.RelationType,
			Weight:       e.Weight,
			Outgoing:     false,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RelationType != out[j].RelationType {
			return out[i].RelationType < out[j].RelationType
		}
		return out[i].EntityID < out[j].EntityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ShortestPath runs a bidirectional BFS over the undirected view,
// alternating the smaller frontier, and stops at the first frontier
// intersection. It returns nil when either endpoint is absent or no
// path exists within maxHops edges.
func (g *Graph) ShortestPath(ctx context.Context, sourceID, targetID string, maxHops int) ([]string, error) {
	if sourceID == "" || targetID == "" {
		return nil, faults.New(faults.KindValidation, "path endpoints must be non-empty")
	}
	if maxHops < 0 {
		return nil, faults.New(faults.KindValidation, "max_hops must be non-negative")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[sourceID]; !ok {
		return nil, nil
	}
	if _, ok := g.entities[targetID]; !ok {
		return nil, nil
	}
	if sourceID == targetID {
		return []string{sourceID}, nil
	}

	// Roots carry an empty-string parent sentinel; entity ids are
	// validated non-empty on insert.
	parentF := map[string]string{sourceID: ""}
	parentB := map[string]string{targetID: ""}
	frontF := []string{sourceID}
	frontB := []string{targetID}

	for hops := 0; hops < maxHops && len(frontF) > 0 && len(frontB) > 0; hops++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if len(frontF) <= len(frontB) {
			next, meet := g.expand(frontF, parentF, parentB)
			if meet != "" {
				return buildPath(meet, parentF, parentB), nil
			}
			frontF = next
		} else {
			next, meet := g.expand(frontB, parentB, parentF)
			if meet != "" {
				return buildPath(meet, parentF, parentB), nil
			}
			frontB = next
		}
	}
	return nil, nil
}

// expand walks one BFS level. It records parents into visited and
// reports the first node already known to the opposite search.
func (g *Graph) expand(frontier []string, visited, other map[string]string) (next []string, meet string) {
	for _, node := range frontier {
		for _, nb := range g.adjacentIDs(node) {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = node
			if _, ok := other[nb]; ok {
				return nil, nb
			}
			next = append(next, nb)
		}
	}
	return next, ""
}

func (g *Graph) adjacentIDs(node string) []string {
	out := make([]string, 0, len(g.outgoing[node])+len(g.incoming[node]))
	seen := make(map[string]struct{}, cap(out))
	for _, e := range g.outgoing[node] {
		if _, dup := seen[e.TargetID]; !dup {
			seen[e.TargetID] = struct{}{}
			out = append(out, e.TargetID)
		}
	}
	for _, e := range g.incoming[node] {
		if _, dup := seen[e.SourceID]; !dup {
			seen[e.SourceID] = struct{}{}
			out = append(out, e.SourceID)
		}
	}
	return out
}

func buildPath(meet string, parentF, parentB map[string]string) []string {
	var path []string
	for n := meet; n != ""; n = parentF[n] {
		path = append(path, n)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	for n := parentB[meet]; n != ""; n = parentB[n] {
		path = append(path, n)
	}
	return path
}

// DuplicateRoot resolves the canonical member of a near-duplicate
// cluster by following is_near_duplicate_of edges to their end. An
// unknown entity is its own root.
func (g *Graph) DuplicateRoot(entityID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]struct{}{entityID: {}}
	cur := entityID
	for {
		var next string
		for _, e := range g.outgoing[cur] {
			if e.RelationType == models.RelationNearDuplicate {
				next = e.TargetID
				break
			}
		}
		if next == "" {
			return cur
		}
		if _, cycle := seen[next]; cycle {
			return cur
		}
		seen[next] = struct{}{}
		cur = next
	}
}

// Statistics reports graph cardinalities.
func (g *Graph) Statistics() models.GraphStatistics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := models.GraphStatistics{
		EntityCount:    len(g.entities),
		EdgeCount:      len(g.byKey),
		EntitiesByType: make(map[string]int),
		EdgesByType:    make(map[string]int),
	}
	for _, e := range g.entities {
		stats.EntitiesByType[e.EntityType]++
	}
	for _, e := range g.byKey {
		stats.EdgesByType[e.RelationType]++
	}
	return stats
}

func cloneProps(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
