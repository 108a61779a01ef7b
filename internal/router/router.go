// Package router maps tenants onto shards. The mapping is a pure
// function of the system_id so every component that routes a record
// lands on the same shard, across restarts and across nodes.
package router

import (
	"fmt"
	"hash/fnv"
)

// DefaultShardCount is the number of routing partitions when none is
// configured. Immutable after first run: changing it remaps tenants.
const DefaultShardCount = 256

// Router owns the shard map.
type Router struct {
	shardCount int
}

// New creates a router over shardCount partitions.
func New(shardCount int) (*Router, error) {
	if shardCount <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	return &Router{shardCount: shardCount}, nil
}

// ShardCount returns N.
func (r *Router) ShardCount() int { return r.shardCount }

// ShardOf returns the shard owning system_id. FNV-64a keeps the mapping
// stable and well distributed for short tenant identifiers.
func (r *Router) ShardOf(systemID string) int {
	h := fnv.New64a()
	h.Write([]byte(systemID))
	return int(h.Sum64() % uint64(r.shardCount))
}

// Targets resolves a query's shard fan-out: exactly one shard when a
// system_id filter is present, otherwise all of them.
func (r *Router) Targets(systemID string) []int {
	if systemID != "" {
		return []int{r.ShardOf(systemID)}
	}
	all := make([]int, r.shardCount)
	for i := range all {
		all[i] = i
	}
	return all
}
