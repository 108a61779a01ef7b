// Package index maintains the per-shard approximate-nearest-neighbor
// index. Graphs are built in batches and published atomically; readers
// never lock. Below the build threshold shards stay on brute force.
package index

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/memory-mesh/memory-mesh/pkg/vectormath"
)

// Config tunes HNSW construction and search.
type Config struct {
	// M is the maximum connections per node above layer 0 (layer 0
	// allows 2M).
	M int `mapstructure:"m"`
	// EfConstruction is the candidate-list width during build.
	EfConstruction int `mapstructure:"ef_construction"`
	// EfSearch is the candidate-list width during queries.
	EfSearch int `mapstructure:"ef_search"`
	// BuildThreshold is the shard cardinality below which no graph is
	// built and searches brute-force instead.
	BuildThreshold int `mapstructure:"build_threshold"`
	// RebuildFraction triggers a rebuild once changes since the last
	// build exceed this share of live cardinality.
	RebuildFraction float64 `mapstructure:"rebuild_fraction"`
	// RebuildInterval triggers a rebuild once this much time has passed
	// since the last build and at least one change happened.
	RebuildInterval string `mapstructure:"rebuild_interval"`
}

// DefaultConfig mirrors the widely used HNSW parameterization.
func DefaultConfig() Config {
	return Config{
		M:               16,
		EfConstruction:  200,
		EfSearch:        50,
		BuildThreshold:  1000,
		RebuildFraction: 0.10,
		RebuildInterval: "1h",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.M <= 0 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	if c.BuildThreshold <= 0 {
		c.BuildThreshold = d.BuildThreshold
	}
	if c.RebuildFraction <= 0 {
		c.RebuildFraction = d.RebuildFraction
	}
	return c
}

// Item is one vector to index.
type Item struct {
	ID     string
	Vector []float32
}

// Candidate is one scored index hit. Score is cosine similarity.
type Candidate struct {
	ID    string
	Score float64
}

// ErrCorrupted is returned when traversal hits a structurally invalid
// graph. Callers degrade the shard to brute force.
var ErrCorrupted = fmt.Errorf("hnsw graph corrupted")

type hnswNode struct {
	id  string
	vec []float32
	// neighbors[l] holds node indexes connected at layer l; the slice
	// length is the node's level+1.
	neighbors [][]int32
}

// Graph is an immutable HNSW graph. Safe for concurrent reads after
// Build returns; it is never mutated afterwards.
type Graph struct {
	cfg      Config
	nodes    []hnswNode
	entry    int32
	maxLevel int
}

// Build constructs a graph over items. Vectors are L2-normalized into
// the graph so traversal distance is 1 - dot. The seed fixes level
// assignment, keeping builds reproducible for a given input order.
func Build(items []Item, cfg Config, seed int64) *Graph {
	cfg = cfg.withDefaults()
	g := &Graph{cfg: cfg, entry: -1, maxLevel: -1}
	if len(items) == 0 {
		return g
	}

	rng := rand.New(rand.NewSource(seed))
	mL := 1 / math.Log(float64(cfg.M))
	g.nodes = make([]hnswNode, 0, len(items))

	for _, it := range items {
		level := g.randomLevel(rng, mL)
		idx := int32(len(g.nodes))
		g.nodes = append(g.nodes, hnswNode{
			id:        it.ID,
			vec:       vectormath.NormalizeL2(it.Vector),
			neighbors: make([][]int32, level+1),
		})

		if idx == 0 {
			g.entry = 0
			g.maxLevel = level
			continue
		}
		g.insert(idx, level)
	}
	return g
}

// Len reports the number of indexed vectors.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.nodes)
}

// randomLevel draws the layer for a new node from the standard
// exponential distribution, capped to keep descent bounded.
func (g *Graph) randomLevel(rng *rand.Rand, mL float64) int {
	level := int(-math.Log(rng.Float64()+1e-12) * mL)
	if level > 32 {
		level = 32
	}
	return level
}

func (g *Graph) dist(a []float32, idx int32) float64 {
	return 1 - vectormath.Dot(a, g.nodes[idx].vec)
}

func (g *Graph) maxNeighbors(level int) int {
	if level == 0 {
		return g.cfg.M * 2
	}
	return g.cfg.M
}

// insert wires node idx (with the given top level) into the graph.
// Build is single-goroutine, so the error paths of searchLayer cannot
// fire here.
func (g *Graph) insert(idx int32, level int) {
	query := g.nodes[idx].vec
	cur := g.entry
	curDist := g.dist(query, cur)

	// Greedy descent through layers above the node's level.
	for l := g.maxLevel; l > level; l-- {
		for changed := true; changed; {
			changed = false
			for _, nb := range g.nodes[cur].neighbors[l] {
				if d := g.dist(query, nb); d < curDist {
					cur, curDist = nb, d
					changed = true
				}
			}
		}
	}

	top := level
	if top > g.maxLevel {
		top = g.maxLevel
	}
	for l := top; l >= 0; l-- {
		found, _ := g.searchLayer(query, cur, g.cfg.EfConstruction, l)

		m := g.cfg.M
		if m > len(found) {
			m = len(found)
		}
		chosen := make([]int32, m)
		for i := 0; i < m; i++ {
			chosen[i] = found[i].idx
		}
		g.nodes[idx].neighbors[l] = chosen

		for _, nb := range chosen {
			g.nodes[nb].neighbors[l] = append(g.nodes[nb].neighbors[l], idx)
			if limit := g.maxNeighbors(l); len(g.nodes[nb].neighbors[l]) > limit {
				g.pruneNeighbors(nb, l, limit)
			}
		}

		if len(found) > 0 {
			cur = found[0].idx
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = idx
	}
}

// pruneNeighbors keeps the limit closest connections of node n at layer l.
func (g *Graph) pruneNeighbors(n int32, l, limit int) {
	own := g.nodes[n].vec
	nbs := g.nodes[n].neighbors[l]
	sort.Slice(nbs, func(a, b int) bool {
		return g.dist(own, nbs[a]) < g.dist(own, nbs[b])
	})
	g.nodes[n].neighbors[l] = nbs[:limit]
}

type heapEntry struct {
	idx  int32
	dist float64
}

// nearestHeap pops the closest entry first.
type nearestHeap []heapEntry

func (h nearestHeap) Len() int            { return len(h) }
func (h nearestHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h nearestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nearestHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *nearestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// farthestHeap pops the farthest entry first; it bounds the result set.
type farthestHeap []heapEntry

func (h farthestHeap) Len() int            { return len(h) }
func (h farthestHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h farthestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *farthestHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *farthestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// searchLayer is the standard HNSW beam search at one layer, returning
// up to ef entries sorted by distance ascending. Neighbor indexes are
// bounds-checked as they are touched; a violation means the graph
// memory is damaged and the search cannot be trusted.
func (g *Graph) searchLayer(query []float32, entry int32, ef, level int) ([]heapEntry, error) {
	n := int32(len(g.nodes))
	visited := make(map[int32]struct{}, ef*4)
	visited[entry] = struct{}{}

	entryDist := g.dist(query, entry)
	candidates := nearestHeap{{entry, entryDist}}
	results := farthestHeap{{entry, entryDist}}

	for candidates.Len() > 0 {
		c := heap.Pop(&candidates).(heapEntry)
		if results.Len() >= ef && c.dist > results[0].dist {
			break
		}

		var nbs []int32
		if level < len(g.nodes[c.idx].neighbors) {
			nbs = g.nodes[c.idx].neighbors[level]
		}
		for _, nb := range nbs {
			if nb < 0 || nb >= n {
				return nil, ErrCorrupted
			}
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			d := g.dist(query, nb)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, heapEntry{nb, d})
				heap.Push(&results, heapEntry{nb, d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]heapEntry, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&results).(heapEntry)
	}
	return out, nil
}

// Search returns up to k candidates nearest to query by cosine
// similarity, sorted by score descending with ties broken by smaller ID.
// Structural damage surfaces as ErrCorrupted so the caller can fall back
// to brute force and degrade the shard.
func (g *Graph) Search(query []float32, k, ef int) ([]Candidate, error) {
	if g == nil || len(g.nodes) == 0 || k <= 0 {
		return nil, nil
	}
	if g.entry < 0 || int(g.entry) >= len(g.nodes) || g.maxLevel >= len(g.nodes[g.entry].neighbors) {
		return nil, ErrCorrupted
	}
	if ef < k {
		ef = k
	}
	if ef < g.cfg.EfSearch {
		ef = g.cfg.EfSearch
	}

	n := int32(len(g.nodes))
	q := vectormath.NormalizeL2(query)
	cur := g.entry
	curDist := g.dist(q, cur)

	for l := g.maxLevel; l > 0; l-- {
		for changed := true; changed; {
			changed = false
			for _, nb := range g.nodes[cur].neighbors[l] {
				if nb < 0 || nb >= n {
					return nil, ErrCorrupted
				}
				if d := g.dist(q, nb); d < curDist {
					cur, curDist = nb, d
					changed = true
				}
			}
		}
	}

	found, err := g.searchLayer(q, cur, ef, 0)
	if err != nil {
		return nil, err
	}
	if k > len(found) {
		k = len(found)
	}

	out := make([]Candidate, 0, k)
	for _, e := range found {
		out = append(out, Candidate{ID: g.nodes[e.idx].id, Score: 1 - e.dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out[:k], nil
}
