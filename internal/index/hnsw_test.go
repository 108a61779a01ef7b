package index

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-mesh/memory-mesh/pkg/vectormath"
)

func randomItems(t testing.TB, n, dim int, seed int64) []Item {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	items := make([]Item, n)
	for i := range items {
		vec := make([]float32, dim)
		for d := range vec {
			vec[d] = float32(rng.NormFloat64())
		}
		items[i] = Item{ID: fmt.Sprintf("rec-%04d", i), Vector: vectormath.NormalizeL2(vec)}
	}
	return items
}

func bruteForceTop1(items []Item, query []float32) string {
	best, bestScore := "", -2.0
	for _, it := range items {
		if s := vectormath.CosineSimilarity(query, it.Vector); s > bestScore {
			best, bestScore = it.ID, s
		}
	}
	return best
}

func TestBuildEmpty(t *testing.T) {
	g := Build(nil, DefaultConfig(), 1)
	require.NotNil(t, g)
	assert.Equal(t, 0, g.Len())

	results, err := g.Search([]float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchSingleItem(t *testing.T) {
	items := []Item{{ID: "only", Vector: []float32{1, 0, 0, 0}}}
	g := Build(items, DefaultConfig(), 1)

	results, err := g.Search([]float32{0.9, 0.1, 0, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "only", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.05)
}

func TestSearchKZero(t *testing.T) {
	g := Build(randomItems(t, 10, 8, 1), DefaultConfig(), 1)
	results, err := g.Search([]float32{1, 0, 0, 0, 0, 0, 0, 0}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRecall(t *testing.T) {
	const (
		n       = 2000
		dim     = 32
		queries = 100
	)
	items := randomItems(t, n, dim, 7)
	g := Build(items, DefaultConfig(), 7)
	require.Equal(t, n, g.Len())

	rng := rand.New(rand.NewSource(99))
	hits := 0
	for q := 0; q < queries; q++ {
		query := make([]float32, dim)
		for d := range query {
			query[d] = float32(rng.NormFloat64())
		}
		query = vectormath.NormalizeL2(query)

		want := bruteForceTop1(items, query)
		got, err := g.Search(query, 1, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		if got[0].ID == want {
			hits++
		}
	}
	recall := float64(hits) / queries
	assert.GreaterOrEqual(t, recall, 0.95, "top-1 recall %0.2f too low", recall)
}

func TestSearchResultsAreIndexedIDs(t *testing.T) {
	items := randomItems(t, 300, 16, 3)
	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.ID] = true
	}
	g := Build(items, DefaultConfig(), 3)

	query := vectormath.NormalizeL2(items[42].Vector)
	results, err := g.Search(query, 20, 0)
	require.NoError(t, err)
	require.Len(t, results, 20)

	seen := make(map[string]bool, len(results))
	for _, r := range results {
		assert.True(t, known[r.ID], "unknown id %s", r.ID)
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
}

func TestSearchOrdering(t *testing.T) {
	items := randomItems(t, 500, 16, 5)
	g := Build(items, DefaultConfig(), 5)

	results, err := g.Search(items[0].Vector, 25, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, items[0].ID, results[0].ID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearchKLargerThanGraph(t *testing.T) {
	items := randomItems(t, 15, 8, 11)
	g := Build(items, DefaultConfig(), 11)

	results, err := g.Search(items[3].Vector, 100, 0)
	require.NoError(t, err)
	assert.Len(t, results, 15)
}

func TestBuildDeterministic(t *testing.T) {
	items := randomItems(t, 400, 16, 13)
	g1 := Build(items, DefaultConfig(), 42)
	g2 := Build(items, DefaultConfig(), 42)

	query := vectormath.NormalizeL2(items[100].Vector)
	r1, err := g1.Search(query, 10, 0)
	require.NoError(t, err)
	r2, err := g2.Search(query, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestSearchCorruptedEdge(t *testing.T) {
	items := randomItems(t, 100, 8, 17)
	g := Build(items, DefaultConfig(), 17)

	// Damage the first edge at every layer of the entry node; descent
	// starts there, so any route the search takes reads one of them.
	require.NotEmpty(t, g.nodes[g.entry].neighbors[0])
	for _, nbs := range g.nodes[g.entry].neighbors {
		if len(nbs) > 0 {
			nbs[0] = 1 << 20
		}
	}

	_, err := g.Search(items[0].Vector, 5, 0)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestSearchCorruptedEntry(t *testing.T) {
	items := randomItems(t, 50, 8, 19)
	g := Build(items, DefaultConfig(), 19)
	g.entry = 1 << 20

	_, err := g.Search(items[0].Vector, 5, 0)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 16, cfg.M)
	assert.Equal(t, 200, cfg.EfConstruction)
	assert.Equal(t, 50, cfg.EfSearch)
	assert.Equal(t, 1000, cfg.BuildThreshold)
	assert.InDelta(t, 0.10, cfg.RebuildFraction, 1e-9)
}

func BenchmarkBuild(b *testing.B) {
	items := randomItems(b, 2000, 32, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Build(items, DefaultConfig(), int64(i))
	}
}

func BenchmarkSearch(b *testing.B) {
	items := randomItems(b, 5000, 32, 1)
	g := Build(items, DefaultConfig(), 1)
	query := items[123].Vector
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := g.Search(query, 10, 0); err != nil {
			b.Fatal(err)
		}
	}
}
