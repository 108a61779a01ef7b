package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardOf_Deterministic(t *testing.T) {
	r, err := New(256)
	require.NoError(t, err)

	first := r.ShardOf("tenant-42")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, r.ShardOf("tenant-42"))
	}
}

func TestShardOf_InRange(t *testing.T) {
	r, _ := New(16)
	for i := 0; i < 1000; i++ {
		shard := r.ShardOf(fmt.Sprintf("system-%d", i))
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 16)
	}
}

func TestShardOf_SpreadsTenants(t *testing.T) {
	r, _ := New(16)
	seen := make(map[int]int)
	for i := 0; i < 1600; i++ {
		seen[r.ShardOf(fmt.Sprintf("system-%d", i))]++
	}
	// Every shard should receive a reasonable share of 1600 tenants.
	for shard := 0; shard < 16; shard++ {
		assert.Greater(t, seen[shard], 20, "shard %d starved", shard)
	}
}

func TestTargets(t *testing.T) {
	r, _ := New(4)

	one := r.Targets("tenant-a")
	require.Len(t, one, 1)
	assert.Equal(t, r.ShardOf("tenant-a"), one[0])

	all := r.Targets("")
	assert.Equal(t, []int{0, 1, 2, 3}, all)
}

func TestNew_RejectsNonPositiveCount(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(-1)
	assert.Error(t, err)
}
