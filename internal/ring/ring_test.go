package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// TestFairDeterministic verifies the ring is identical across constructions,
// which peers rely on to agree on point placement.
func TestFairDeterministic(t *testing.T) {
	a := Fair(16)
	b := Fair(16)

	for i := uint64(0); i < 1000; i++ {
		id := cluster.NumID(i)
		assert.Equal(t, a.ShardOf(id), b.ShardOf(id), "id %d", i)
	}
}

// TestShardOfTotality verifies every point id maps to exactly one valid
// shard.
func TestShardOfTotality(t *testing.T) {
	tests := []struct {
		name        string
		shardNumber uint32
	}{
		{name: "single shard", shardNumber: 1},
		{name: "four shards", shardNumber: 4},
		{name: "many shards", shardNumber: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Fair(tt.shardNumber)
			for i := uint64(0); i < 500; i++ {
				shard := r.ShardOf(cluster.NumID(i))
				assert.Less(t, uint32(shard), tt.shardNumber)
			}
		})
	}
}

// TestFairDistribution verifies no shard is starved: with enough points,
// every shard owns a reasonable fraction.
func TestFairDistribution(t *testing.T) {
	const shards = 8
	const points = 8000

	r := Fair(shards)
	counts := make(map[cluster.ShardID]int)
	for i := uint64(0); i < points; i++ {
		counts[r.ShardOf(cluster.NumID(i))]++
	}

	require.Len(t, counts, shards, "every shard should own points")
	for shard, count := range counts {
		// Perfectly even would be 1000 per shard; allow generous skew.
		assert.Greater(t, count, points/shards/4, "shard %d is starved", shard)
	}
}

// TestSingleShardRouting verifies the degenerate single-shard ring maps
// everything to shard 0, UUID ids included.
func TestSingleShardRouting(t *testing.T) {
	r := Fair(1)
	assert.Equal(t, cluster.ShardID(0), r.ShardOf(cluster.NumID(42)))

	id, err := cluster.ParsePointID("550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Equal(t, cluster.ShardID(0), r.ShardOf(id))
}

func TestRingLen(t *testing.T) {
	r := Fair(4)
	assert.Equal(t, 4*ShardScale, r.Len())
}

func BenchmarkShardOf(b *testing.B) {
	r := Fair(32)
	ids := make([]cluster.PointID, 1024)
	for i := range ids {
		ids[i] = cluster.NumID(uint64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.ShardOf(ids[i%len(ids)])
	}
}
