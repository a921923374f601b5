package holder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/replica"
	"github.com/usmc2033/qdrant/internal/ring"
	"github.com/usmc2033/qdrant/internal/shard"
	"github.com/usmc2033/qdrant/internal/storage"
)

const testPeer = cluster.PeerID(1)

func buildHolder(t *testing.T, shardNumber uint32) *ShardHolder {
	t.Helper()
	h := NewShardHolder(ring.Fair(shardNumber))
	vectors := map[string]shard.VectorParams{"": {Size: 2, Distance: shard.DistanceDot}}
	for id := uint32(0); id < shardNumber; id++ {
		rs, err := replica.Build(replica.BuildParams{
			ShardID:    cluster.ShardID(id),
			Collection: "test",
			ThisPeer:   testPeer,
			Path:       t.TempDir(),
			Vectors:    vectors,
			Peers:      map[cluster.PeerID]cluster.ReplicaState{testPeer: cluster.ReplicaActive},
			WithLocal:  true,
			Channels:   cluster.NewChannelService(nil),
		})
		require.NoError(t, err)
		h.AddShard(cluster.ShardID(id), rs)
	}
	return h
}

// TestSplitByShardPartition checks routing totality: the sub-operations are
// disjoint, non-empty, their union is the input, and every point lands on
// the shard the ring maps it to.
func TestSplitByShardPartition(t *testing.T) {
	const shardNumber = 4
	h := buildHolder(t, shardNumber)
	r := ring.Fair(shardNumber)

	op := shard.UpdateOperation{Kind: shard.OpUpsert}
	for i := uint64(0); i < 200; i++ {
		op.Points = append(op.Points, storage.Point{
			ID:      cluster.NumID(i),
			Vectors: map[string][]float32{"": {1, 0}},
		})
	}

	splits := h.SplitByShard(op)
	require.NotEmpty(t, splits)

	seen := make(map[cluster.PointID]int)
	for _, split := range splits {
		assert.False(t, split.Op.IsEmpty(), "no split may be empty")
		for _, point := range split.Op.Points {
			seen[point.ID]++
			assert.Equal(t, r.ShardOf(point.ID), split.Shard.ShardID(),
				"point %s routed to wrong shard", point.ID)
		}
	}
	assert.Len(t, seen, 200, "union of splits must equal the input")
	for id, count := range seen {
		assert.Equal(t, 1, count, "point %s appears in multiple splits", id)
	}
}

func TestSplitByShardEmptyOperation(t *testing.T) {
	h := buildHolder(t, 2)
	splits := h.SplitByShard(shard.UpdateOperation{Kind: shard.OpDelete})
	assert.Empty(t, splits)
}

func TestTargetShards(t *testing.T) {
	h := buildHolder(t, 3)

	all, err := h.TargetShards(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	selected := cluster.ShardID(1)
	one, err := h.TargetShards(&selected)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, selected, one[0].ShardID())

	missing := cluster.ShardID(9)
	_, err = h.TargetShards(&missing)
	assert.True(t, cluster.IsNotFound(err))
}

// TestTransferKeyUniqueness verifies no interleaving of register/finish can
// leave two active transfers with the same key.
func TestTransferKeyUniqueness(t *testing.T) {
	h := buildHolder(t, 1)
	transfer := cluster.ShardTransfer{ShardID: 0, From: 1, To: 2}

	changed, err := h.RegisterStartShardTransfer(transfer)
	require.NoError(t, err)
	assert.True(t, changed)

	// Same key again, even with a different sync flag, must be rejected.
	_, err = h.RegisterStartShardTransfer(cluster.ShardTransfer{ShardID: 0, From: 1, To: 2, Sync: true})
	require.Error(t, err)
	assert.Equal(t, 1, h.Transfers.Len())

	assert.True(t, h.RegisterFinishTransfer(transfer.Key()))
	// Finish is idempotent.
	assert.False(t, h.RegisterFinishTransfer(transfer.Key()))

	// After finish the key is free again.
	changed, err = h.RegisterStartShardTransfer(transfer)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestGetRelatedTransfers(t *testing.T) {
	h := buildHolder(t, 2)
	t1 := cluster.ShardTransfer{ShardID: 0, From: 1, To: 2}
	t2 := cluster.ShardTransfer{ShardID: 0, From: 3, To: 4}
	t3 := cluster.ShardTransfer{ShardID: 1, From: 1, To: 2}
	for _, tr := range []cluster.ShardTransfer{t1, t2, t3} {
		_, err := h.RegisterStartShardTransfer(tr)
		require.NoError(t, err)
	}

	related := h.GetRelatedTransfers(0, 2)
	require.Len(t, related, 1)
	assert.Equal(t, t1.Key(), related[0].Key())

	assert.Empty(t, h.GetRelatedTransfers(1, 9))
}

func TestWatchedTransfersWaitFor(t *testing.T) {
	w := NewWatchedTransfers()

	// Predicate already satisfied: returns immediately.
	ok := w.WaitFor(func(ts []cluster.ShardTransfer) bool { return len(ts) == 0 }, time.Second)
	assert.True(t, ok)

	// Timeout path.
	ok = w.WaitFor(func(ts []cluster.ShardTransfer) bool { return len(ts) > 0 }, 50*time.Millisecond)
	assert.False(t, ok)

	// Satisfied by a concurrent insert.
	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Insert(cluster.ShardTransfer{ShardID: 7, From: 1, To: 2})
	}()
	ok = w.WaitFor(func(ts []cluster.ShardTransfer) bool {
		for _, tr := range ts {
			if tr.ShardID == 7 && tr.To == 2 {
				return true
			}
		}
		return false
	}, 2*time.Second)
	assert.True(t, ok)
}
