package replica

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/shard"
	"github.com/usmc2033/qdrant/internal/storage"
)

const (
	peerA = cluster.PeerID(1)
	peerB = cluster.PeerID(2)
)

func testVectors() map[string]shard.VectorParams {
	return map[string]shard.VectorParams{"": {Size: 2, Distance: shard.DistanceDot}}
}

func buildSet(t *testing.T, peers map[cluster.PeerID]cluster.ReplicaState, withLocal bool) *ReplicaSet {
	t.Helper()
	rs, err := Build(BuildParams{
		ShardID:    0,
		Collection: "test",
		ThisPeer:   peerA,
		Path:       t.TempDir(),
		Vectors:    testVectors(),
		Peers:      peers,
		WithLocal:  withLocal,
		Channels:   cluster.NewChannelService(map[cluster.PeerID]string{peerB: "peer-b:6333"}),
	})
	require.NoError(t, err)
	return rs
}

func upsertOp(ids ...uint64) shard.UpdateOperation {
	op := shard.UpdateOperation{Kind: shard.OpUpsert}
	for _, id := range ids {
		op.Points = append(op.Points, storage.Point{
			ID:      cluster.NumID(id),
			Vectors: map[string][]float32{"": {1, 0}},
		})
	}
	return op
}

func TestBuildRequiresPeers(t *testing.T) {
	_, err := Build(BuildParams{ShardID: 0, ThisPeer: peerA})
	require.Error(t, err)
}

func TestUpdateLocalWithoutLocalReplica(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{peerB: cluster.ReplicaActive}, false)
	res, err := rs.UpdateLocal(context.Background(), upsertOp(1), true)
	require.NoError(t, err)
	assert.Nil(t, res, "no local replica yields a nil result, not an error")
}

func TestUpdateWithConsistencyLocalOnly(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{peerA: cluster.ReplicaActive}, true)

	res, err := rs.UpdateWithConsistency(context.Background(), upsertOp(1, 2), true, shard.OrderingMedium)
	require.NoError(t, err)
	assert.Equal(t, shard.StatusCompleted, res.Status)

	count, err := rs.Count(context.Background(), shard.CountRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, count.Count)
}

// TestUpdateEscalatesActiveFailure verifies a failed write against an
// Active remote fires the failure callback while the call still succeeds
// under Medium ordering.
func TestUpdateEscalatesActiveFailure(t *testing.T) {
	var failedPeer cluster.PeerID
	var failedShard cluster.ShardID
	rs, err := Build(BuildParams{
		ShardID:    4,
		Collection: "test",
		ThisPeer:   peerA,
		Path:       t.TempDir(),
		Vectors:    testVectors(),
		Peers: map[cluster.PeerID]cluster.ReplicaState{
			peerA: cluster.ReplicaActive,
			// peerB has no address in the channel service, so every write
			// to it fails.
			peerB: cluster.ReplicaActive,
		},
		WithLocal: true,
		Channels:  cluster.NewChannelService(nil),
		OnFailure: func(peer cluster.PeerID, shardID cluster.ShardID) {
			failedPeer = peer
			failedShard = shardID
		},
	})
	require.NoError(t, err)

	res, err := rs.UpdateWithConsistency(context.Background(), upsertOp(1), true, shard.OrderingMedium)
	require.NoError(t, err, "local ack satisfies Medium ordering")
	assert.Equal(t, shard.StatusCompleted, res.Status)
	assert.Equal(t, peerB, failedPeer)
	assert.Equal(t, cluster.ShardID(4), failedShard)
}

// TestUpdateStrongQuorumNotMet verifies Strong ordering fails when the
// quorum of Active replicas cannot ack.
func TestUpdateStrongQuorumNotMet(t *testing.T) {
	peerC := cluster.PeerID(3)
	rs, err := Build(BuildParams{
		ShardID:    0,
		Collection: "test",
		ThisPeer:   peerA,
		Path:       t.TempDir(),
		Vectors:    testVectors(),
		Peers: map[cluster.PeerID]cluster.ReplicaState{
			peerA: cluster.ReplicaActive,
			peerB: cluster.ReplicaActive,
			peerC: cluster.ReplicaActive,
		},
		WithLocal: true,
		Channels:  cluster.NewChannelService(nil),
	})
	require.NoError(t, err)

	// 1 of 3 active acks < quorum of 2.
	_, err = rs.UpdateWithConsistency(context.Background(), upsertOp(1), true, shard.OrderingStrong)
	require.Error(t, err)
}

func TestRemovePeerRules(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{
		peerA: cluster.ReplicaActive,
		peerB: cluster.ReplicaActive,
	}, true)

	err := rs.RemovePeer(cluster.PeerID(9))
	require.Error(t, err, "unknown peer is rejected")

	require.NoError(t, rs.RemovePeer(peerB))
	err = rs.RemovePeer(peerA)
	require.Error(t, err, "the last replica may not be removed")

	assert.Len(t, rs.Peers(), 1)
}

func TestRemoveThisPeerDropsLocal(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{
		peerA: cluster.ReplicaActive,
		peerB: cluster.ReplicaActive,
	}, true)
	require.True(t, rs.IsLocal())

	require.NoError(t, rs.RemovePeer(peerA))
	assert.False(t, rs.IsLocal())
	assert.False(t, rs.HasLocalShard())
	assert.Nil(t, rs.PeerState(peerA))
}

func TestProxifyUnProxifyLifecycle(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{peerA: cluster.ReplicaActive}, true)

	require.NoError(t, rs.ProxifyLocal(peerB))
	assert.True(t, rs.IsLocal(), "a proxied replica still counts as local")

	// Re-proxying to the same destination is idempotent.
	require.NoError(t, rs.ProxifyLocal(peerB))
	// A different destination is a conflict.
	require.Error(t, rs.ProxifyLocal(cluster.PeerID(9)))

	require.NoError(t, rs.UnProxifyLocal())
	// Unwrapping twice is harmless.
	require.NoError(t, rs.UnProxifyLocal())
	assert.True(t, rs.IsLocal())
}

func TestPromoteProxyToRemote(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{
		peerA: cluster.ReplicaActive,
		peerB: cluster.ReplicaActive,
	}, true)

	require.Error(t, rs.PromoteProxyToRemote(), "no proxy installed yet")

	require.NoError(t, rs.ProxifyLocal(peerB))
	require.NoError(t, rs.PromoteProxyToRemote())
	assert.False(t, rs.IsLocal(), "the local replica moved away")
}

func TestEnsureReplicaWithState(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{peerA: cluster.ReplicaActive}, true)

	require.NoError(t, rs.EnsureReplicaWithState(peerB, cluster.ReplicaPartial))
	state := rs.PeerState(peerB)
	require.NotNil(t, state)
	assert.Equal(t, cluster.ReplicaPartial, *state)

	require.NoError(t, rs.EnsureReplicaWithState(peerB, cluster.ReplicaActive))
	assert.Equal(t, cluster.ReplicaActive, *rs.PeerState(peerB))
}

func TestInitEmptyLocalShardReplacesDummy(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{peerA: cluster.ReplicaPartial}, false)
	require.True(t, rs.IsDummy())

	require.NoError(t, rs.InitEmptyLocalShard())
	assert.False(t, rs.IsDummy())
	assert.True(t, rs.IsLocal())
}

func TestReadsRequireActiveReplica(t *testing.T) {
	rs := buildSet(t, map[cluster.PeerID]cluster.ReplicaState{peerA: cluster.ReplicaPartial}, true)

	// A Partial local replica does not serve reads and no remote exists.
	_, err := rs.Count(context.Background(), shard.CountRequest{})
	require.Error(t, err)

	require.NoError(t, rs.SetReplicaState(peerA, cluster.ReplicaActive))
	_, err = rs.Count(context.Background(), shard.CountRequest{})
	require.NoError(t, err)
}

func TestReplicaStatePersistence(t *testing.T) {
	dir := t.TempDir()
	rs, err := Build(BuildParams{
		ShardID:    0,
		Collection: "test",
		ThisPeer:   peerA,
		Path:       dir,
		Vectors:    testVectors(),
		Peers: map[cluster.PeerID]cluster.ReplicaState{
			peerA: cluster.ReplicaActive,
			peerB: cluster.ReplicaListener,
		},
		WithLocal: true,
		Channels:  cluster.NewChannelService(nil),
	})
	require.NoError(t, err)
	require.NoError(t, rs.SetReplicaState(peerB, cluster.ReplicaDead))

	states, err := LoadReplicaState(dir)
	require.NoError(t, err)
	assert.Equal(t, cluster.ReplicaActive, states[peerA])
	assert.Equal(t, cluster.ReplicaDead, states[peerB])
}

func TestRestoreSnapshotRewritesSingleNode(t *testing.T) {
	dir := t.TempDir()
	rs := buildSetAt(t, dir, map[cluster.PeerID]cluster.ReplicaState{
		peerA: cluster.ReplicaActive,
		peerB: cluster.ReplicaActive,
	})
	_ = rs

	require.NoError(t, RestoreSnapshot(dir, cluster.PeerID(42), false))
	states, err := LoadReplicaState(dir)
	require.NoError(t, err)
	require.Len(t, states, 1, "single-node restore keeps only this peer")
	assert.Equal(t, cluster.ReplicaActive, states[cluster.PeerID(42)])
}

func buildSetAt(t *testing.T, dir string, peers map[cluster.PeerID]cluster.ReplicaState) *ReplicaSet {
	t.Helper()
	rs, err := Build(BuildParams{
		ShardID:    0,
		Collection: "test",
		ThisPeer:   peerA,
		Path:       dir,
		Vectors:    testVectors(),
		Peers:      peers,
		WithLocal:  true,
		Channels:   cluster.NewChannelService(nil),
	})
	require.NoError(t, err)
	return rs
}
