package collection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/ring"
	"github.com/usmc2033/qdrant/internal/shard"
	"github.com/usmc2033/qdrant/internal/storage"
)

const localPeer = cluster.PeerID(1)

func testConfig(shardNumber uint32, distance shard.Distance) Config {
	return Config{
		Params: Params{
			ShardNumber:            shardNumber,
			ReplicationFactor:      1,
			WriteConsistencyFactor: 1,
			Vectors: map[string]shard.VectorParams{
				"": {Size: 2, Distance: distance},
			},
		},
		Optimizer: OptimizerConfig{DefaultSegmentNumber: 2, FlushIntervalSec: 5},
		WAL:       WALConfig{WALCapacityMB: 32, WALSegmentsAhead: 0},
	}
}

func newTestCollection(t *testing.T, shardNumber uint32, distance shard.Distance) *Collection {
	t.Helper()
	c, err := New("test-collection", localPeer, t.TempDir(), t.TempDir(),
		testConfig(shardNumber, distance),
		AllActiveDistribution(shardNumber, localPeer),
		Dependencies{Channels: cluster.NewChannelService(nil)})
	require.NoError(t, err)
	return c
}

func upsert(t *testing.T, c *Collection, points ...storage.Point) {
	t.Helper()
	_, err := c.UpdateFromClient(context.Background(),
		shard.UpdateOperation{Kind: shard.OpUpsert, Points: points},
		true, shard.OrderingMedium)
	require.NoError(t, err)
}

func vecPoint(id uint64, vec []float32, payload map[string]any) storage.Point {
	return storage.Point{
		ID:      cluster.NumID(id),
		Vectors: map[string][]float32{"": vec},
		Payload: payload,
	}
}

// TestTwoShardSearch is the two-shard end-to-end scenario: one point per
// shard, cosine search returns the matching point with payload and score 1.
func TestTwoShardSearch(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)
	upsert(t, c,
		vecPoint(1, []float32{1, 0}, map[string]any{"a": 1}),
		vecPoint(2, []float32{0, 1}, map[string]any{"a": 2}),
	)

	hits, err := c.Search(context.Background(), shard.SearchRequest{
		Vector:      []float32{1, 0},
		Limit:       1,
		WithPayload: true,
	}, nil)
	require.NoError(t, err)

	require.Len(t, hits, 1)
	assert.Equal(t, cluster.NumID(1), hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.Equal(t, 1, hits[0].Payload["a"])
}

// TestSearchOffsetBehavior checks offset trimming after the cross-shard
// merge: points score 10..1 descending under dot product.
func TestSearchOffsetBehavior(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceDot)
	for id := uint64(1); id <= 10; id++ {
		upsert(t, c, vecPoint(id, []float32{float32(11 - id), 0}, nil))
	}

	search := func(limit, offset int) []cluster.PointID {
		hits, err := c.Search(context.Background(), shard.SearchRequest{
			Vector: []float32{1, 0},
			Limit:  limit,
			Offset: offset,
		}, nil)
		require.NoError(t, err)
		ids := make([]cluster.PointID, len(hits))
		for i, hit := range hits {
			ids[i] = hit.ID
		}
		return ids
	}

	assert.Equal(t, []cluster.PointID{cluster.NumID(3), cluster.NumID(4), cluster.NumID(5)}, search(3, 2))
	assert.Equal(t, []cluster.PointID{cluster.NumID(9), cluster.NumID(10)}, search(3, 8))
	assert.Empty(t, search(3, 20), "offset beyond available results yields empty")
}

func TestSearchZeroLimitShortCircuits(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)
	upsert(t, c, vecPoint(1, []float32{1, 0}, nil))

	hits, err := c.Search(context.Background(), shard.SearchRequest{Vector: []float32{1, 0}}, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// twoShardIDs finds one point id per shard of a two-shard ring, so tests
// can place points deterministically.
func twoShardIDs(t *testing.T) (shard0, shard1 uint64) {
	t.Helper()
	r := ring.Fair(2)
	found := map[cluster.ShardID]uint64{}
	for id := uint64(1); id < 10000; id++ {
		target := r.ShardOf(cluster.NumID(id))
		if _, ok := found[target]; !ok {
			found[target] = id
		}
		if len(found) == 2 {
			return found[0], found[1]
		}
	}
	t.Fatal("ring maps everything to one shard")
	return 0, 0
}

// TestInconsistentBatchUpdate is the partial-failure scenario: a batch that
// succeeds on one shard and fails validation on the other surfaces an
// InconsistentShardFailure carrying the first error.
func TestInconsistentBatchUpdate(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)
	goodID, badID := twoShardIDs(t)

	_, err := c.UpdateFromClient(context.Background(), shard.UpdateOperation{
		Kind: shard.OpUpsert,
		Points: []storage.Point{
			vecPoint(goodID, []float32{1, 0}, nil),
			// Wrong dimensionality fails validation on its shard only.
			vecPoint(badID, []float32{1, 0, 0}, nil),
		},
	}, true, shard.OrderingMedium)
	require.Error(t, err)

	var typed *cluster.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, cluster.KindInconsistentShardFailure, typed.Kind)
	assert.Equal(t, 2, typed.ShardsTotal)
	assert.Equal(t, 1, typed.ShardsFailed)
	assert.Equal(t, cluster.KindBadInput, cluster.KindOf(typed.Err))
}

func TestUpdateFromClientEmptyRequest(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)
	_, err := c.UpdateFromClient(context.Background(),
		shard.UpdateOperation{Kind: shard.OpUpsert}, true, shard.OrderingMedium)
	require.Error(t, err)
	assert.Equal(t, cluster.KindBadRequest, cluster.KindOf(err))
}

func TestUpdateFromPeerTargetsSingleShard(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)

	res, err := c.UpdateFromPeer(context.Background(), shard.UpdateOperation{
		Kind:   shard.OpUpsert,
		Points: []storage.Point{vecPoint(1, []float32{1, 0}, nil)},
	}, 0, true)
	require.NoError(t, err)
	assert.Equal(t, shard.StatusCompleted, res.Status)

	// The point lives on shard 0 regardless of ring routing.
	selected := cluster.ShardID(0)
	count, err := c.Count(context.Background(), shard.CountRequest{}, &selected)
	require.NoError(t, err)
	assert.Equal(t, 1, count.Count)

	_, err = c.UpdateFromPeer(context.Background(), shard.UpdateOperation{
		Kind:   shard.OpUpsert,
		Points: []storage.Point{vecPoint(2, []float32{1, 0}, nil)},
	}, 9, true)
	require.Error(t, err, "unknown shard selection is rejected")
}

func TestScrollPagination(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)
	for id := uint64(1); id <= 5; id++ {
		upsert(t, c, vecPoint(id, []float32{1, 0}, nil))
	}

	limit := 2
	var collected []cluster.PointID
	var offset *cluster.PointID
	for page := 0; page < 10; page++ {
		res, err := c.ScrollBy(context.Background(), shard.ScrollRequest{
			Offset: offset,
			Limit:  &limit,
		}, nil)
		require.NoError(t, err)
		for _, rec := range res.Points {
			collected = append(collected, rec.ID)
		}
		if res.NextPageOffset == nil {
			break
		}
		offset = res.NextPageOffset
	}

	require.Len(t, collected, 5)
	for i := 1; i < len(collected); i++ {
		assert.True(t, collected[i-1].Less(collected[i]), "scroll yields ascending ids")
	}

	zero := 0
	_, err := c.ScrollBy(context.Background(), shard.ScrollRequest{Limit: &zero}, nil)
	require.Error(t, err, "limit 0 is rejected")
}

func TestCountAndRetrieveFanOut(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)
	upsert(t, c,
		vecPoint(1, []float32{1, 0}, map[string]any{"k": "v"}),
		vecPoint(2, []float32{0, 1}, nil),
		vecPoint(3, []float32{1, 1}, nil),
	)

	count, err := c.Count(context.Background(), shard.CountRequest{Exact: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, count.Count)

	records, err := c.Retrieve(context.Background(), shard.PointRequest{
		IDs:         []cluster.PointID{cluster.NumID(1), cluster.NumID(3)},
		WithPayload: true,
	}, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// TestLastActiveDeactivationRejected is the last-Active safety scenario.
func TestLastActiveDeactivationRejected(t *testing.T) {
	c := newTestCollection(t, 1, shard.DistanceCosine)

	err := c.SetShardReplicaState(0, localPeer, cluster.ReplicaDead, nil)
	require.Error(t, err)
	assert.Equal(t, cluster.KindBadInput, cluster.KindOf(err))
	assert.Contains(t, err.Error(), "last active replica")
}

func TestSetShardReplicaStateFromMismatch(t *testing.T) {
	c := newTestCollection(t, 1, shard.DistanceCosine)

	wrong := cluster.ReplicaPartial
	err := c.SetShardReplicaState(0, localPeer, cluster.ReplicaListener, &wrong)
	require.Error(t, err)
	assert.Equal(t, cluster.KindBadInput, cluster.KindOf(err))

	// Adding a second peer makes deactivating this one legal.
	require.NoError(t, c.SetShardReplicaState(0, cluster.PeerID(2), cluster.ReplicaActive, nil))
	current := cluster.ReplicaActive
	require.NoError(t, c.SetShardReplicaState(0, localPeer, cluster.ReplicaListener, &current))
}

func TestHandleReplicaChanges(t *testing.T) {
	c := newTestCollection(t, 1, shard.DistanceCosine)
	require.NoError(t, c.SetShardReplicaState(0, cluster.PeerID(2), cluster.ReplicaActive, nil))

	err := c.HandleReplicaChanges([]ReplicaChange{{Kind: ChangeRemove, Shard: 0, Peer: 9}})
	require.Error(t, err, "absent peer is rejected")

	require.NoError(t, c.HandleReplicaChanges([]ReplicaChange{{Kind: ChangeRemove, Shard: 0, Peer: 2}}))

	err = c.HandleReplicaChanges([]ReplicaChange{{Kind: ChangeRemove, Shard: 0, Peer: localPeer}})
	require.Error(t, err, "emptying the shard is rejected")
}

func TestIsReadyLatch(t *testing.T) {
	c := newTestCollection(t, 1, shard.DistanceCosine)
	assert.True(t, c.WaitCollectionInitiated(time.Second),
		"an all-active collection is initialized immediately")
	assert.True(t, c.IsAllActive())
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)
	upsert(t, c,
		vecPoint(1, []float32{1, 0}, map[string]any{"a": "x"}),
		vecPoint(2, []float32{0, 1}, nil),
	)

	desc, err := c.CreateSnapshot(context.Background(), t.TempDir(), localPeer)
	require.NoError(t, err)
	assert.Contains(t, desc.Name, "test-collection-1-")
	assert.Contains(t, desc.Name, SnapshotExtension)
	assert.Greater(t, desc.Size, int64(0))

	// The snapshot resolves through the checked path helper.
	snapshotPath, err := c.GetSnapshotPath(desc.Name)
	require.NoError(t, err)

	listed, err := c.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, desc.Name, listed[0].Name)

	// Restore into a fresh directory and load the collection back.
	restoredDir := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, RestoreSnapshot(snapshotPath, restoredDir, localPeer, false))

	restored := Load("test-collection", localPeer, restoredDir, t.TempDir(),
		Dependencies{Channels: cluster.NewChannelService(nil)})

	count, err := restored.Count(context.Background(), shard.CountRequest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count.Count)

	hits, err := restored.Search(context.Background(), shard.SearchRequest{
		Vector: []float32{1, 0}, Limit: 1, WithPayload: true,
	}, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, cluster.NumID(1), hits[0].ID)
	assert.Equal(t, "x", hits[0].Payload["a"])
}

// TestGetSnapshotPathTraversal is the path-traversal defense: names whose
// canonical path escapes the snapshots directory are NotFound.
func TestGetSnapshotPathTraversal(t *testing.T) {
	snapshotsDir := filepath.Join(t.TempDir(), "snapshots")
	c, err := New("traversal", localPeer, t.TempDir(), snapshotsDir,
		testConfig(1, shard.DistanceCosine),
		AllActiveDistribution(1, localPeer),
		Dependencies{Channels: cluster.NewChannelService(nil)})
	require.NoError(t, err)

	// A real file outside the snapshots dir must stay unreachable.
	outside := filepath.Join(filepath.Dir(snapshotsDir), "escape.snapshot")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	for _, name := range []string{
		"../escape.snapshot",
		"../../etc/passwd",
		"missing.snapshot",
	} {
		_, err := c.GetSnapshotPath(name)
		require.Error(t, err, "name %q", name)
		assert.True(t, cluster.IsNotFound(err), "name %q must be NotFound", name)
	}
}

func TestShardSnapshotLifecycle(t *testing.T) {
	c := newTestCollection(t, 1, shard.DistanceCosine)
	upsert(t, c, vecPoint(1, []float32{1, 0}, nil))

	desc, err := c.CreateShardSnapshot(context.Background(), 0, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, desc.Name, "shard-0")

	listed, err := c.ListShardSnapshots(0)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = c.GetShardSnapshotPath(0, "../sneaky.snapshot")
	require.Error(t, err, "separators in shard snapshot names are rejected")

	snapshotPath, err := c.GetShardSnapshotPath(0, desc.Name)
	require.NoError(t, err)

	// Wipe the shard, then restore it from the snapshot.
	_, err = c.UpdateFromClient(context.Background(), shard.UpdateOperation{
		Kind: shard.OpDelete, IDs: []cluster.PointID{cluster.NumID(1)},
	}, true, shard.OrderingMedium)
	require.NoError(t, err)

	require.NoError(t, c.RestoreShardSnapshot(context.Background(), 0, snapshotPath, localPeer, false, t.TempDir()))

	count, err := c.Count(context.Background(), shard.CountRequest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count.Count)
}

func TestConfigDiffUpdates(t *testing.T) {
	c := newTestCollection(t, 1, shard.DistanceCosine)

	factor := uint32(3)
	require.NoError(t, c.UpdateParamsFromDiff(ParamsDiff{ReplicationFactor: &factor}))

	m := 32
	require.NoError(t, c.UpdateHNSWConfigFromDiff(HNSWConfigDiff{M: &m}))

	segments := 7
	require.NoError(t, c.UpdateOptimizerParamsFromDiff(OptimizerConfigDiff{DefaultSegmentNumber: &segments}))

	require.NoError(t, c.UpdateQuantizationConfigFromDiff(QuantizationConfigDiff{
		Scalar: &QuantizationConfig{Quantile: 0.99},
	}))

	// The persisted config reflects every diff.
	cfg, err := LoadConfig(c.path)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cfg.Params.ReplicationFactor)
	assert.Equal(t, 32, cfg.HNSW.M)
	assert.Equal(t, 7, cfg.Optimizer.DefaultSegmentNumber)
	require.NotNil(t, cfg.Quantization)
	assert.Equal(t, QuantizationScalar, cfg.Quantization.Kind)

	// Disabled clears the quantization setting.
	require.NoError(t, c.UpdateQuantizationConfigFromDiff(QuantizationConfigDiff{Disabled: true}))
	cfg, err = LoadConfig(c.path)
	require.NoError(t, err)
	assert.Nil(t, cfg.Quantization)
}

func TestStateSnapshotAndApply(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)

	state := c.State()
	assert.Len(t, state.Shards, 2)
	assert.Empty(t, state.Transfers)

	// Broadcast state: a second peer appears on shard 0 and a transfer is
	// registered.
	state.Shards[0].Replicas[cluster.PeerID(2)] = cluster.ReplicaActive
	state.Transfers = append(state.Transfers, cluster.ShardTransfer{ShardID: 0, From: 1, To: 2})

	var aborted []cluster.ShardTransfer
	require.NoError(t, c.ApplyState(state, localPeer, func(t cluster.ShardTransfer) {
		aborted = append(aborted, t)
	}))
	assert.Empty(t, aborted)
	assert.True(t, c.CheckTransferExists(cluster.ShardTransferKey{ShardID: 0, From: 1, To: 2}))

	// A broadcast without the transfer aborts it.
	state.Transfers = nil
	require.NoError(t, c.ApplyState(state, localPeer, func(t cluster.ShardTransfer) {
		aborted = append(aborted, t)
	}))
	require.Len(t, aborted, 1)
	assert.Equal(t, cluster.ShardID(0), aborted[0].ShardID)
}

func TestSyncLocalStateInitializingRequestsActivation(t *testing.T) {
	c := newTestCollection(t, 1, shard.DistanceCosine)
	require.NoError(t, c.SetShardReplicaState(0, cluster.PeerID(2), cluster.ReplicaActive, nil))
	from := cluster.ReplicaActive
	require.NoError(t, c.SetShardReplicaState(0, localPeer, cluster.ReplicaInitializing, &from))

	var initialized []cluster.ShardID
	err := c.SyncLocalState(
		func(cluster.ShardTransfer, string, string) {},
		func(cluster.ShardTransfer, string) {},
		func(peer cluster.PeerID, shardID cluster.ShardID) {
			assert.Equal(t, localPeer, peer)
			initialized = append(initialized, shardID)
		},
		func(cluster.PeerID, cluster.ShardID) {},
		func(cluster.PeerID, cluster.ShardID) {},
	)
	require.NoError(t, err)
	assert.Equal(t, []cluster.ShardID{0}, initialized)
}

func TestSyncLocalStateRecoversDeadReplica(t *testing.T) {
	requested := make(chan cluster.ShardTransfer, 1)
	c, err := New("recovery", localPeer, t.TempDir(), t.TempDir(),
		testConfig(1, shard.DistanceCosine),
		AllActiveDistribution(1, localPeer, cluster.PeerID(2)),
		Dependencies{
			Channels:             cluster.NewChannelService(nil),
			RequestShardTransfer: func(t cluster.ShardTransfer) { requested <- t },
		})
	require.NoError(t, err)

	// This peer's replica dies; peer 2 stays active. SetShardReplicaState
	// itself requests recovery, which is the behavior under test here too.
	require.NoError(t, c.SetShardReplicaState(0, localPeer, cluster.ReplicaDead, nil))

	select {
	case transfer := <-requested:
		assert.Equal(t, cluster.PeerID(2), transfer.From)
		assert.Equal(t, localPeer, transfer.To)
		assert.True(t, transfer.Sync, "recovery transfers are sync")
	default:
		t.Fatal("expected a recovery transfer request")
	}

	// The reconciler keeps requesting while the replica stays dead.
	err = c.SyncLocalState(
		func(cluster.ShardTransfer, string, string) {},
		func(cluster.ShardTransfer, string) {},
		func(cluster.PeerID, cluster.ShardID) {},
		func(cluster.PeerID, cluster.ShardID) {},
		func(cluster.PeerID, cluster.ShardID) {},
	)
	require.NoError(t, err)
	select {
	case transfer := <-requested:
		assert.Equal(t, localPeer, transfer.To)
	default:
		t.Fatal("expected the reconciler to request recovery again")
	}
}

func TestInfoAggregation(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceCosine)
	upsert(t, c,
		vecPoint(1, []float32{1, 0}, nil),
		vecPoint(2, []float32{0, 1}, nil),
		vecPoint(3, []float32{1, 1}, nil),
	)

	info, err := c.Info(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusGreen, info.Status)
	assert.Equal(t, 3, info.PointsCount)

	cinfo, err := c.ClusterInfo(context.Background(), localPeer)
	require.NoError(t, err)
	assert.Equal(t, 2, cinfo.ShardCount)
	assert.Len(t, cinfo.LocalShards, 2)
	assert.Empty(t, cinfo.RemoteShards)

	telemetry := c.GetTelemetryData(context.Background())
	assert.Equal(t, "test-collection", telemetry.ID)
	assert.Len(t, telemetry.Shards, 2)
}

// TestSearchIdempotence: identical searches against a quiescent collection
// return identical ordered results.
func TestSearchIdempotence(t *testing.T) {
	c := newTestCollection(t, 2, shard.DistanceDot)
	for id := uint64(1); id <= 20; id++ {
		upsert(t, c, vecPoint(id, []float32{float32(id % 7), float32(id % 5)}, nil))
	}

	req := shard.SearchRequest{Vector: []float32{1, 2}, Limit: 10}
	first, err := c.Search(context.Background(), req, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Search(context.Background(), req, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

// TestMergeCorrectness: the merged result equals the global top-K of the
// union under the declared order, then offset-trimmed.
func TestMergeCorrectness(t *testing.T) {
	c := newTestCollection(t, 4, shard.DistanceEuclid)
	for id := uint64(1); id <= 30; id++ {
		upsert(t, c, vecPoint(id, []float32{float32(id), 0}, nil))
	}

	// Under euclidean distance to [0,0], smaller ids are strictly better.
	hits, err := c.Search(context.Background(), shard.SearchRequest{
		Vector: []float32{0, 0},
		Limit:  5,
		Offset: 3,
	}, nil)
	require.NoError(t, err)

	require.Len(t, hits, 5)
	for i, hit := range hits {
		assert.Equal(t, cluster.NumID(uint64(i+4)), hit.ID, "global rank %d", i+4)
	}
}
