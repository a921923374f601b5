package collection

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/shard"
	"github.com/usmc2033/qdrant/internal/transfer"
)

// CollectionStatus summarizes the health of the collection's shards.
type CollectionStatus string

const (
	// StatusGreen: every replica of the target shards is Active.
	StatusGreen CollectionStatus = "green"
	// StatusYellow: some replicas are not Active.
	StatusYellow CollectionStatus = "yellow"
)

// CollectionInfo aggregates size and status over the target shards.
type CollectionInfo struct {
	Status        CollectionStatus `json:"status"`
	Config        Config           `json:"config"`
	VectorsCount  int              `json:"vectors_count"`
	PointsCount   int              `json:"points_count"`
	SegmentsCount int              `json:"segments_count"`
}

// Info aggregates shard infos: counts are summed, status degrades to yellow
// when any replica is not Active.
func (c *Collection) Info(ctx context.Context, shardSelection *cluster.ShardID) (CollectionInfo, error) {
	c.holderMu.RLock()
	targets, err := c.holder.TargetShards(shardSelection)
	c.holderMu.RUnlock()
	if err != nil {
		return CollectionInfo{}, err
	}
	if len(targets) == 0 {
		return CollectionInfo{}, cluster.NewServiceError("there are no shards for the selected collection")
	}

	c.configMu.RLock()
	cfg := c.config.Clone()
	c.configMu.RUnlock()

	out := CollectionInfo{Status: StatusGreen, Config: cfg}
	for _, rs := range targets {
		info, err := rs.Info(ctx)
		if err != nil {
			return CollectionInfo{}, err
		}
		out.PointsCount += info.PointsCount
		out.VectorsCount += info.VectorsCount
		out.SegmentsCount += info.SegmentsCount
		for _, state := range rs.Peers() {
			if state != cluster.ReplicaActive {
				out.Status = StatusYellow
			}
		}
	}
	return out, nil
}

// LocalShardInfo describes one local replica in cluster info.
type LocalShardInfo struct {
	State       cluster.ReplicaState `json:"state"`
	ShardID     cluster.ShardID      `json:"shard_id"`
	PointsCount int                  `json:"points_count"`
}

// RemoteShardInfo describes one remote replica in cluster info.
type RemoteShardInfo struct {
	State   cluster.ReplicaState `json:"state"`
	ShardID cluster.ShardID      `json:"shard_id"`
	PeerID  cluster.PeerID       `json:"peer_id"`
}

// ClusterInfo is the per-peer clustering view of the collection.
type ClusterInfo struct {
	LocalShards    []LocalShardInfo        `json:"local_shards"`
	RemoteShards   []RemoteShardInfo       `json:"remote_shards"`
	ShardTransfers []cluster.ShardTransfer `json:"shard_transfers"`
	PeerID         cluster.PeerID          `json:"peer_id"`
	ShardCount     int                     `json:"shard_count"`
}

// ClusterInfo reports this peer's replicas, every remote replica it knows
// of, and the in-flight transfers. Point counts are size estimates.
func (c *Collection) ClusterInfo(ctx context.Context, peerID cluster.PeerID) (ClusterInfo, error) {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()

	info := ClusterInfo{PeerID: peerID, ShardCount: c.holder.Len()}
	countReq := shard.CountRequest{Exact: false}

	for _, rs := range c.holder.AllShards() {
		peers := rs.Peers()
		if rs.HasLocalShard() {
			state := cluster.ReplicaDead
			if s, ok := peers[rs.ThisPeer()]; ok {
				state = s
			}
			points := 0
			if count, err := rs.CountLocal(ctx, countReq); err == nil && count != nil {
				points = count.Count
			}
			info.LocalShards = append(info.LocalShards, LocalShardInfo{
				ShardID:     rs.ShardID(),
				PointsCount: points,
				State:       state,
			})
		}
		for peer, state := range peers {
			if peer == rs.ThisPeer() {
				continue
			}
			info.RemoteShards = append(info.RemoteShards, RemoteShardInfo{
				ShardID: rs.ShardID(),
				PeerID:  peer,
				State:   state,
			})
		}
	}
	info.ShardTransfers = c.holder.Transfers.Snapshot()

	sort.Slice(info.LocalShards, func(i, j int) bool { return info.LocalShards[i].ShardID < info.LocalShards[j].ShardID })
	sort.Slice(info.RemoteShards, func(i, j int) bool {
		if info.RemoteShards[i].ShardID != info.RemoteShards[j].ShardID {
			return info.RemoteShards[i].ShardID < info.RemoteShards[j].ShardID
		}
		return info.RemoteShards[i].PeerID < info.RemoteShards[j].PeerID
	})
	return info, nil
}

// ShardTelemetry is the telemetry of one shard.
type ShardTelemetry struct {
	Peers       map[cluster.PeerID]cluster.ReplicaState `json:"peers"`
	ShardID     cluster.ShardID                         `json:"shard_id"`
	PointsCount int                                     `json:"points_count"`
	IsLocal     bool                                    `json:"is_local"`
}

// Telemetry is the collection's telemetry report.
type Telemetry struct {
	ID         string                  `json:"id"`
	Config     Config                  `json:"config"`
	Shards     []ShardTelemetry        `json:"shards"`
	Transfers  []cluster.ShardTransfer `json:"transfers"`
	InitTimeMs int64                   `json:"init_time_ms"`
}

// GetTelemetryData collects the collection's telemetry.
func (c *Collection) GetTelemetryData(ctx context.Context) Telemetry {
	c.holderMu.RLock()
	shards := make([]ShardTelemetry, 0, c.holder.Len())
	for _, rs := range c.holder.AllShards() {
		points := 0
		if count, err := rs.CountLocal(ctx, shard.CountRequest{Exact: false}); err == nil && count != nil {
			points = count.Count
		}
		shards = append(shards, ShardTelemetry{
			ShardID:     rs.ShardID(),
			IsLocal:     rs.IsLocal(),
			Peers:       rs.Peers(),
			PointsCount: points,
		})
	}
	transfers := c.holder.Transfers.Snapshot()
	c.holderMu.RUnlock()

	c.configMu.RLock()
	cfg := c.config.Clone()
	c.configMu.RUnlock()

	return Telemetry{
		ID:         c.name,
		InitTimeMs: c.initTime.Milliseconds(),
		Config:     cfg,
		Shards:     shards,
		Transfers:  transfers,
	}
}

// saveConfig persists the config under the read guard, re-acquired right
// after a write-guarded mutation.
func (c *Collection) saveConfig() error {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.config.Save(c.path)
}

// UpdateParamsFromDiff applies a params diff and persists the config.
func (c *Collection) UpdateParamsFromDiff(diff ParamsDiff) error {
	c.configMu.Lock()
	c.config.Params = diff.Apply(c.config.Params)
	c.configMu.Unlock()
	return c.saveConfig()
}

// UpdateHNSWConfigFromDiff applies an HNSW diff and persists the config.
func (c *Collection) UpdateHNSWConfigFromDiff(diff HNSWConfigDiff) error {
	c.configMu.Lock()
	c.config.HNSW = diff.Apply(c.config.HNSW)
	c.configMu.Unlock()
	return c.saveConfig()
}

// UpdateOptimizerParams replaces the optimizer config and persists it.
func (c *Collection) UpdateOptimizerParams(cfg OptimizerConfig) error {
	c.configMu.Lock()
	c.config.Optimizer = cfg
	c.configMu.Unlock()
	return c.saveConfig()
}

// UpdateOptimizerParamsFromDiff applies an optimizer diff and persists the
// config.
func (c *Collection) UpdateOptimizerParamsFromDiff(diff OptimizerConfigDiff) error {
	c.configMu.Lock()
	c.config.Optimizer = diff.Apply(c.config.Optimizer)
	c.configMu.Unlock()
	return c.saveConfig()
}

// UpdateQuantizationConfigFromDiff applies a tagged quantization diff —
// Disabled clears the setting — and persists the config.
func (c *Collection) UpdateQuantizationConfigFromDiff(diff QuantizationConfigDiff) error {
	c.configMu.Lock()
	next, err := diff.Apply(c.config.Quantization)
	if err != nil {
		c.configMu.Unlock()
		return err
	}
	c.config.Quantization = next
	c.configMu.Unlock()
	return c.saveConfig()
}

// UpdateVectorsFromDiff accepts per-field vector overrides and persists the
// config; the overrides themselves are not applied to it.
func (c *Collection) UpdateVectorsFromDiff(diff VectorsDiff) error {
	// Vector sizes and distances are immutable; the accepted overrides are
	// storage-engine hints which the in-memory backend ignores.
	_ = diff
	return c.saveConfig()
}

// SyncLocalState is the quiescent-state reconciler, run periodically:
//
//   - replicas this peer locally disabled are reported
//   - outgoing transfers whose task is gone are reported as succeeded or
//     failed through the matching callback
//   - an Initializing replica of this peer requests activation
//   - listener-mode peers demote from Active to Listener when another
//     Active exists; normal-mode peers promote Listener back to Active
//   - a Dead, non-dummy local replica requests a sync transfer from any
//     Active peer with no conflicting transfer
func (c *Collection) SyncLocalState(
	onTransferFailure OnTransferFailure,
	onTransferSuccess OnTransferSuccess,
	onFinishInit ChangePeerState,
	onConvertToListener ChangePeerState,
	onConvertFromListener ChangePeerState,
) error {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()

	for _, rs := range c.holder.AllShards() {
		if err := rs.SyncLocalState(); err != nil {
			return err
		}
	}

	// Report finished-but-unreported outgoing transfers.
	for _, t := range c.holder.GetTransfers(func(t cluster.ShardTransfer) bool { return t.From == c.thisPeer }) {
		switch result := c.transferTasks.GetTaskResult(t.Key()); {
		case result == nil:
			if !c.transferTasks.CheckIfStillRunning(t.Key()) {
				log.WithField("transfer", t.Key().String()).
					Debug("Transfer task does not exist but was not reported, reporting now")
				onTransferFailure(t, c.name, "transfer task does not exist")
			}
		case *result:
			log.WithField("transfer", t.Key().String()).
				Debug("Transfer task finished but was not reported, reporting now")
			onTransferSuccess(t, c.name)
		default:
			log.WithField("transfer", t.Key().String()).
				Debug("Transfer task failed but was not reported, reporting now")
			onTransferFailure(t, c.name, "transfer failed")
		}
	}

	// Converge replica states of this peer.
	for _, rs := range c.holder.AllShards() {
		shardID := rs.ShardID()
		peers := rs.Peers()
		thisState, hasReplica := peers[c.thisPeer]
		if !hasReplica {
			continue
		}
		activeCount := 0
		for _, state := range peers {
			if state == cluster.ReplicaActive {
				activeCount++
			}
		}
		isLastActive := activeCount == 1 && thisState == cluster.ReplicaActive

		if thisState == cluster.ReplicaInitializing {
			// Collection creation may not have reported; the collection
			// clearly exists, so activate.
			onFinishInit(c.thisPeer, shardID)
			continue
		}
		if c.nodeType == cluster.NodeTypeListener {
			if thisState == cluster.ReplicaActive && !isLastActive {
				onConvertToListener(c.thisPeer, shardID)
				continue
			}
		} else if thisState == cluster.ReplicaListener {
			onConvertFromListener(c.thisPeer, shardID)
			continue
		}
		if thisState != cluster.ReplicaDead || rs.IsDummy() {
			continue
		}

		// Recover the dead local replica from a conflict-free active peer.
		transfers := c.holder.Transfers.Snapshot()
		for _, source := range rs.ActiveRemoteShards() {
			proposal := cluster.ShardTransfer{
				ShardID: shardID,
				From:    source,
				To:      c.thisPeer,
				Sync:    true,
			}
			if transfer.CheckConflictsStrict(proposal, transfers) != nil {
				continue
			}
			log.WithFields(log.Fields{
				"collection": c.name,
				"shard":      shardID,
				"from":       source,
			}).Debug("Recovering dead local replica by requesting sync transfer")
			c.RequestShardTransfer(proposal)
			break
		}
	}
	return nil
}
