package collection

import (
	log "github.com/sirupsen/logrus"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// ShardInfo is the replica map of one shard as seen by consensus.
type ShardInfo struct {
	Replicas map[cluster.PeerID]cluster.ReplicaState `json:"replicas"`
}

// State is the cluster-visible snapshot of this collection on one peer.
// Consensus broadcasts it; peers reconcile via ApplyState.
type State struct {
	Shards    map[cluster.ShardID]ShardInfo `json:"shards"`
	Config    Config                        `json:"config"`
	Transfers []cluster.ShardTransfer       `json:"transfers"`
}

// State captures the current cluster-visible state of the collection.
func (c *Collection) State() State {
	c.holderMu.RLock()
	defer c.holderMu.RUnlock()

	shards := make(map[cluster.ShardID]ShardInfo, c.holder.Len())
	for _, rs := range c.holder.AllShards() {
		shards[rs.ShardID()] = ShardInfo{Replicas: rs.Peers()}
	}

	c.configMu.RLock()
	cfg := c.config.Clone()
	c.configMu.RUnlock()

	return State{
		Config:    cfg,
		Shards:    shards,
		Transfers: c.holder.Transfers.Snapshot(),
	}
}

// ApplyState reconciles the local collection to a consensus-broadcast State:
// transfers absent from the broadcast are aborted through the callback,
// missing transfers are registered, replica maps converge peer by peer, and
// the config is replaced and persisted.
func (c *Collection) ApplyState(state State, thisPeer cluster.PeerID, abortTransfer func(cluster.ShardTransfer)) error {
	// Reconcile the transfer set first so replica states settle against
	// the surviving transfers only.
	incoming := make(map[cluster.ShardTransferKey]cluster.ShardTransfer, len(state.Transfers))
	for _, t := range state.Transfers {
		incoming[t.Key()] = t
	}
	for _, t := range c.GetTransfers(func(cluster.ShardTransfer) bool { return true }) {
		if _, keep := incoming[t.Key()]; !keep {
			log.WithFields(log.Fields{"collection": c.name, "transfer": t.Key().String()}).
				Info("Aborting transfer absent from consensus state")
			abortTransfer(t)
		}
	}

	c.holderMu.RLock()
	for key, t := range incoming {
		exists := false
		for _, existing := range c.holder.Transfers.Snapshot() {
			if existing.Key() == key {
				exists = true
				break
			}
		}
		if !exists {
			c.holder.Transfers.Insert(t)
		}
	}

	var applyErr error
	for shardID, info := range state.Shards {
		rs := c.holder.GetShard(shardID)
		if rs == nil {
			applyErr = cluster.NewServiceError("shard %d from consensus state doesn't exist locally", shardID)
			break
		}
		for peer, replicaState := range info.Replicas {
			if err := rs.EnsureReplicaWithState(peer, replicaState); err != nil {
				applyErr = err
				break
			}
		}
		for peer := range rs.Peers() {
			if _, keep := info.Replicas[peer]; !keep {
				if err := rs.RemovePeer(peer); err != nil {
					applyErr = err
					break
				}
			}
		}
		if applyErr != nil {
			break
		}
	}
	c.holderMu.RUnlock()
	if applyErr != nil {
		return applyErr
	}

	c.configMu.Lock()
	c.config = state.Config.Clone()
	c.configMu.Unlock()
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	if err := c.config.Save(c.path); err != nil {
		return err
	}

	c.checkInitialized()
	return nil
}
