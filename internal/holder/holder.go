package holder

import (
	"sort"

	"golang.org/x/exp/maps"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/replica"
	"github.com/usmc2033/qdrant/internal/ring"
	"github.com/usmc2033/qdrant/internal/shard"
)

// ShardHolder owns every ReplicaSet of one collection plus the registry of
// pending transfers. The holder itself only protects the transfer registry;
// the map's shape is guarded by the Collection's outer read-write lock, and
// each ReplicaSet carries its own interior locks.
type ShardHolder struct {
	shards    map[cluster.ShardID]*replica.ReplicaSet
	ring      *ring.HashRing
	Transfers *WatchedTransfers
}

// NewShardHolder builds an empty holder routing points over the given ring.
func NewShardHolder(r *ring.HashRing) *ShardHolder {
	return &ShardHolder{
		shards:    make(map[cluster.ShardID]*replica.ReplicaSet),
		ring:      r,
		Transfers: NewWatchedTransfers(),
	}
}

// AddShard registers a replica set under its shard id.
func (h *ShardHolder) AddShard(id cluster.ShardID, rs *replica.ReplicaSet) {
	h.shards[id] = rs
}

// RemoveShard drops a replica set. The caller is responsible for closing it.
func (h *ShardHolder) RemoveShard(id cluster.ShardID) {
	delete(h.shards, id)
}

// GetShard returns the replica set of a shard, nil when absent.
func (h *ShardHolder) GetShard(id cluster.ShardID) *replica.ReplicaSet {
	return h.shards[id]
}

// ContainsShard reports whether the shard exists in this collection.
func (h *ShardHolder) ContainsShard(id cluster.ShardID) bool {
	_, ok := h.shards[id]
	return ok
}

// Len returns the number of shards.
func (h *ShardHolder) Len() int { return len(h.shards) }

// ShardIDs returns every shard id in ascending order.
func (h *ShardHolder) ShardIDs() []cluster.ShardID {
	ids := maps.Keys(h.shards)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllShards returns every replica set in shard-id order.
func (h *ShardHolder) AllShards() []*replica.ReplicaSet {
	out := make([]*replica.ReplicaSet, 0, len(h.shards))
	for _, id := range h.ShardIDs() {
		out = append(out, h.shards[id])
	}
	return out
}

// ShardOperation pairs a replica set with the sub-operation routed to it.
type ShardOperation struct {
	Shard *replica.ReplicaSet
	Op    shard.UpdateOperation
}

// SplitByShard partitions a write operation by routing every referenced
// point through the hash ring. The result carries exactly one sub-operation
// per shard touched, and is empty iff the source operation carried no points.
func (h *ShardHolder) SplitByShard(op shard.UpdateOperation) []ShardOperation {
	byShard := make(map[cluster.ShardID]map[cluster.PointID]bool)
	for _, id := range op.PointIDs() {
		target := h.ring.ShardOf(id)
		if byShard[target] == nil {
			byShard[target] = make(map[cluster.PointID]bool)
		}
		byShard[target][id] = true
	}

	shardIDs := maps.Keys(byShard)
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })

	out := make([]ShardOperation, 0, len(shardIDs))
	for _, shardID := range shardIDs {
		rs := h.shards[shardID]
		if rs == nil {
			continue
		}
		out = append(out, ShardOperation{Shard: rs, Op: op.Restrict(byShard[shardID])})
	}
	return out
}

// TargetShards resolves an optional shard selection: the single selected
// shard when non-nil, every shard otherwise. Selecting an unknown shard is
// a NotFound error.
func (h *ShardHolder) TargetShards(selection *cluster.ShardID) ([]*replica.ReplicaSet, error) {
	if selection == nil {
		return h.AllShards(), nil
	}
	rs := h.shards[*selection]
	if rs == nil {
		return nil, cluster.NewNotFound("shard %d", *selection)
	}
	return []*replica.ReplicaSet{rs}, nil
}

// RegisterStartShardTransfer adds a transfer to the registry, rejecting a
// duplicate of an already-registered key. Returns whether the set changed.
func (h *ShardHolder) RegisterStartShardTransfer(t cluster.ShardTransfer) (bool, error) {
	if !h.Transfers.Insert(t) {
		return false, cluster.NewBadInput("transfer %s is already registered", t.Key())
	}
	return true, nil
}

// RegisterFinishTransfer removes a transfer from the registry. Finishing an
// unknown key is a no-op, keeping finish/abort idempotent.
func (h *ShardHolder) RegisterFinishTransfer(key cluster.ShardTransferKey) bool {
	return h.Transfers.Remove(key)
}

// GetRelatedTransfers returns the transfers of the given shard whose source
// or destination is the given peer.
func (h *ShardHolder) GetRelatedTransfers(shardID cluster.ShardID, peer cluster.PeerID) []cluster.ShardTransfer {
	var out []cluster.ShardTransfer
	for _, t := range h.Transfers.Snapshot() {
		if t.ShardID == shardID && (t.From == peer || t.To == peer) {
			out = append(out, t)
		}
	}
	return out
}

// GetTransfers returns the registered transfers matching pred.
func (h *ShardHolder) GetTransfers(pred func(cluster.ShardTransfer) bool) []cluster.ShardTransfer {
	var out []cluster.ShardTransfer
	for _, t := range h.Transfers.Snapshot() {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}
