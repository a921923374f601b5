package transfer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/holder"
	"github.com/usmc2033/qdrant/internal/replica"
	"github.com/usmc2033/qdrant/internal/shard"
	"github.com/usmc2033/qdrant/internal/storage"
)

// transferBatchSize is the number of points pushed per streaming batch.
const transferBatchSize = 100

// CheckConflictsStrict rejects a proposed transfer when any registered
// transfer touches the same shard on either endpoint. Returns the
// conflicting transfer, nil when the proposal is clear. This is stricter
// than same-key uniqueness, which the registry enforces separately.
func CheckConflictsStrict(proposed cluster.ShardTransfer, existing []cluster.ShardTransfer) *cluster.ShardTransfer {
	for _, t := range existing {
		if t.ShardID != proposed.ShardID {
			continue
		}
		if t.From == proposed.From || t.To == proposed.From ||
			t.From == proposed.To || t.To == proposed.To {
			conflict := t
			return &conflict
		}
	}
	return nil
}

// TransferShard is the sender-side driver: it streams the shard's current
// content to the destination peer in batches while the forward proxy keeps
// teeing live writes. The caller has already proxified the local replica and
// advertised the destination as Partial.
func TransferShard(ctx context.Context, rs *replica.ReplicaSet, t cluster.ShardTransfer, collection string, channels *cluster.ChannelService) error {
	local := rs.LocalShardForTransfer()
	if local == nil {
		return cluster.NewServiceError("shard %d has no local replica to transfer", t.ShardID)
	}
	dest := shard.NewRemoteShard(t.ShardID, collection, t.To, channels)

	if err := dest.InitTransfer(ctx); err != nil {
		return errors.Wrapf(err, "initiate transfer of shard %d on peer %d", t.ShardID, t.To)
	}

	log.WithFields(log.Fields{
		"collection": collection,
		"transfer":   t.Key().String(),
	}).Info("Streaming shard content to destination")

	var offset *cluster.PointID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := local.ScrollBy(ctx, offset, transferBatchSize+1, true, true, nil)
		if err != nil {
			return err
		}
		page := records
		if len(records) > transferBatchSize {
			page = records[:transferBatchSize]
			next := records[transferBatchSize].ID
			offset = &next
		} else {
			offset = nil
		}
		if len(page) > 0 {
			op := batchToUpsert(page)
			// Push with bounded retry: transient destination hiccups must
			// not fail a multi-gigabyte stream.
			push := func() error { return dest.TransferBatch(ctx, op) }
			policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
			if err := backoff.Retry(push, policy); err != nil {
				return errors.Wrapf(err, "push batch of shard %d to peer %d", t.ShardID, t.To)
			}
		}
		if offset == nil {
			return nil
		}
	}
}

func batchToUpsert(records []shard.Record) shard.UpdateOperation {
	op := shard.UpdateOperation{Kind: shard.OpUpsert}
	for _, rec := range records {
		op.Points = append(op.Points, storage.Point{
			ID:      rec.ID,
			Vectors: rec.Vectors,
			Payload: rec.Payload,
		})
	}
	return op
}

// HandleTransferredShardProxy finishes a transfer on the sender: the forward
// proxy is unwrapped back to a plain local replica (sync=false, the replica
// stays here) or replaced with a remote stub pointing at the destination
// (sync=true, the replica moved). Returns false when this peer holds no
// local replica of the shard, true otherwise, whether or not it was proxied.
func HandleTransferredShardProxy(h *holder.ShardHolder, shardID cluster.ShardID, to cluster.PeerID, sync bool) (bool, error) {
	rs := h.GetShard(shardID)
	if rs == nil {
		return false, cluster.NewNotFound("shard %d", shardID)
	}
	if !rs.IsLocal() {
		return false, nil
	}
	if sync {
		if err := rs.PromoteProxyToRemote(); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := rs.UnProxifyLocal(); err != nil {
		return false, err
	}
	return true, nil
}

// RevertProxyShardToLocal unwraps the forward proxy after a failed or
// aborted transfer, leaving the plain local replica serving as before.
func RevertProxyShardToLocal(h *holder.ShardHolder, shardID cluster.ShardID) error {
	rs := h.GetShard(shardID)
	if rs == nil {
		return cluster.NewNotFound("shard %d", shardID)
	}
	return rs.UnProxifyLocal()
}

// FinalizePartialShard finishes a transfer on the receiver: the Partial
// local replica is promoted Active. Returns whether a promotion happened.
func FinalizePartialShard(h *holder.ShardHolder, shardID cluster.ShardID) (bool, error) {
	rs := h.GetShard(shardID)
	if rs == nil {
		return false, cluster.NewNotFound("shard %d", shardID)
	}
	if !rs.IsLocal() {
		return false, nil
	}
	state := rs.PeerState(rs.ThisPeer())
	if state == nil || *state != cluster.ReplicaPartial {
		return false, nil
	}
	if err := rs.SetReplicaState(rs.ThisPeer(), cluster.ReplicaActive); err != nil {
		return false, err
	}
	return true, nil
}

// ChangeRemoteShardRoute finishes a transfer on a third party. A sync
// transfer moved the replica, so the stub routing at the old source is
// retargeted to the destination; a non-sync transfer replicated it, so a
// stub for the destination is added and the source stub stays. Returns
// whether the routing changed.
func ChangeRemoteShardRoute(h *holder.ShardHolder, shardID cluster.ShardID, from, to cluster.PeerID, sync bool) (bool, error) {
	rs := h.GetShard(shardID)
	if rs == nil {
		return false, cluster.NewNotFound("shard %d", shardID)
	}
	if sync {
		return rs.RerouteRemote(from, to), nil
	}
	return rs.EnsureRemote(to), nil
}

// WaitForTransferToThisPeer blocks until the consensus-broadcast transfer
// set contains a transfer of the given shard targeting this peer, bounded by
// timeout. Used by receivers initiated from consensus.
func WaitForTransferToThisPeer(w *holder.WatchedTransfers, shardID cluster.ShardID, thisPeer cluster.PeerID, timeout time.Duration) bool {
	return w.WaitFor(func(transfers []cluster.ShardTransfer) bool {
		for _, t := range transfers {
			if t.ShardID == shardID && t.To == thisPeer {
				return true
			}
		}
		return false
	}, timeout)
}
