package shard

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// RemoteShard is the RPC stub for a replica hosted on another peer. It
// serializes shard operations over the collection's ChannelService; the
// remote peer applies them to its own replica set for the shard.
type RemoteShard struct {
	channels   *cluster.ChannelService
	collection string
	id         cluster.ShardID
	peer       cluster.PeerID
}

// NewRemoteShard builds a stub for the given shard on the given peer.
func NewRemoteShard(id cluster.ShardID, collection string, peer cluster.PeerID, channels *cluster.ChannelService) *RemoteShard {
	return &RemoteShard{
		id:         id,
		collection: collection,
		peer:       peer,
		channels:   channels,
	}
}

// Peer returns the peer currently hosting the replica.
func (r *RemoteShard) Peer() cluster.PeerID { return r.peer }

// ID returns the shard id.
func (r *RemoteShard) ID() cluster.ShardID { return r.id }

func (r *RemoteShard) path(op string) string {
	return fmt.Sprintf("/collections/%s/shards/%d/%s", r.collection, r.id, op)
}

// Update forwards one write to the hosting peer.
func (r *RemoteShard) Update(ctx context.Context, op UpdateOperation, wait bool) (UpdateResult, error) {
	req := struct {
		Operation UpdateOperation `json:"operation"`
		Wait      bool            `json:"wait"`
	}{Operation: op, Wait: wait}
	var res UpdateResult
	if err := r.channels.PostJSON(ctx, r.peer, r.path("update"), req, &res); err != nil {
		return UpdateResult{}, errors.Wrapf(err, "update shard %d on peer %d", r.id, r.peer)
	}
	return res, nil
}

// SearchBatch forwards a query batch to the hosting peer.
func (r *RemoteShard) SearchBatch(ctx context.Context, batch SearchRequestBatch) ([][]ScoredPoint, error) {
	var res [][]ScoredPoint
	if err := r.channels.PostJSON(ctx, r.peer, r.path("search"), batch, &res); err != nil {
		return nil, errors.Wrapf(err, "search shard %d on peer %d", r.id, r.peer)
	}
	return res, nil
}

// Retrieve forwards a point lookup to the hosting peer.
func (r *RemoteShard) Retrieve(ctx context.Context, req PointRequest) ([]Record, error) {
	var res []Record
	if err := r.channels.PostJSON(ctx, r.peer, r.path("retrieve"), req, &res); err != nil {
		return nil, errors.Wrapf(err, "retrieve from shard %d on peer %d", r.id, r.peer)
	}
	return res, nil
}

// Count forwards a count to the hosting peer.
func (r *RemoteShard) Count(ctx context.Context, req CountRequest) (CountResult, error) {
	var res CountResult
	if err := r.channels.PostJSON(ctx, r.peer, r.path("count"), req, &res); err != nil {
		return CountResult{}, errors.Wrapf(err, "count shard %d on peer %d", r.id, r.peer)
	}
	return res, nil
}

// ScrollBy forwards a scroll page request to the hosting peer.
func (r *RemoteShard) ScrollBy(ctx context.Context, offset *cluster.PointID, limit int, withPayload, withVector bool, filter *Filter) ([]Record, error) {
	req := struct {
		Offset      *cluster.PointID `json:"offset,omitempty"`
		Filter      *Filter          `json:"filter,omitempty"`
		Limit       int              `json:"limit"`
		WithPayload bool             `json:"with_payload"`
		WithVector  bool             `json:"with_vector"`
	}{Offset: offset, Filter: filter, Limit: limit, WithPayload: withPayload, WithVector: withVector}
	var res []Record
	if err := r.channels.PostJSON(ctx, r.peer, r.path("scroll"), req, &res); err != nil {
		return nil, errors.Wrapf(err, "scroll shard %d on peer %d", r.id, r.peer)
	}
	return res, nil
}

// Info forwards an info request to the hosting peer.
func (r *RemoteShard) Info(ctx context.Context) (Info, error) {
	var res Info
	if err := r.channels.GetJSON(ctx, r.peer, r.path("info"), &res); err != nil {
		return Info{}, errors.Wrapf(err, "info of shard %d on peer %d", r.id, r.peer)
	}
	return res, nil
}

// CreateSnapshot persists only the stub's config: the remote peer owns the
// data, so a collection snapshot records the route, not the points.
func (r *RemoteShard) CreateSnapshot(ctx context.Context, tempPath, targetPath string, saveWAL bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(targetPath, 0o755); err != nil {
		return errors.Wrapf(err, "create snapshot target for remote shard %d", r.id)
	}
	return SaveConfig(targetPath, Config{Type: TypeRemote, Peer: r.peer})
}

// InitTransfer asks the hosting peer to prepare an empty partial replica for
// an incoming transfer of this shard.
func (r *RemoteShard) InitTransfer(ctx context.Context) error {
	return r.channels.PostJSON(ctx, r.peer, r.path("transfer/init"), struct{}{}, nil)
}

// TransferBatch pushes a batch of points into the receiving peer's partial
// replica.
func (r *RemoteShard) TransferBatch(ctx context.Context, op UpdateOperation) error {
	req := struct {
		Operation UpdateOperation `json:"operation"`
		Wait      bool            `json:"wait"`
	}{Operation: op, Wait: true}
	return r.channels.PostJSON(ctx, r.peer, r.path("transfer/batch"), req, nil)
}

// Close releases nothing: the stub holds no resources of its own.
func (r *RemoteShard) Close() error { return nil }

// RestoreRemoteShardSnapshot is a no-op: a remote stub directory only holds
// its config, which restore re-reads as-is.
func RestoreRemoteShardSnapshot(snapshotPath string) error {
	return nil
}
