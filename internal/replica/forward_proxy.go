package replica

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/shard"
)

// ForwardProxy decorates a LocalShard during an outgoing transfer: every
// write applied locally is also forwarded to the transfer destination, so the
// destination's partial replica stays current while the bulk stream runs.
// Reads pass straight through to the wrapped shard.
type ForwardProxy struct {
	wrapped *shard.LocalShard
	remote  *shard.RemoteShard
}

// NewForwardProxy wraps local so writes tee to remote.
func NewForwardProxy(local *shard.LocalShard, remote *shard.RemoteShard) *ForwardProxy {
	return &ForwardProxy{wrapped: local, remote: remote}
}

// DestPeer returns the transfer destination the proxy forwards to.
func (p *ForwardProxy) DestPeer() cluster.PeerID { return p.remote.Peer() }

// Unwrap returns the decorated local shard.
func (p *ForwardProxy) Unwrap() *shard.LocalShard { return p.wrapped }

// Update applies the operation locally, then forwards it to the destination.
// A forward failure fails the update, so the caller sees the error rather
// than the partial replica silently diverging; the streaming driver is not
// notified and keeps running.
func (p *ForwardProxy) Update(ctx context.Context, op shard.UpdateOperation, wait bool) (shard.UpdateResult, error) {
	res, err := p.wrapped.Update(ctx, op, wait)
	if err != nil {
		return res, err
	}
	if err := p.remote.TransferBatch(ctx, op); err != nil {
		log.WithFields(log.Fields{
			"shard": p.wrapped.ID(),
			"dest":  p.remote.Peer(),
		}).WithError(err).Warn("Failed to forward update to transfer destination")
		return res, errors.Wrapf(err, "forward update of shard %d to peer %d", p.wrapped.ID(), p.remote.Peer())
	}
	return res, nil
}

// SearchBatch delegates to the wrapped shard.
func (p *ForwardProxy) SearchBatch(ctx context.Context, batch shard.SearchRequestBatch) ([][]shard.ScoredPoint, error) {
	return p.wrapped.SearchBatch(ctx, batch)
}

// Retrieve delegates to the wrapped shard.
func (p *ForwardProxy) Retrieve(ctx context.Context, req shard.PointRequest) ([]shard.Record, error) {
	return p.wrapped.Retrieve(ctx, req)
}

// Count delegates to the wrapped shard.
func (p *ForwardProxy) Count(ctx context.Context, req shard.CountRequest) (shard.CountResult, error) {
	return p.wrapped.Count(ctx, req)
}

// ScrollBy delegates to the wrapped shard.
func (p *ForwardProxy) ScrollBy(ctx context.Context, offset *cluster.PointID, limit int, withPayload, withVector bool, filter *shard.Filter) ([]shard.Record, error) {
	return p.wrapped.ScrollBy(ctx, offset, limit, withPayload, withVector, filter)
}

// Info delegates to the wrapped shard.
func (p *ForwardProxy) Info(ctx context.Context) (shard.Info, error) {
	return p.wrapped.Info(ctx)
}

// CreateSnapshot delegates to the wrapped shard.
func (p *ForwardProxy) CreateSnapshot(ctx context.Context, tempPath, targetPath string, saveWAL bool) error {
	return p.wrapped.CreateSnapshot(ctx, tempPath, targetPath, saveWAL)
}

// Close closes the wrapped shard.
func (p *ForwardProxy) Close() error { return p.wrapped.Close() }
