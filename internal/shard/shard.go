package shard

import (
	"context"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// Shard is the operation surface every replica presents, local or remote.
// All methods are safe for concurrent use and honor context cancellation.
type Shard interface {
	// Update applies one write operation. When wait is false the shard may
	// acknowledge before the operation is fully applied.
	Update(ctx context.Context, op UpdateOperation, wait bool) (UpdateResult, error)

	// SearchBatch runs each query of the batch and returns one top-K list
	// per query, ordered best-first under the vector's distance metric.
	// The shard applies limit+offset internally; trimming the offset is the
	// coordinator's job unless the query targets a single shard.
	SearchBatch(ctx context.Context, batch SearchRequestBatch) ([][]ScoredPoint, error)

	// Retrieve fetches points by id. Missing ids are skipped, not errors.
	Retrieve(ctx context.Context, req PointRequest) ([]Record, error)

	// Count counts points matching the request's filter.
	Count(ctx context.Context, req CountRequest) (CountResult, error)

	// ScrollBy returns up to limit points ordered by id starting at offset.
	ScrollBy(ctx context.Context, offset *cluster.PointID, limit int, withPayload, withVector bool, filter *Filter) ([]Record, error)

	// Info reports the shard's current size.
	Info(ctx context.Context) (Info, error)

	// CreateSnapshot writes the shard's content and config into targetPath,
	// staging scratch files under tempPath. saveWAL=false permits dropping
	// unflushed WAL state (listener nodes).
	CreateSnapshot(ctx context.Context, tempPath, targetPath string, saveWAL bool) error

	// Close releases the shard's resources. LocalShard rejects updates and
	// searches after Close; its other calls, and RemoteShard, are not
	// guarded.
	Close() error
}
