package collection

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/replica"
	"github.com/usmc2033/qdrant/internal/shard"
)

// payloadTransfersFactorThreshold decides when the two-phase search pays
// off: metadata is stripped from phase one when the records shards would
// ship exceed the records actually used by this factor.
const payloadTransfersFactorThreshold = 10

// Search runs a single query; it is the one-element case of SearchBatch.
func (c *Collection) Search(ctx context.Context, req shard.SearchRequest, shardSelection *cluster.ShardID) ([]shard.ScoredPoint, error) {
	if req.Limit == 0 {
		return nil, nil
	}
	results, err := c.SearchBatch(ctx, shard.SearchRequestBatch{Searches: []shard.SearchRequest{req}}, shardSelection)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// SearchBatch fans the query batch to the target shards and merges per-query
// results. When payload or vectors are requested and the fan-out would ship
// far more metadata than the final result uses, a two-phase plan runs
// instead: phase one searches with metadata stripped, phase two retrieves
// payload and vectors for the surviving ids only.
func (c *Collection) SearchBatch(ctx context.Context, batch shard.SearchRequestBatch, shardSelection *cluster.ShardID) ([][]shard.ScoredPoint, error) {
	allZero := true
	for _, req := range batch.Searches {
		if req.Limit != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return make([][]shard.ScoredPoint, len(batch.Searches)), nil
	}

	metadataRequired := false
	sumLimits, sumOffsets := 0, 0
	for _, req := range batch.Searches {
		if req.WithPayload || req.WithVector {
			metadataRequired = true
		}
		sumLimits += req.Limit
		sumOffsets += req.Offset
	}

	c.holderMu.RLock()
	shardCount := c.holder.Len()
	c.holderMu.RUnlock()

	requiredTransfers := shardCount * (sumLimits + sumOffsets)
	usedTransfers := sumLimits

	if metadataRequired && requiredTransfers > usedTransfers*payloadTransfersFactorThreshold {
		// Phase one: same queries, metadata stripped.
		stripped := shard.SearchRequestBatch{Searches: make([]shard.SearchRequest, len(batch.Searches))}
		for i, req := range batch.Searches {
			req.WithPayload = false
			req.WithVector = false
			stripped.Searches[i] = req
		}
		bare, err := c.searchBatchInternal(ctx, stripped, shardSelection)
		if err != nil {
			return nil, err
		}
		// Phase two: enrich the survivors.
		filled := make([][]shard.ScoredPoint, len(bare))
		for i, result := range bare {
			req := batch.Searches[i]
			enriched, err := c.fillSearchResultWithPayload(ctx, result, req.WithPayload, req.WithVector, shardSelection)
			if err != nil {
				return nil, err
			}
			filled[i] = enriched
		}
		return filled, nil
	}

	return c.searchBatchInternal(ctx, batch, shardSelection)
}

// searchBatchInternal is the direct path: one request per target shard,
// merged per query.
func (c *Collection) searchBatchInternal(ctx context.Context, batch shard.SearchRequestBatch, shardSelection *cluster.ShardID) ([][]shard.ScoredPoint, error) {
	c.holderMu.RLock()
	targets, err := c.holder.TargetShards(shardSelection)
	c.holderMu.RUnlock()
	if err != nil {
		return nil, err
	}

	perShard, err := fanOut(ctx, targets, func(ctx context.Context, rs *replica.ReplicaSet) ([][]shard.ScoredPoint, error) {
		return rs.Search(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return c.mergeFromShards(perShard, batch, shardSelection)
}

// mergeFromShards concatenates per-shard top-K lists per query, takes the
// global top limit+offset under the vector's score order, and trims the
// offset. With a shard selection the offset is not trimmed here or by the
// shard: the result holds the top limit+offset hits, and a peer that fanned
// the query out trims once after its own merge.
func (c *Collection) mergeFromShards(perShard [][][]shard.ScoredPoint, batch shard.SearchRequestBatch, shardSelection *cluster.ShardID) ([][]shard.ScoredPoint, error) {
	batchSize := len(batch.Searches)
	merged := make([][]shard.ScoredPoint, batchSize)
	for _, shardResults := range perShard {
		for qi, queryResult := range shardResults {
			if qi < batchSize {
				merged[qi] = append(merged[qi], queryResult...)
			}
		}
	}

	c.configMu.RLock()
	params := c.config.Params
	c.configMu.RUnlock()

	out := make([][]shard.ScoredPoint, batchSize)
	for qi, req := range batch.Searches {
		vectorParams, err := params.GetVectorParams(req.VectorName)
		if err != nil {
			return nil, err
		}
		top := peekTopK(merged[qi], req.Limit+req.Offset, vectorParams.Distance.DistanceOrder())
		// Trim the offset only for cluster-wide queries; a selected-shard
		// result goes back untrimmed to the peer that fanned out, which
		// trims once, so trimming here too would drop hits.
		if shardSelection == nil && req.Offset > 0 {
			if len(top) >= req.Offset {
				top = top[req.Offset:]
			} else {
				top = nil
			}
		}
		out[qi] = top
	}
	return out, nil
}

// peekTopK returns the best k points under the order, ties broken stably.
func peekTopK(points []shard.ScoredPoint, k int, order shard.Order) []shard.ScoredPoint {
	sorted := make([]shard.ScoredPoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		if order == shard.LargeBetter {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Score < sorted[j].Score
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// fillSearchResultWithPayload retrieves payload and vectors for phase-one
// survivors. Points deleted between the phases are silently dropped.
func (c *Collection) fillSearchResultWithPayload(ctx context.Context, result []shard.ScoredPoint, withPayload, withVector bool, shardSelection *cluster.ShardID) ([]shard.ScoredPoint, error) {
	if !withPayload && !withVector {
		return result, nil
	}
	ids := make([]cluster.PointID, len(result))
	for i, point := range result {
		ids[i] = point.ID
	}
	records, err := c.Retrieve(ctx, shard.PointRequest{IDs: ids, WithPayload: withPayload, WithVector: withVector}, shardSelection)
	if err != nil {
		return nil, err
	}
	byID := make(map[cluster.PointID]shard.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	enriched := make([]shard.ScoredPoint, 0, len(result))
	for _, point := range result {
		rec, ok := byID[point.ID]
		if !ok {
			continue
		}
		point.Payload = rec.Payload
		point.Vectors = rec.Vectors
		enriched = append(enriched, point)
	}
	return enriched, nil
}

// ScrollBy pages through the collection's points in id order across the
// target shards. Each shard returns up to limit+1 points; the flattened,
// id-sorted result keeps limit points and reports the removed extra one as
// the next page offset.
func (c *Collection) ScrollBy(ctx context.Context, req shard.ScrollRequest, shardSelection *cluster.ShardID) (shard.ScrollResult, error) {
	limit := 10
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit == 0 {
		return shard.ScrollResult{}, cluster.NewBadRequest("limit cannot be 0")
	}
	fetch := limit + 1

	c.holderMu.RLock()
	targets, err := c.holder.TargetShards(shardSelection)
	c.holderMu.RUnlock()
	if err != nil {
		return shard.ScrollResult{}, err
	}

	perShard, err := fanOut(ctx, targets, func(ctx context.Context, rs *replica.ReplicaSet) ([]shard.Record, error) {
		return rs.ScrollBy(ctx, req.Offset, fetch, req.WithPayload, req.WithVector, req.Filter)
	})
	if err != nil {
		return shard.ScrollResult{}, err
	}

	var points []shard.Record
	for _, records := range perShard {
		points = append(points, records...)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].ID.Less(points[j].ID) })
	if len(points) > fetch {
		points = points[:fetch]
	}

	var next *cluster.PointID
	if len(points) == fetch {
		id := points[len(points)-1].ID
		next = &id
		points = points[:limit]
	}
	return shard.ScrollResult{Points: points, NextPageOffset: next}, nil
}

// Count sums point counts across the target shards. Exact=false permits
// estimated counts.
func (c *Collection) Count(ctx context.Context, req shard.CountRequest, shardSelection *cluster.ShardID) (shard.CountResult, error) {
	c.holderMu.RLock()
	targets, err := c.holder.TargetShards(shardSelection)
	c.holderMu.RUnlock()
	if err != nil {
		return shard.CountResult{}, err
	}

	counts, err := fanOut(ctx, targets, func(ctx context.Context, rs *replica.ReplicaSet) (shard.CountResult, error) {
		return rs.Count(ctx, req)
	})
	if err != nil {
		return shard.CountResult{}, err
	}
	total := 0
	for _, count := range counts {
		total += count.Count
	}
	return shard.CountResult{Count: total}, nil
}

// Retrieve fetches points by id from the target shards and concatenates the
// results.
func (c *Collection) Retrieve(ctx context.Context, req shard.PointRequest, shardSelection *cluster.ShardID) ([]shard.Record, error) {
	c.holderMu.RLock()
	targets, err := c.holder.TargetShards(shardSelection)
	c.holderMu.RUnlock()
	if err != nil {
		return nil, err
	}

	perShard, err := fanOut(ctx, targets, func(ctx context.Context, rs *replica.ReplicaSet) ([]shard.Record, error) {
		return rs.Retrieve(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	var records []shard.Record
	for _, batch := range perShard {
		records = append(records, batch...)
	}
	return records, nil
}

// fanOut runs op against every replica set concurrently and collects the
// results in target order, failing on the first error.
func fanOut[T any](ctx context.Context, targets []*replica.ReplicaSet, op func(context.Context, *replica.ReplicaSet) (T, error)) ([]T, error) {
	results := make([]T, len(targets))
	group, ctx := errgroup.WithContext(ctx)
	for i, rs := range targets {
		i, rs := i, rs
		group.Go(func() error {
			res, err := op(ctx, rs)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
