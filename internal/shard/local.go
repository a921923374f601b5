package shard

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/storage"
)

const (
	pointsFileName = "points.json"
	walFileName    = "wal.json"
)

// OperationStats tracks cumulative operation counts for a local shard.
// Counters are monotonically increasing and updated atomically.
type OperationStats struct {
	Updates   uint64
	Searches  uint64
	Retrieves uint64
}

// LocalShard is the replica of one shard held on this peer: a storage
// backend, the vector parameters needed to score queries, and a write-ahead
// operation counter. It stands in for an external storage engine; its on-disk
// format is a flat JSON dump, but its operation surface and concurrency
// behavior are those the coordinator depends on.
type LocalShard struct {
	store   storage.Store
	vectors map[string]VectorParams
	path    string
	id      cluster.ShardID

	stats  OperationStats
	opSeq  atomic.Uint64
	closed atomic.Bool
	// loadMu serializes whole-store replacement (restore) against readers.
	loadMu sync.RWMutex
}

// BuildLocalShard creates an empty local shard rooted at path, persisting a
// local-type shard config so the shard is recognized on reload.
func BuildLocalShard(id cluster.ShardID, path string, vectors map[string]VectorParams) (*LocalShard, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create shard %d directory", id)
	}
	s := &LocalShard{
		id:      id,
		path:    path,
		store:   storage.NewMemoryStore(),
		vectors: vectors,
	}
	if err := SaveConfig(path, Config{Type: TypeLocal}); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadLocalShard opens the shard rooted at path, reading back any persisted
// points.
func LoadLocalShard(id cluster.ShardID, path string, vectors map[string]VectorParams) (*LocalShard, error) {
	s, err := BuildLocalShard(id, path, vectors)
	if err != nil {
		return nil, err
	}
	if err := s.loadPoints(filepath.Join(path, pointsFileName)); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the shard id.
func (s *LocalShard) ID() cluster.ShardID { return s.id }

// Path returns the shard's storage directory.
func (s *LocalShard) Path() string { return s.path }

// Stats returns a snapshot of the cumulative operation counters.
func (s *LocalShard) Stats() OperationStats {
	return OperationStats{
		Updates:   atomic.LoadUint64(&s.stats.Updates),
		Searches:  atomic.LoadUint64(&s.stats.Searches),
		Retrieves: atomic.LoadUint64(&s.stats.Retrieves),
	}
}

// Update applies one write operation to the local store.
func (s *LocalShard) Update(ctx context.Context, op UpdateOperation, wait bool) (UpdateResult, error) {
	if s.closed.Load() {
		return UpdateResult{}, cluster.NewServiceError("shard %d is closed", s.id)
	}
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	atomic.AddUint64(&s.stats.Updates, 1)

	s.loadMu.RLock()
	defer s.loadMu.RUnlock()

	switch op.Kind {
	case OpUpsert:
		for _, point := range op.Points {
			if err := s.checkVectors(point); err != nil {
				return UpdateResult{}, err
			}
			if err := s.store.Upsert(point); err != nil {
				return UpdateResult{}, err
			}
		}
	case OpDelete:
		for _, id := range op.IDs {
			if err := s.store.Delete(id); err != nil {
				return UpdateResult{}, err
			}
		}
	case OpSetPayload:
		for _, id := range op.IDs {
			point, err := s.store.Get(id)
			if err != nil {
				if errors.Is(err, storage.ErrPointNotFound) {
					continue
				}
				return UpdateResult{}, err
			}
			if point.Payload == nil {
				point.Payload = make(map[string]any, len(op.Payload))
			}
			for k, v := range op.Payload {
				point.Payload[k] = v
			}
			if err := s.store.Upsert(point); err != nil {
				return UpdateResult{}, err
			}
		}
	case OpClearPayload:
		for _, id := range op.IDs {
			point, err := s.store.Get(id)
			if err != nil {
				if errors.Is(err, storage.ErrPointNotFound) {
					continue
				}
				return UpdateResult{}, err
			}
			point.Payload = nil
			if err := s.store.Upsert(point); err != nil {
				return UpdateResult{}, err
			}
		}
	default:
		return UpdateResult{}, cluster.NewBadRequest("unknown operation kind %q", op.Kind)
	}

	status := StatusAcknowledged
	if wait {
		status = StatusCompleted
	}
	return UpdateResult{OperationID: s.opSeq.Add(1), Status: status}, nil
}

func (s *LocalShard) checkVectors(point storage.Point) error {
	for name, vec := range point.Vectors {
		params, ok := s.vectors[name]
		if !ok {
			return cluster.NewBadInput("unknown vector field %q for point %s", name, point.ID)
		}
		if uint64(len(vec)) != params.Size {
			return cluster.NewBadInput("vector %q of point %s has size %d, expected %d",
				name, point.ID, len(vec), params.Size)
		}
	}
	return nil
}

// SearchBatch scores every stored point against each query and returns the
// per-query top limit+offset hits ordered per the metric.
func (s *LocalShard) SearchBatch(ctx context.Context, batch SearchRequestBatch) ([][]ScoredPoint, error) {
	if s.closed.Load() {
		return nil, cluster.NewServiceError("shard %d is closed", s.id)
	}
	atomic.AddUint64(&s.stats.Searches, 1)

	s.loadMu.RLock()
	points := s.store.List(nil, 0)
	s.loadMu.RUnlock()

	results := make([][]ScoredPoint, len(batch.Searches))
	for qi, req := range batch.Searches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		params, ok := s.vectors[req.VectorName]
		if !ok {
			return nil, cluster.NewBadInput("unknown vector field %q", req.VectorName)
		}

		var hits []ScoredPoint
		for _, point := range points {
			vec, ok := point.Vectors[req.VectorName]
			if !ok || !req.Filter.Matches(point) {
				continue
			}
			score := params.Distance.Score(req.Vector, vec)
			if req.ScoreThreshold != nil && worseThan(score, *req.ScoreThreshold, params.Distance.DistanceOrder()) {
				continue
			}
			hit := ScoredPoint{ID: point.ID, Score: score}
			if req.WithPayload {
				hit.Payload = point.Payload
			}
			if req.WithVector {
				hit.Vectors = point.Vectors
			}
			hits = append(hits, hit)
		}

		order := params.Distance.DistanceOrder()
		sort.SliceStable(hits, func(i, j int) bool {
			if order == LargeBetter {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].Score < hits[j].Score
		})
		if top := req.Limit + req.Offset; len(hits) > top {
			hits = hits[:top]
		}
		results[qi] = hits
	}
	return results, nil
}

func worseThan(score, threshold float32, order Order) bool {
	if order == LargeBetter {
		return score < threshold
	}
	return score > threshold
}

// Retrieve fetches points by id, silently skipping missing ones.
func (s *LocalShard) Retrieve(ctx context.Context, req PointRequest) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.stats.Retrieves, 1)

	s.loadMu.RLock()
	defer s.loadMu.RUnlock()

	records := make([]Record, 0, len(req.IDs))
	for _, id := range req.IDs {
		point, err := s.store.Get(id)
		if err != nil {
			if errors.Is(err, storage.ErrPointNotFound) {
				continue
			}
			return nil, err
		}
		rec := Record{ID: point.ID}
		if req.WithPayload {
			rec.Payload = point.Payload
		}
		if req.WithVector {
			rec.Vectors = point.Vectors
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count counts points matching the filter. Estimated counts equal exact
// counts for the in-memory backend.
func (s *LocalShard) Count(ctx context.Context, req CountRequest) (CountResult, error) {
	if err := ctx.Err(); err != nil {
		return CountResult{}, err
	}
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()

	if req.Filter == nil {
		return CountResult{Count: s.store.Count()}, nil
	}
	count := 0
	for _, point := range s.store.List(nil, 0) {
		if req.Filter.Matches(point) {
			count++
		}
	}
	return CountResult{Count: count}, nil
}

// ScrollBy returns up to limit points in id order starting at offset.
func (s *LocalShard) ScrollBy(ctx context.Context, offset *cluster.PointID, limit int, withPayload, withVector bool, filter *Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.loadMu.RLock()
	defer s.loadMu.RUnlock()

	var records []Record
	// Over-fetch is unnecessary: List walks in id order, filter as we go.
	for _, point := range s.store.List(offset, 0) {
		if !filter.Matches(point) {
			continue
		}
		rec := Record{ID: point.ID}
		if withPayload {
			rec.Payload = point.Payload
		}
		if withVector {
			rec.Vectors = point.Vectors
		}
		records = append(records, rec)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

// Info reports the shard's size. The in-memory backend is one segment.
func (s *LocalShard) Info(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	stats := s.store.Stats()
	return Info{
		PointsCount:   stats.Points,
		VectorsCount:  stats.Points * len(s.vectors),
		SegmentsCount: 1,
	}, nil
}

// CreateSnapshot dumps the shard's points and config into targetPath.
// With saveWAL=false the operation counter is not written. RestoreFrom reads
// back only the points, so a restored shard restarts its operation sequence
// either way.
func (s *LocalShard) CreateSnapshot(ctx context.Context, tempPath, targetPath string, saveWAL bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(targetPath, 0o755); err != nil {
		return errors.Wrapf(err, "create snapshot target for shard %d", s.id)
	}

	s.loadMu.RLock()
	points := s.store.List(nil, 0)
	opSeq := s.opSeq.Load()
	s.loadMu.RUnlock()

	if err := writeJSONAtomic(tempPath, filepath.Join(targetPath, pointsFileName), points); err != nil {
		return err
	}
	if saveWAL {
		wal := map[string]uint64{"last_operation_id": opSeq}
		if err := writeJSONAtomic(tempPath, filepath.Join(targetPath, walFileName), wal); err != nil {
			return err
		}
	}
	return SaveConfig(targetPath, Config{Type: TypeLocal})
}

// RestoreFrom replaces the shard's content with the points persisted at
// snapshotPath.
func (s *LocalShard) RestoreFrom(snapshotPath string) error {
	return s.loadPoints(filepath.Join(snapshotPath, pointsFileName))
}

func (s *LocalShard) loadPoints(file string) error {
	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read shard %d points", s.id)
	}
	var points []storage.Point
	if err := json.Unmarshal(data, &points); err != nil {
		return errors.Wrapf(err, "decode shard %d points", s.id)
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	s.store.Clear()
	for _, point := range points {
		if err := s.store.Upsert(point); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"shard": s.id, "points": len(points)}).Debug("Loaded shard points")
	return nil
}

// Close marks the shard closed. The in-memory backend has nothing to flush.
func (s *LocalShard) Close() error {
	s.closed.Store(true)
	return nil
}

// RestoreLocalShardSnapshot validates a local shard snapshot directory in
// place. The flat dump format needs no rewriting on restore.
func RestoreLocalShardSnapshot(snapshotPath string) error {
	if _, err := os.Stat(filepath.Join(snapshotPath, pointsFileName)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "validate local shard snapshot")
	}
	return nil
}

func writeJSONAtomic(tempDir, target string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode snapshot file")
	}
	tmp, err := os.CreateTemp(tempDir, filepath.Base(target)+"-*")
	if err != nil {
		return errors.Wrap(err, "create snapshot temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write snapshot temp file")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
