package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// ErrPointNotFound is returned when a requested point doesn't exist in the
// store. Callers should check for this specific error to distinguish missing
// points from storage failures.
var ErrPointNotFound = errors.New("point not found")

// Point is one stored vector point: an id, one or more named vectors, and an
// optional JSON-like payload. The empty string names the default vector.
type Point struct {
	Vectors map[string][]float32 `json:"vectors"`
	Payload map[string]any       `json:"payload,omitempty"`
	ID      cluster.PointID      `json:"id"`
}

// Clone returns a deep copy of the point.
func (p Point) Clone() Point {
	out := Point{ID: p.ID}
	if p.Vectors != nil {
		out.Vectors = make(map[string][]float32, len(p.Vectors))
		for name, vec := range p.Vectors {
			cp := make([]float32, len(vec))
			copy(cp, vec)
			out.Vectors[name] = cp
		}
	}
	if p.Payload != nil {
		out.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// StoreStats contains statistics about a store for monitoring and capacity
// planning. Values are point-in-time snapshots.
type StoreStats struct {
	// Points is the number of points in the store.
	Points int
	// VectorBytes is the total size of all stored vectors in bytes.
	VectorBytes int
}

// Store is the storage backend of one shard replica.
//
// All implementations must guarantee thread-safety, atomic per-point updates,
// and consistent use of ErrPointNotFound.
type Store interface {
	// Upsert inserts or replaces a point.
	Upsert(point Point) error

	// Get retrieves a point by id, returning ErrPointNotFound if absent.
	// The returned point must be a copy the caller may retain.
	Get(id cluster.PointID) (Point, error)

	// Delete removes a point. Deleting an absent id is not an error.
	Delete(id cluster.PointID) error

	// List returns all points ordered by id, starting at offset (inclusive,
	// nil for the beginning), up to limit points. limit <= 0 means no limit.
	List(offset *cluster.PointID, limit int) []Point

	// Count returns the number of stored points.
	Count() int

	// Stats returns current storage statistics.
	Stats() StoreStats

	// Clear removes every point. Used when restoring a replica from a
	// transfer or snapshot.
	Clear()
}

// MemoryStore implements Store with a mutex-guarded map. Data does not
// survive restarts; persistence is provided by the shard snapshot path.
type MemoryStore struct {
	points map[cluster.PointID]Point
	mu     sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[cluster.PointID]Point)}
}

// Upsert inserts or replaces a point, storing a deep copy so later caller
// mutations can't leak in.
func (m *MemoryStore) Upsert(point Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[point.ID] = point.Clone()
	return nil
}

// Get retrieves a copy of the point with the given id.
func (m *MemoryStore) Get(id cluster.PointID) (Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	point, ok := m.points[id]
	if !ok {
		return Point{}, ErrPointNotFound
	}
	return point.Clone(), nil
}

// Delete removes a point; idempotent.
func (m *MemoryStore) Delete(id cluster.PointID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, id)
	return nil
}

// List returns points ordered by id from offset, up to limit.
func (m *MemoryStore) List(offset *cluster.PointID, limit int) []Point {
	m.mu.RLock()
	ids := make([]cluster.PointID, 0, len(m.points))
	for id := range m.points {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	var out []Point
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range ids {
		if offset != nil && id.Less(*offset) {
			continue
		}
		point, ok := m.points[id]
		if !ok {
			continue
		}
		out = append(out, point.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Count returns the number of stored points.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// Stats returns current point and vector-byte counts.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bytes := 0
	for _, point := range m.points {
		for _, vec := range point.Vectors {
			bytes += 4 * len(vec)
		}
	}
	return StoreStats{Points: len(m.points), VectorBytes: bytes}
}

// Clear removes every point.
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[cluster.PointID]Point)
}
