package shard

import (
	"math"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/storage"
)

// Distance is the metric a vector field is indexed and scored with.
type Distance string

const (
	// DistanceCosine scores by cosine similarity; larger is better.
	DistanceCosine Distance = "Cosine"
	// DistanceDot scores by dot product; larger is better.
	DistanceDot Distance = "Dot"
	// DistanceEuclid scores by euclidean distance; smaller is better.
	DistanceEuclid Distance = "Euclid"
)

// Order is the direction in which scores under a Distance improve.
type Order int

const (
	// LargeBetter ranks higher scores first (cosine, dot).
	LargeBetter Order = iota
	// SmallBetter ranks lower scores first (euclidean).
	SmallBetter
)

// DistanceOrder returns the score ordering of the metric.
func (d Distance) DistanceOrder() Order {
	if d == DistanceEuclid {
		return SmallBetter
	}
	return LargeBetter
}

// Score computes the similarity of two vectors under the metric. Cosine
// normalizes both sides, so identical directions score 1.0.
func (d Distance) Score(a, b []float32) float32 {
	switch d {
	case DistanceDot:
		return dot(a, b)
	case DistanceEuclid:
		var sum float64
		for i := range a {
			diff := float64(a[i]) - float64(b[i])
			sum += diff * diff
		}
		return float32(math.Sqrt(sum))
	default:
		na, nb := norm(a), norm(b)
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		if i >= len(b) {
			break
		}
		sum += a[i] * b[i]
	}
	return sum
}

func norm(a []float32) float32 {
	var sum float64
	for _, x := range a {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// VectorParams describes one named vector field of a collection.
type VectorParams struct {
	Distance Distance `json:"distance"`
	Size     uint64   `json:"size"`
}

// DefaultVectorName is the name of the unnamed vector field.
const DefaultVectorName = ""

// Filter is a payload condition applied to reads. A point matches when every
// key in Must equals the point's payload value. Richer conditions are the
// storage engine's concern; this shape is what the coordinator routes.
type Filter struct {
	Must map[string]any `json:"must,omitempty"`
}

// Matches reports whether the point's payload satisfies the filter.
func (f *Filter) Matches(point storage.Point) bool {
	if f == nil {
		return true
	}
	for key, want := range f.Must {
		got, ok := point.Payload[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// SearchRequest is one nearest-neighbor query.
type SearchRequest struct {
	Filter         *Filter   `json:"filter,omitempty"`
	ScoreThreshold *float32  `json:"score_threshold,omitempty"`
	VectorName     string    `json:"vector_name,omitempty"`
	Vector         []float32 `json:"vector"`
	Limit          int       `json:"limit"`
	Offset         int       `json:"offset"`
	WithPayload    bool      `json:"with_payload"`
	WithVector     bool      `json:"with_vector"`
}

// SearchRequestBatch groups queries executed in one round trip per shard.
type SearchRequestBatch struct {
	Searches []SearchRequest `json:"searches"`
}

// ScoredPoint is one search hit.
type ScoredPoint struct {
	Payload map[string]any       `json:"payload,omitempty"`
	Vectors map[string][]float32 `json:"vectors,omitempty"`
	ID      cluster.PointID      `json:"id"`
	Score   float32              `json:"score"`
}

// Record is one retrieved point, payload and vectors included per request.
type Record struct {
	Payload map[string]any       `json:"payload,omitempty"`
	Vectors map[string][]float32 `json:"vectors,omitempty"`
	ID      cluster.PointID      `json:"id"`
}

// PointRequest retrieves points by id.
type PointRequest struct {
	IDs         []cluster.PointID `json:"ids"`
	WithPayload bool              `json:"with_payload"`
	WithVector  bool              `json:"with_vector"`
}

// ScrollRequest pages through a shard's points in id order.
type ScrollRequest struct {
	Offset      *cluster.PointID `json:"offset,omitempty"`
	Filter      *Filter          `json:"filter,omitempty"`
	Limit       *int             `json:"limit,omitempty"`
	WithPayload bool             `json:"with_payload"`
	WithVector  bool             `json:"with_vector"`
}

// ScrollResult is one page of points plus the offset of the next page, nil
// on the last page.
type ScrollResult struct {
	NextPageOffset *cluster.PointID `json:"next_page_offset,omitempty"`
	Points         []Record         `json:"points"`
}

// CountRequest counts points, optionally filtered. Exact=false permits the
// shard to answer from cardinality estimates.
type CountRequest struct {
	Filter *Filter `json:"filter,omitempty"`
	Exact  bool    `json:"exact"`
}

// CountResult is the aggregated point count.
type CountResult struct {
	Count int `json:"count"`
}

// Info is a snapshot of one shard's size and status.
type Info struct {
	PointsCount  int `json:"points_count"`
	VectorsCount int `json:"vectors_count"`
	SegmentsCount int `json:"segments_count"`
}
