package shard

import (
	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/storage"
)

// OperationKind discriminates the variants of UpdateOperation.
type OperationKind string

const (
	// OpUpsert inserts or replaces whole points.
	OpUpsert OperationKind = "upsert"
	// OpDelete removes points by id.
	OpDelete OperationKind = "delete"
	// OpSetPayload merges payload keys into existing points.
	OpSetPayload OperationKind = "set_payload"
	// OpClearPayload drops the whole payload of existing points.
	OpClearPayload OperationKind = "clear_payload"
)

// UpdateOperation is one write against a collection. The fields populated
// depend on Kind: Points for upsert, IDs for delete and clear_payload, IDs
// and Payload for set_payload. Operations are split per shard by
// routing each referenced point through the hash ring before dispatch.
type UpdateOperation struct {
	Payload map[string]any  `json:"payload,omitempty"`
	Kind    OperationKind   `json:"kind"`
	Points  []storage.Point `json:"points,omitempty"`
	IDs     []cluster.PointID `json:"ids,omitempty"`
}

// Validate checks the operation is structurally sound before dispatch.
func (op UpdateOperation) Validate() error {
	switch op.Kind {
	case OpUpsert:
		if len(op.Points) == 0 {
			return cluster.NewBadRequest("upsert operation carries no points")
		}
		for _, point := range op.Points {
			if len(point.Vectors) == 0 {
				return cluster.NewBadInput("point %s has no vectors", point.ID)
			}
		}
	case OpDelete:
		if len(op.IDs) == 0 {
			return cluster.NewBadRequest("delete operation carries no point ids")
		}
	case OpSetPayload:
		if len(op.IDs) == 0 || len(op.Payload) == 0 {
			return cluster.NewBadRequest("set_payload operation requires ids and payload")
		}
	case OpClearPayload:
		if len(op.IDs) == 0 {
			return cluster.NewBadRequest("clear_payload operation carries no point ids")
		}
	default:
		return cluster.NewBadRequest("unknown operation kind %q", op.Kind)
	}
	return nil
}

// PointIDs returns every point id the operation touches, in order.
func (op UpdateOperation) PointIDs() []cluster.PointID {
	if op.Kind == OpUpsert {
		ids := make([]cluster.PointID, len(op.Points))
		for i, point := range op.Points {
			ids[i] = point.ID
		}
		return ids
	}
	return op.IDs
}

// Restrict returns a copy of the operation carrying only the points whose ids
// are in keep. Used to partition one client operation into per-shard
// sub-operations.
func (op UpdateOperation) Restrict(keep map[cluster.PointID]bool) UpdateOperation {
	out := UpdateOperation{Kind: op.Kind, Payload: op.Payload}
	if op.Kind == OpUpsert {
		for _, point := range op.Points {
			if keep[point.ID] {
				out.Points = append(out.Points, point)
			}
		}
		return out
	}
	for _, id := range op.IDs {
		if keep[id] {
			out.IDs = append(out.IDs, id)
		}
	}
	return out
}

// IsEmpty reports whether the operation touches no points.
func (op UpdateOperation) IsEmpty() bool {
	return len(op.Points) == 0 && len(op.IDs) == 0
}

// UpdateStatus reports how far an update has progressed when it was returned.
type UpdateStatus string

const (
	// StatusAcknowledged means the update was accepted but not yet applied.
	StatusAcknowledged UpdateStatus = "acknowledged"
	// StatusCompleted means the update was applied.
	StatusCompleted UpdateStatus = "completed"
)

// UpdateResult is the outcome of one update operation against one shard.
type UpdateResult struct {
	Status      UpdateStatus `json:"status"`
	OperationID uint64       `json:"operation_id"`
}

// WriteOrdering selects the acknowledgement discipline of a replicated write.
type WriteOrdering string

const (
	// OrderingWeak dispatches to all replicas and does not await remote acks.
	OrderingWeak WriteOrdering = "weak"
	// OrderingMedium requires the local replica (when present) to ack.
	OrderingMedium WriteOrdering = "medium"
	// OrderingStrong requires a quorum of Active replicas to ack.
	OrderingStrong WriteOrdering = "strong"
)
