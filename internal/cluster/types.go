package cluster

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PeerID is the cluster-unique identifier of a node.
type PeerID uint64

// ShardID identifies one partition of a collection's point space.
// Shard ids are small non-negative integers, stable for the life of the
// collection.
type ShardID uint32

// PointID is the opaque identifier of a vector point: either a non-negative
// integer or a UUID. PointID is comparable (usable as a map key), totally
// ordered via Less, and serializes to JSON as a bare number or a UUID string,
// matching the wire format of the point API.
//
// The zero value is the numeric id 0.
type PointID struct {
	uuid   uuid.UUID
	num    uint64
	isUUID bool
}

// NumID returns the numeric PointID n.
func NumID(n uint64) PointID {
	return PointID{num: n}
}

// UUIDID returns the UUID PointID u.
func UUIDID(u uuid.UUID) PointID {
	return PointID{uuid: u, isUUID: true}
}

// ParsePointID parses s as a numeric or UUID point id.
func ParsePointID(s string) (PointID, error) {
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && !strings.Contains(s, "-") {
		return NumID(n), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return PointID{}, NewBadInput("value %q is not a valid point id", s)
	}
	return UUIDID(u), nil
}

// IsUUID reports whether the id is the UUID variant.
func (id PointID) IsUUID() bool { return id.isUUID }

// Num returns the numeric value; only meaningful when !IsUUID().
func (id PointID) Num() uint64 { return id.num }

// UUID returns the UUID value; only meaningful when IsUUID().
func (id PointID) UUID() uuid.UUID { return id.uuid }

// Less imposes a total order: all numeric ids sort before all UUID ids,
// numeric ids by value, UUID ids lexicographically by their byte form.
// The order is identical on all peers, which scroll pagination relies on.
func (id PointID) Less(other PointID) bool {
	if id.isUUID != other.isUUID {
		return !id.isUUID
	}
	if !id.isUUID {
		return id.num < other.num
	}
	return strings.Compare(id.uuid.String(), other.uuid.String()) < 0
}

// HashBytes returns the canonical byte form fed into the hash ring. It must
// be identical on every peer for the same id.
func (id PointID) HashBytes() []byte {
	if id.isUUID {
		b := id.uuid
		return b[:]
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id.num)
	return buf[:]
}

// String renders the id the way it appears on the wire.
func (id PointID) String() string {
	if id.isUUID {
		return id.uuid.String()
	}
	return fmt.Sprintf("%d", id.num)
}

// MarshalJSON encodes numeric ids as JSON numbers and UUID ids as strings.
func (id PointID) MarshalJSON() ([]byte, error) {
	if id.isUUID {
		return json.Marshal(id.uuid.String())
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON accepts a JSON number or a UUID string.
func (id *PointID) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = NumID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return NewBadInput("point id must be an unsigned number or a UUID string")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return NewBadInput("point id %q is not a valid UUID", s)
	}
	*id = UUIDID(u)
	return nil
}

// ReplicaState is the state of one replica of one shard on one peer.
type ReplicaState string

const (
	// ReplicaActive serves reads and writes.
	ReplicaActive ReplicaState = "Active"

	// ReplicaDead is excluded from reads; writes targeting it are tolerated
	// failures.
	ReplicaDead ReplicaState = "Dead"

	// ReplicaPartial is receiving a transfer; it does not serve reads but
	// accepts and buffers writes.
	ReplicaPartial ReplicaState = "Partial"

	// ReplicaInitializing has been created but never activated.
	ReplicaInitializing ReplicaState = "Initializing"

	// ReplicaListener is a read-only follower that applies writes but is
	// never the last active replica.
	ReplicaListener ReplicaState = "Listener"
)

// IsActive reports whether the replica serves reads.
func (s ReplicaState) IsActive() bool { return s == ReplicaActive }

// ShardTransfer describes the copying of one shard's replica from peer From
// to peer To. Sync selects the completion behavior on the sender: false
// unwraps the forward proxy back to a plain local replica, true replaces it
// with a remote stub pointing at To. On abort, sync transfers leave the
// destination Dead (keeping the partial data) while non-sync transfers remove
// the destination peer entry entirely.
type ShardTransfer struct {
	ShardID ShardID `json:"shard_id"`
	From    PeerID  `json:"from"`
	To      PeerID  `json:"to"`
	Sync    bool    `json:"sync"`
}

// Key returns the transfer's identity. Sync is deliberately excluded: at most
// one transfer per key may be active across the whole collection.
func (t ShardTransfer) Key() ShardTransferKey {
	return ShardTransferKey{ShardID: t.ShardID, From: t.From, To: t.To}
}

// ShardTransferKey is the {shard, from, to} triple identifying a transfer.
type ShardTransferKey struct {
	ShardID ShardID `json:"shard_id"`
	From    PeerID  `json:"from"`
	To      PeerID  `json:"to"`
}

// Check reports whether transfer t matches this key.
func (k ShardTransferKey) Check(t ShardTransfer) bool {
	return t.ShardID == k.ShardID && t.From == k.From && t.To == k.To
}

func (k ShardTransferKey) String() string {
	return fmt.Sprintf("shard %d: %d -> %d", k.ShardID, k.From, k.To)
}

// NodeType is the node-wide operating mode of this peer.
type NodeType string

const (
	// NodeTypeNormal peers participate fully in reads and writes.
	NodeTypeNormal NodeType = "Normal"

	// NodeTypeListener peers follow writes but never become the last active
	// replica, and skip WAL preservation when snapshotting.
	NodeTypeListener NodeType = "Listener"
)
