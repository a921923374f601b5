// Package ring implements the deterministic point-to-shard mapping used to
// route point operations. It is a fair consistent-hash ring: every shard
// contributes a fixed number of virtual nodes, so the point space divides
// evenly across shards and the mapping is identical on every peer for the
// same shard count.
package ring

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/usmc2033/qdrant/internal/cluster"
)

// ShardScale is the number of virtual nodes each shard contributes to the
// ring. Higher values even out the distribution at the cost of a larger
// lookup table.
const ShardScale = 100

// HashRing maps point ids to shard ids. It is immutable after construction
// and therefore safe for unsynchronized concurrent reads.
type HashRing struct {
	hashes []uint64
	shards map[uint64]cluster.ShardID
}

// Fair builds a ring over shards [0, shardNumber) with ShardScale virtual
// nodes per shard. Construction is deterministic: the same shardNumber yields
// the same ring on every peer.
func Fair(shardNumber uint32) *HashRing {
	r := &HashRing{
		hashes: make([]uint64, 0, int(shardNumber)*ShardScale),
		shards: make(map[uint64]cluster.ShardID, int(shardNumber)*ShardScale),
	}
	for shard := uint32(0); shard < shardNumber; shard++ {
		for vnode := 0; vnode < ShardScale; vnode++ {
			h := hash64([]byte(fmt.Sprintf("shard/%d/%d", shard, vnode)))
			// FNV collisions across vnode labels are possible in principle;
			// first writer wins so the mapping stays deterministic.
			if _, taken := r.shards[h]; taken {
				continue
			}
			r.shards[h] = cluster.ShardID(shard)
			r.hashes = append(r.hashes, h)
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// ShardOf returns the shard owning the given point id. Every point id maps to
// exactly one shard.
func (r *HashRing) ShardOf(id cluster.PointID) cluster.ShardID {
	h := hash64(id.HashBytes())
	// First virtual node clockwise from the point's position; wrap to the
	// start of the ring past the last node.
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if i == len(r.hashes) {
		i = 0
	}
	return r.shards[r.hashes[i]]
}

// Len returns the number of virtual nodes on the ring.
func (r *HashRing) Len() int { return len(r.hashes) }

func hash64(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	// FNV-1a alone leaves short, mostly-zero inputs (small numeric ids)
	// clustered in a narrow arc of the ring; a final avalanche mix spreads
	// them across it.
	x := h.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
