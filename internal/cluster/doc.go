// Package cluster provides the shared vocabulary of the distributed collection
// coordinator: identifiers, replica states, shard transfer descriptors, the
// error taxonomy surfaced at API boundaries, and the JSON-over-HTTP channel
// used for inter-peer calls.
//
// # Overview
//
// Every other package in this module speaks in terms of the types defined
// here. A collection's point space is partitioned across shards; each shard
// is replicated on one or more peers; a transfer moves one replica between
// two peers while writes continue. The cluster package defines:
//
//   - PointID: opaque point identifier (integer or UUID), hashable and
//     totally ordered
//   - ShardID / PeerID: stable small identifiers for shards and peers
//   - ReplicaState: the per-peer replica state machine
//     (Active, Dead, Partial, Initializing, Listener)
//   - ShardTransfer / ShardTransferKey: a running transfer and its identity
//   - Error: the typed error taxonomy (BadInput, BadRequest, NotFound,
//     ServiceError, Timeout, InconsistentShardFailure)
//   - ChannelService: shared HTTP client + peer address book for RPC
//
// # Thread Safety
//
// All value types in this package are immutable once constructed and safe to
// share. ChannelService guards its address book with a read-write mutex and
// is safe for concurrent use.
package cluster
