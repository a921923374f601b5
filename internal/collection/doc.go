// Package collection implements the per-collection control plane: the
// Collection coordinator that owns, on one peer, the replica-set state for
// every shard of a single collection, executes reads and writes by fanning
// them to the right replicas, and drives the shard transfer protocol.
//
// # Control flow
//
//	client/peer call
//	      │
//	┌─────▼──────┐   read lock   ┌─────────────┐
//	│ Collection ├──────────────▶│ ShardHolder │
//	└─────┬──────┘               └──────┬──────┘
//	      │ merge                       │ per shard
//	      │                      ┌──────▼──────┐
//	      └──────────────────────┤ ReplicaSet  │──▶ LocalShard / RemoteShards
//	                             └─────────────┘
//
// Consensus-driven state mutations (replica add/remove, transfer
// start/finish/abort, apply-state) enter through Collection methods and
// mutate the holder and replica sets while update traffic is paused via the
// updates lock.
//
// # Locking
//
//   - holderMu guards the shard map's shape; nearly everything takes the
//     read guard, only structural mutations take the write guard
//   - configMu guards the collection config; writers mutate under the write
//     guard and re-acquire read to persist
//   - updatesLock is taken for read by every update path; snapshot creation
//     and migration take it for write to pause all writes
//   - the transfer tasks pool and the transfer registry carry their own
//     mutexes; transitions of one transfer key serialize on transferMu
//
// The abort path exists twice on purpose: AbortShardTransfer takes the
// holder read lock, abortShardTransferLocked assumes it is already held
// (used when the caller already read-locked, e.g. while deactivating a
// replica). The two must not be interchanged.
package collection
