// Package holder implements the ShardHolder: the per-collection map from
// shard id to ReplicaSet, the pending-transfer registry, and the shard
// selection helpers used by query and update fan-out.
//
// # Overview
//
// The holder is the routing core of a collection:
//
//   - SplitByShard partitions a write operation by routing each point
//     through the hash ring, yielding exactly one sub-operation per shard
//     touched
//   - TargetShards resolves an optional shard selection into the replica
//     sets a query fans out to
//   - the transfer registry tracks every in-flight ShardTransfer of the
//     collection, rejects a second registration of an already-registered key, and supports blocking
//     waits on registry changes (used while a receiver waits for the
//     consensus-broadcast transfer set)
//
// # Locking
//
// The Collection wraps the ShardHolder in a read-write mutex protecting the
// map's shape; nearly all operations run under the read guard, and only
// consensus-driven structural mutations take the write guard. The transfer
// registry carries its own mutex plus a broadcast channel for watchers.
package holder
