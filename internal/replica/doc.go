// Package replica implements the ReplicaSet: the unit of replication for one
// shard, spanning every peer that holds a copy.
//
// # Overview
//
// A ReplicaSet owns, for a single shard:
//
//   - the optional local replica of this peer, in one of three forms:
//     a plain LocalShard, a ForwardProxy around it during an outgoing
//     transfer, or a Dummy placeholder awaiting data
//   - one RemoteShard stub per participating remote peer
//   - the per-peer ReplicaState map, including this peer's own entry
//
// Writes fan out to every non-Dead replica under a WriteOrdering discipline;
// reads go to the local replica when it is readable and fall back across
// Active remote replicas otherwise. A write failure against an Active peer
// escalates through the replica-failure callback so consensus can mark the
// peer Dead; failures against non-Active peers are tolerated.
//
// # Invariants
//
//   - exactly one state entry per participating peer
//   - at least one peer is Active or Initializing
//   - the local replica exists iff this peer appears with a non-Dead,
//     local-bearing state
//
// # Locking
//
// One read-write mutex guards the replica map, the local slot and the remote
// stubs. Read paths hold the read lock only long enough to snapshot the
// dispatch plan; RPCs run without the lock held.
package replica
