// Package transfer implements the shard transfer protocol: the pool tracking
// running transfer tasks, the sender-side streaming driver, and the
// role-specific completion and abort handlers.
//
// # Roles
//
// Each peer computes its role in a transfer from (from, to, this_peer):
//
//   - sender (this == from): wraps its local replica in a forward proxy so
//     live writes tee to the destination, then streams the shard's content
//     in the background
//   - receiver (this == to): materializes an empty Partial replica, absorbs
//     the stream plus forwarded writes, and is promoted Active on completion
//   - third party (everyone else): on completion updates its remote stub
//     routing for the shard
//
// # Lifecycle
//
//	(none) --start--> Running --success--> (none, replicas reconciled)
//	                    |
//	                    +--failure/abort--> (none, replicas reverted)
//
// At most one running instance exists per ShardTransferKey; finish and abort
// are idempotent. Task outcomes are cached after the task is gone so the
// periodic reconciler can still report them.
package transfer
