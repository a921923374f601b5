// Package shard defines the operation, request and result types of the point
// API, the Shard interface every replica implements, and the two base
// implementations: LocalShard (points held on this peer) and RemoteShard (an
// RPC stub for a replica living on another peer).
//
// # Overview
//
// A shard is one partition of a collection's point space. The coordinator
// never talks to storage directly; it talks to Shard values:
//
//	             ┌─────────────┐
//	             │  ReplicaSet │
//	             └──────┬──────┘
//	          ┌─────────┼──────────┐
//	    ┌─────▼─────┐   │    ┌─────▼──────┐
//	    │ LocalShard│   │    │ RemoteShard│──── HTTP ───▶ peer
//	    └───────────┘   │    └────────────┘
//	                ┌───▼────────┐
//	                │ForwardProxy│ (package replica, during transfer)
//	                └────────────┘
//
// LocalShard owns a storage.Store plus the vector parameters needed to score
// queries; its indexing and on-disk segment format are intentionally simple
// stand-ins for an external storage engine. RemoteShard serializes the same
// operations over the collection's ChannelService.
//
// # Snapshots
//
// Every shard can write a snapshot of itself into a target directory and be
// restored from one. A shard directory always carries a shard_config.json
// identifying its type, which restore dispatches on.
package shard
