// Package storage defines the point storage backend used by local shards and
// provides the in-memory implementation.
//
// # Overview
//
// A Store holds the points of one shard replica: id, named vectors, and an
// arbitrary JSON payload per point. The interface is deliberately minimal —
// upsert, get, delete, ordered listing, count, stats — so that a persistent
// backend (mmap segments, RocksDB) can replace the in-memory store without
// touching shard logic. Vector search itself lives in the shard layer; the
// store only owns the data.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use. MemoryStore guards its
// map with a read-write mutex and returns deep copies of points so callers
// can never alias internal state.
package storage
