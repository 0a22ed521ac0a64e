// Package kv defines the abstract KvBackend interfaces and provides concrete
// implementations for Weaver's durable storage layer, enabling pluggable
// backends with consistent APIs across the graph space, shard space, and
// name-mapping space a ShardHyperStub persists.
//
// # Overview
//
// Every durable fact a shard keeps — a node's packed attributes, a shard's
// queue timestamp and last-observed clocks, a handle's assigned shard id —
// is stored behind the same Backend interface. internal/hyperstub owns the
// shard-side key layout; the timestamper's admission path keeps its own
// handle-map and tombstone keys in a Backend too. This package only owns
// storage.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            ShardHyperStub            │
//	│   (graph space / shard space / nmap) │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          kv.Backend interface        │
//	└─────────────────────────────────────┘
//	                 │
//	       ┌─────────┼─────────┐
//	       ▼                   ▼
//	┌────────────┐      ┌────────────┐
//	│ kv.Memory  │      │ kv.Badger  │
//	└────────────┘      └────────────┘
//
// # Implementations
//
// Memory: in-memory, sync.RWMutex-guarded, no persistence. Suitable for
// unit tests and for the loopback transport's paired shard during
// development.
//
// Badger: backed by github.com/dgraph-io/badger/v4, an embedded LSM-tree
// key-value store. Durable across restarts, used by both the shard and the
// timestamper process when a data directory is configured.
//
// # Atomicity
//
// AtomicApply is the one operation every call site relies on for
// correctness: transaction admission builds a batch of puts (new
// handle-map entries and tombstones for deleted handles) and deletes
// (handle-map entries of deleted handles) and commits them together, so a
// crash mid-admission never leaves a half-applied write visible to a later
// Get.
//
// # Error Handling
//
// ErrKeyNotFound is returned by Get for a missing key; Delete and
// AtomicApply are idempotent for keys that are already absent.
//
// # Testing
//
//	go test ./internal/kv/... -race
package kv
