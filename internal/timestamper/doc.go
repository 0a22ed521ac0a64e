// Package timestamper implements the vector timestamper (VT): the process
// that admits client transactions, stamps them with vector-clock time, fans
// transaction pieces out to shards, runs the periodic no-op and clock-gossip
// workers, and dispatches node-program requests.
//
// # Pipeline
//
//	client write list
//	        │
//	        ▼
//	  AdmitTransaction   (prepare_tx: stamp clock, resolve handles,
//	        │              durable put_map/tombstone admission)
//	        ▼
//	   EnqueueTx         (tx_queue_loop: fan out TxPiece per shard
//	        │              in shard_write order)
//	        ▼
//	  HandleTxDone       (end_tx: clear shard bits, retire tx)
//
// # Workers
//
// NopLoop wakes on VT_TIMEOUT_NANO and, if any shard has acked since the
// last nop, synthesizes a nop carrying GC/monitoring metadata
// (max_done_id, outstanding program count, per-shard node counts, and
// unacked done-request pairs).
//
// GossipLoop wakes on VT_CLK_TIMEOUT_NANO and sends this VT's current clock
// to every peer VT membership currently reports reachable.
//
// DispatchProgram/NodeProgDone implement node-program admission and batched
// garbage collection of completed program handles, bounded by a
// github.com/hashicorp/golang-lru/v2 cache standing in for the raw cp
// pointer the original passed across process boundaries: a short-lived,
// server-local handle referenced by request id instead.
//
// MembershipLoop/Reconfigure track the cluster roster via
// internal/membership and keep this VT's ShardTable of shard addresses
// current. BeginRestore/FinishRestore implement the backup-VT promotion
// path: program dispatch buffers while restoreStatus is positive, draining
// once durable state has been reloaded. Transaction admission does not
// buffer.
package timestamper
