/*
Package shardserver is the shard half of Weaver's transaction and
node-program pipeline. A vector timestamper fans a transaction out as one
TxPiece per shard that has a write; shardserver.Server is what receives
those pieces, applies their writes to the nodes it owns, and reports back.

# Message flow

	CLIENT_TX_INIT (TxPiece)  --> Server.handleTxPiece
	    for each non-nop write --> applyWrite (create/delete node or edge,
	                                set property)
	    WriteNop write          --> handleNop: ProgramStateStore.DoneRequests
	                                for every (kind, req_id) the timestamper
	                                reports confirmed everywhere, then
	                                VT_NOP_ACK + NODE_COUNT_REPLY
	    always                  --> TX_DONE(tx_id, shard_id)

	NODE_PROG (program batch)  --> Server.handleNodeProg
	    CheckDoneRequest/ClearInUse bracket the call into ProgramRunner.Run
	    ProgramCache.Commit promotes any transient entries the run staged
	    --> NODE_PROG_RETURN(kind, req_id, result)

	CLIENT_NODE_COUNT          --> NODE_COUNT_REPLY

A shard never initiates a connection to its timestamper: every reply is
sent back to the peer address a message arrived from, so Server has no
notion of "the timestamper's address" at all.

# Node ownership

Node records are exclusively owned by their home shard. Server keeps an
in-memory working set (map[graph.Handle]*graph.Node) behind a single
mutex and writes through every mutation to a hyperstub.Stub, so a crash
loses nothing that reached applyWrite. Restore reloads that working set
from the stub's durable RestoreBackup on startup or backup promotion.

# What's deliberately not here

The actual graph-traversal algorithms (reachability, shortest path,
clustering) are not implemented in this package. ProgramRunner is the seam:
Server owns request admission, in-use tracking, and result caching around
a traversal engine, but the engine itself is a pluggable collaborator.
NopProgramRunner is the default, returning an empty result for every job,
so the rest of the pipeline (state lifecycle, GC, caching) is exercised
and testable without one.

Likewise, propagating a cross-shard edge's in-neighbor entry to the
destination shard is not implemented; CREATE_EDGE only updates in-neighbor
bookkeeping when source and destination share a shard. See
applyCreateEdge's comment for the specific gap.
*/
package shardserver
