// Package graph defines Weaver's property-graph data model: nodes, edges,
// properties, and the transactions that mutate them. Node and Edge share
// their creation/deletion timestamps and property list through a common
// BaseElement embedded by value, rather than an inheritance hierarchy.
package graph

import "github.com/weaver-graph/weaver/internal/vclock"

// Handle is the opaque, client-chosen byte-string identity of a node.
// handle -> shard id is durable and write-once.
type Handle string

// ShardID identifies a graph partition.
type ShardID uint64

// Property is a single versioned key/value attribute, carried by both nodes
// and edges. CreatTime/DelTime participate in visibility exactly like the
// owning element's own creation/deletion timestamps.
type Property struct {
	Key       string
	Value     []byte
	CreatTime vclock.Clock
	DelTime   vclock.Clock
}

// BaseElement holds the fields shared by Node and Edge: creation/deletion
// timestamps and a property list.
type BaseElement struct {
	Properties []Property
	CreatTime  vclock.Clock
	DelTime    vclock.Clock
}

// Visible reports whether this element itself (ignoring its properties) is
// visible to viewer, using the given oracle predicate. Kept as a thin method
// rather than importing vorder directly, so graph has no dependency on the
// traversal package — callers pass their own Oracle.Visible as pred.
func (b BaseElement) Visible(viewer vclock.Clock, pred func(viewer, creat, del vclock.Clock) bool) bool {
	return pred(viewer, b.CreatTime, b.DelTime)
}

// RemoteNode names a node that may live on a different shard than the
// element referencing it: shard id plus the node's own handle.
type RemoteNode struct {
	Handle  Handle
	ShardID ShardID
}

// EdgeID uniquely identifies an edge within its origin node's out_edges map.
type EdgeID uint64

// Edge is a directed edge record.
type Edge struct {
	BaseElement
	Neighbor   RemoteNode
	ID         EdgeID
	MsgCount   uint64
}

// Node is a graph record. InNeighbors and TxQueue are maintained by the
// owning shard; ProgramState is an opaque blob managed by progstate.Store
// and migrates with the node on rehoming.
type Node struct {
	BaseElement
	Handle       Handle
	OutEdges     map[EdgeID]*Edge
	InNeighbors  map[Handle]struct{}
	TxQueue      []TxPiece
	ProgramState []byte
}

// NewNode returns an empty, just-created node with no edges or neighbors.
func NewNode(handle Handle, creat vclock.Clock, numVts int) *Node {
	return &Node{
		Handle: handle,
		BaseElement: BaseElement{
			CreatTime: creat,
			DelTime:   vclock.Never(numVts),
		},
		OutEdges:    make(map[EdgeID]*Edge),
		InNeighbors: make(map[Handle]struct{}),
	}
}

// AddOutEdge attaches e to the node's out-edge map, keyed by e.ID.
func (n *Node) AddOutEdge(e *Edge) {
	if n.OutEdges == nil {
		n.OutEdges = make(map[EdgeID]*Edge)
	}
	n.OutEdges[e.ID] = e
}

// RemoveOutEdge drops edge id from the node's out-edge map. No-op if absent.
func (n *Node) RemoveOutEdge(id EdgeID) {
	delete(n.OutEdges, id)
}

// AddInNeighbor records that handle has an edge pointing at this node.
func (n *Node) AddInNeighbor(handle Handle) {
	if n.InNeighbors == nil {
		n.InNeighbors = make(map[Handle]struct{})
	}
	n.InNeighbors[handle] = struct{}{}
}

// RemoveInNeighbor removes handle from the in-neighbor set. No-op if absent.
func (n *Node) RemoveInNeighbor(handle Handle) {
	delete(n.InNeighbors, handle)
}

// WriteKind enumerates the write operations a transaction may contain.
type WriteKind int

const (
	WriteCreateNode WriteKind = iota
	WriteCreateEdge
	WriteDeleteNode
	WriteDeleteEdge
	WriteSetNodeProperty
	WriteSetEdgeProperty
	WriteNop
)

func (k WriteKind) String() string {
	switch k {
	case WriteCreateNode:
		return "CREATE_NODE"
	case WriteCreateEdge:
		return "CREATE_EDGE"
	case WriteDeleteNode:
		return "DELETE_NODE"
	case WriteDeleteEdge:
		return "DELETE_EDGE"
	case WriteSetNodeProperty:
		return "SET_NODE_PROPERTY"
	case WriteSetEdgeProperty:
		return "SET_EDGE_PROPERTY"
	case WriteNop:
		return "NOP"
	default:
		return "UNKNOWN"
	}
}

// UnresolvedShard marks a write's Loc1/Loc2 as not-yet-resolved.
const UnresolvedShard = ^ShardID(0)

// Write is a single transaction operation. Handle1/Handle2 name the node(s)
// involved; Loc1/Loc2 are filled in during admission by consulting the
// put-map or adding to the get-set.
type Write struct {
	Kind     WriteKind
	Handle1  Handle
	Handle2  Handle
	Loc1     ShardID
	Loc2     ShardID
	Key      string
	Value    []byte
	NewEdge  EdgeID
}

// TxPiece is the subset of a Transaction relevant to one shard: the same
// timestamp, only the writes that touch that shard.
type TxPiece struct {
	Timestamp vclock.Clock
	ID        uint64
	VTSeq     uint64
	Writes    []Write
}

// Transaction is a client-authored transaction as admitted by a vector
// timestamper. ShardWrite is a bitmap: true at index i iff the tx has at
// least one write targeting shard i; completion clears bits as shards
// report done.
type Transaction struct {
	Timestamp  vclock.Clock
	Client     uint64
	ID         uint64
	VTSeq      uint64
	Writes     []Write
	ShardWrite []bool
}

// ShardsPending reports whether any bit remains set in ShardWrite.
func (t *Transaction) ShardsPending() bool {
	for _, b := range t.ShardWrite {
		if b {
			return true
		}
	}
	return false
}

// PieceFor extracts the TxPiece relevant to shard, i.e. every write whose
// Loc1 or Loc2 equals shard.
func (t *Transaction) PieceFor(shard ShardID) TxPiece {
	piece := TxPiece{Timestamp: t.Timestamp, ID: t.ID, VTSeq: t.VTSeq}
	for _, w := range t.Writes {
		if w.Loc1 == shard || w.Loc2 == shard {
			piece.Writes = append(piece.Writes, w)
		}
	}
	return piece
}

// CopyFailTransaction returns a writes-stripped copy carrying only the
// timestamp/sequence metadata, enqueued on abort so shards that already
// observed earlier writes from this timestamper can still advance their
// per-timestamper sequence without a gap.
func (t *Transaction) CopyFailTransaction() Transaction {
	return Transaction{
		Timestamp:  t.Timestamp,
		Client:     t.Client,
		ID:         t.ID,
		VTSeq:      t.VTSeq,
		ShardWrite: append([]bool(nil), t.ShardWrite...),
	}
}
