// Package wire implements Weaver's message framing and binary codecs:
// [u32 type][payload], fixed-width little-endian integers, and the
// VectorClock/Property/Edge/Node encodings the rest of the system builds on.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/vclock"
)

// MessageType is the u32 discriminator prefixing every framed message.
type MessageType uint32

// Canonical message kinds.
const (
	ClientTxInit MessageType = iota + 1
	ClientTxSuccess
	ClientTxAbort
	ClientNodeProgReq
	NodeProg
	NodeProgReturn
	NodeCountReply
	ClientNodeCount
	TxDone
	VTClockUpdate
	VTNopAck
	MigrationToken
	DoneMigr
	OneStreamMigr
	RestoreDone
)

// NoOwnerWire is the little-endian encoding of vclock.NoOwner on the wire;
// kept distinct from vclock.NoOwner's Go-side constant name for clarity at
// call sites that only deal in encoded bytes.
const NoOwnerWire = ^uint64(0)

// WriteFrame writes [u32 type][payload] to w.
func WriteFrame(w io.Writer, typ MessageType, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(typ))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "wire: write type header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "wire: write payload")
	}
	return nil
}

// ReadFrameType reads just the u32 type prefix, leaving the reader
// positioned at the start of the payload.
func ReadFrameType(r io.Reader) (MessageType, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, errors.Wrap(err, "wire: read type header")
	}
	return MessageType(binary.LittleEndian.Uint32(hdr[:])), nil
}

// PutUint64 appends the little-endian encoding of v to buf.
func PutUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// GetUint64 reads a little-endian u64 from the front of buf, returning the
// value and the remaining bytes.
func GetUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, errors.New("wire: short buffer for u64")
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], nil
}

// PutVarBytes appends a varlen-prefixed (u64 length + bytes) byte string.
func PutVarBytes(buf []byte, b []byte) []byte {
	buf = PutUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

// GetVarBytes reads a varlen-prefixed byte string from the front of buf.
func GetVarBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := GetUint64(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, errors.New("wire: short buffer for varbytes")
	}
	return rest[:n], rest[n:], nil
}

// PutClock encodes a VectorClock: [u64 owner][u64 count][u64 x count].
// Owner MAX_U64 (vclock.NoOwner) is preserved verbatim.
func PutClock(buf []byte, c vclock.Clock) []byte {
	buf = PutUint64(buf, c.Owner)
	buf = PutUint64(buf, uint64(len(c.Counters)))
	for _, v := range c.Counters {
		buf = PutUint64(buf, v)
	}
	return buf
}

// GetClock decodes a VectorClock written by PutClock.
func GetClock(buf []byte) (vclock.Clock, []byte, error) {
	owner, rest, err := GetUint64(buf)
	if err != nil {
		return vclock.Clock{}, nil, err
	}
	n, rest, err := GetUint64(rest)
	if err != nil {
		return vclock.Clock{}, nil, err
	}
	counters := make([]uint64, n)
	for i := range counters {
		v, r, err := GetUint64(rest)
		if err != nil {
			return vclock.Clock{}, nil, err
		}
		counters[i] = v
		rest = r
	}
	return vclock.FromCounters(owner, counters), rest, nil
}

// PutProperties encodes [u64 count][entries], entry = [varlen key]
// [varlen value][clock creat][clock del].
func PutProperties(buf []byte, props []graph.Property) []byte {
	buf = PutUint64(buf, uint64(len(props)))
	for _, p := range props {
		buf = PutVarBytes(buf, []byte(p.Key))
		buf = PutVarBytes(buf, p.Value)
		buf = PutClock(buf, p.CreatTime)
		buf = PutClock(buf, p.DelTime)
	}
	return buf
}

// GetProperties decodes properties written by PutProperties.
func GetProperties(buf []byte) ([]graph.Property, []byte, error) {
	n, rest, err := GetUint64(buf)
	if err != nil {
		return nil, nil, err
	}
	props := make([]graph.Property, 0, n)
	for i := uint64(0); i < n; i++ {
		key, r, err := GetVarBytes(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		val, r, err := GetVarBytes(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		creat, r, err := GetClock(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		del, r, err := GetClock(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		props = append(props, graph.Property{Key: string(key), Value: val, CreatTime: creat, DelTime: del})
	}
	return props, rest, nil
}

// PutRemoteNode encodes [u64 shard_id][varlen handle].
func PutRemoteNode(buf []byte, rn graph.RemoteNode) []byte {
	buf = PutUint64(buf, uint64(rn.ShardID))
	return PutVarBytes(buf, []byte(rn.Handle))
}

// GetRemoteNode decodes a RemoteNode written by PutRemoteNode.
func GetRemoteNode(buf []byte) (graph.RemoteNode, []byte, error) {
	shard, rest, err := GetUint64(buf)
	if err != nil {
		return graph.RemoteNode{}, nil, err
	}
	handle, rest, err := GetVarBytes(rest)
	if err != nil {
		return graph.RemoteNode{}, nil, err
	}
	return graph.RemoteNode{ShardID: graph.ShardID(shard), Handle: graph.Handle(handle)}, rest, nil
}

// PutEdge encodes [clock creat][clock del][properties][u64 msg_count]
// [remote_node].
func PutEdge(buf []byte, e *graph.Edge) []byte {
	buf = PutClock(buf, e.CreatTime)
	buf = PutClock(buf, e.DelTime)
	buf = PutProperties(buf, e.Properties)
	buf = PutUint64(buf, e.MsgCount)
	buf = PutRemoteNode(buf, e.Neighbor)
	return buf
}

// GetEdge decodes an edge written by PutEdge. The caller supplies id since
// it's carried by the enclosing node's edge-map key, not the edge payload
// itself.
func GetEdge(buf []byte, id graph.EdgeID) (*graph.Edge, []byte, error) {
	creat, rest, err := GetClock(buf)
	if err != nil {
		return nil, nil, err
	}
	del, rest, err := GetClock(rest)
	if err != nil {
		return nil, nil, err
	}
	props, rest, err := GetProperties(rest)
	if err != nil {
		return nil, nil, err
	}
	msgCount, rest, err := GetUint64(rest)
	if err != nil {
		return nil, nil, err
	}
	neighbor, rest, err := GetRemoteNode(rest)
	if err != nil {
		return nil, nil, err
	}
	e := &graph.Edge{
		ID:       id,
		MsgCount: msgCount,
		Neighbor: neighbor,
		BaseElement: graph.BaseElement{
			CreatTime:  creat,
			DelTime:    del,
			Properties: props,
		},
	}
	return e, rest, nil
}

// PutWrite encodes a single transaction write: [u8 kind][varlen handle1]
// [varlen handle2][u64 loc1][u64 loc2][varlen key][varlen value]
// [u64 new_edge].
func PutWrite(buf []byte, w graph.Write) []byte {
	buf = append(buf, byte(w.Kind))
	buf = PutVarBytes(buf, []byte(w.Handle1))
	buf = PutVarBytes(buf, []byte(w.Handle2))
	buf = PutUint64(buf, uint64(w.Loc1))
	buf = PutUint64(buf, uint64(w.Loc2))
	buf = PutVarBytes(buf, []byte(w.Key))
	buf = PutVarBytes(buf, w.Value)
	buf = PutUint64(buf, uint64(w.NewEdge))
	return buf
}

// GetWrite decodes a write written by PutWrite.
func GetWrite(buf []byte) (graph.Write, []byte, error) {
	if len(buf) < 1 {
		return graph.Write{}, nil, errors.New("wire: short buffer for write kind")
	}
	kind := graph.WriteKind(buf[0])
	rest := buf[1:]
	h1, rest, err := GetVarBytes(rest)
	if err != nil {
		return graph.Write{}, nil, err
	}
	h2, rest, err := GetVarBytes(rest)
	if err != nil {
		return graph.Write{}, nil, err
	}
	loc1, rest, err := GetUint64(rest)
	if err != nil {
		return graph.Write{}, nil, err
	}
	loc2, rest, err := GetUint64(rest)
	if err != nil {
		return graph.Write{}, nil, err
	}
	key, rest, err := GetVarBytes(rest)
	if err != nil {
		return graph.Write{}, nil, err
	}
	value, rest, err := GetVarBytes(rest)
	if err != nil {
		return graph.Write{}, nil, err
	}
	newEdge, rest, err := GetUint64(rest)
	if err != nil {
		return graph.Write{}, nil, err
	}
	return graph.Write{
		Kind:    kind,
		Handle1: graph.Handle(h1),
		Handle2: graph.Handle(h2),
		Loc1:    graph.ShardID(loc1),
		Loc2:    graph.ShardID(loc2),
		Key:     string(key),
		Value:   value,
		NewEdge: graph.EdgeID(newEdge),
	}, rest, nil
}

// PutTxPiece encodes [clock timestamp][u64 id][u64 vt_seq][u64 count]
// [writes...].
func PutTxPiece(buf []byte, p graph.TxPiece) []byte {
	buf = PutClock(buf, p.Timestamp)
	buf = PutUint64(buf, p.ID)
	buf = PutUint64(buf, p.VTSeq)
	buf = PutUint64(buf, uint64(len(p.Writes)))
	for _, w := range p.Writes {
		buf = PutWrite(buf, w)
	}
	return buf
}

// GetTxPiece decodes a TxPiece written by PutTxPiece.
func GetTxPiece(buf []byte) (graph.TxPiece, []byte, error) {
	ts, rest, err := GetClock(buf)
	if err != nil {
		return graph.TxPiece{}, nil, err
	}
	id, rest, err := GetUint64(rest)
	if err != nil {
		return graph.TxPiece{}, nil, err
	}
	vtSeq, rest, err := GetUint64(rest)
	if err != nil {
		return graph.TxPiece{}, nil, err
	}
	count, rest, err := GetUint64(rest)
	if err != nil {
		return graph.TxPiece{}, nil, err
	}
	writes := make([]graph.Write, 0, count)
	for i := uint64(0); i < count; i++ {
		w, r, err := GetWrite(rest)
		if err != nil {
			return graph.TxPiece{}, nil, err
		}
		rest = r
		writes = append(writes, w)
	}
	return graph.TxPiece{Timestamp: ts, ID: id, VTSeq: vtSeq, Writes: writes}, rest, nil
}

// PutTxQueue encodes [u64 count][pieces...].
func PutTxQueue(buf []byte, pieces []graph.TxPiece) []byte {
	buf = PutUint64(buf, uint64(len(pieces)))
	for _, p := range pieces {
		buf = PutTxPiece(buf, p)
	}
	return buf
}

// GetTxQueue decodes a tx queue written by PutTxQueue.
func GetTxQueue(buf []byte) ([]graph.TxPiece, []byte, error) {
	count, rest, err := GetUint64(buf)
	if err != nil {
		return nil, nil, err
	}
	pieces := make([]graph.TxPiece, 0, count)
	for i := uint64(0); i < count; i++ {
		p, r, err := GetTxPiece(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		pieces = append(pieces, p)
	}
	return pieces, rest, nil
}

// PutHandleSet encodes [u64 count][varlen handle x n], used for a node's
// in-neighbor set.
func PutHandleSet(buf []byte, set map[graph.Handle]struct{}) []byte {
	buf = PutUint64(buf, uint64(len(set)))
	for h := range set {
		buf = PutVarBytes(buf, []byte(h))
	}
	return buf
}

// GetHandleSet decodes a handle set written by PutHandleSet.
func GetHandleSet(buf []byte) (map[graph.Handle]struct{}, []byte, error) {
	count, rest, err := GetUint64(buf)
	if err != nil {
		return nil, nil, err
	}
	set := make(map[graph.Handle]struct{}, count)
	for i := uint64(0); i < count; i++ {
		h, r, err := GetVarBytes(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = r
		set[graph.Handle(h)] = struct{}{}
	}
	return set, rest, nil
}

// PutTxDone encodes a TX_DONE acknowledgement: [u64 tx_id][u64 shard_id].
func PutTxDone(buf []byte, txID uint64, shard graph.ShardID) []byte {
	buf = PutUint64(buf, txID)
	return PutUint64(buf, uint64(shard))
}

// GetTxDone decodes a TX_DONE payload written by PutTxDone.
func GetTxDone(buf []byte) (txID uint64, shard graph.ShardID, err error) {
	txID, rest, err := GetUint64(buf)
	if err != nil {
		return 0, 0, err
	}
	shardU, _, err := GetUint64(rest)
	if err != nil {
		return 0, 0, err
	}
	return txID, graph.ShardID(shardU), nil
}

// PutNopAck encodes a VT_NOP_ACK: [u64 shard_id][u64 qts].
func PutNopAck(buf []byte, shard graph.ShardID, qts uint64) []byte {
	buf = PutUint64(buf, uint64(shard))
	return PutUint64(buf, qts)
}

// GetNopAck decodes a VT_NOP_ACK payload written by PutNopAck.
func GetNopAck(buf []byte) (shard graph.ShardID, qts uint64, err error) {
	shardU, rest, err := GetUint64(buf)
	if err != nil {
		return 0, 0, err
	}
	qts, _, err = GetUint64(rest)
	if err != nil {
		return 0, 0, err
	}
	return graph.ShardID(shardU), qts, nil
}

// PutNodeCount encodes a NODE_COUNT_REPLY: [u64 shard_id][u64 count].
func PutNodeCount(buf []byte, shard graph.ShardID, count uint64) []byte {
	buf = PutUint64(buf, uint64(shard))
	return PutUint64(buf, count)
}

// GetNodeCount decodes a NODE_COUNT_REPLY payload written by PutNodeCount.
func GetNodeCount(buf []byte) (shard graph.ShardID, count uint64, err error) {
	shardU, rest, err := GetUint64(buf)
	if err != nil {
		return 0, 0, err
	}
	count, _, err = GetUint64(rest)
	if err != nil {
		return 0, 0, err
	}
	return graph.ShardID(shardU), count, nil
}

// PutNodeProgReturn encodes a NODE_PROG_RETURN: [u64 kind][u64 req_id]
// [varlen result]. The u16 kind is widened to a u64 on the wire.
func PutNodeProgReturn(buf []byte, kind uint16, reqID uint64, result []byte) []byte {
	buf = PutUint64(buf, uint64(kind))
	buf = PutUint64(buf, reqID)
	return PutVarBytes(buf, result)
}

// GetNodeProgReturn decodes a NODE_PROG_RETURN payload written by
// PutNodeProgReturn.
func GetNodeProgReturn(buf []byte) (kind uint16, reqID uint64, result []byte, err error) {
	kindU, rest, err := GetUint64(buf)
	if err != nil {
		return 0, 0, nil, err
	}
	reqID, rest, err = GetUint64(rest)
	if err != nil {
		return 0, 0, nil, err
	}
	result, _, err = GetVarBytes(rest)
	if err != nil {
		return 0, 0, nil, err
	}
	return uint16(kindU), reqID, result, nil
}

// PackedNode is the subset of Node fields the wire format covers, used both
// for shard-to-shard migration and ShardHyperStub persistence. UpdateCount
// and AlreadyMigr are migration bookkeeping fields: a monotonic update
// counter and a one-shot already-migrated flag.
type PackedNode struct {
	Node        *graph.Node
	UpdateCount uint64
	MsgCount    uint64
	AlreadyMigr bool
}

// PutNode encodes [element fields][u64 count][edge entries][u64
// update_count][u64 msg_count][u8 already_migr][program-state blob].
// Program-state is pre-serialized by progstate.Store.Pack and passed in raw.
func PutNode(buf []byte, pn PackedNode, programState []byte) []byte {
	n := pn.Node
	buf = PutClock(buf, n.CreatTime)
	buf = PutClock(buf, n.DelTime)
	buf = PutProperties(buf, n.Properties)
	buf = PutUint64(buf, uint64(len(n.OutEdges)))
	for id, e := range n.OutEdges {
		buf = PutUint64(buf, uint64(id))
		buf = PutEdge(buf, e)
	}
	buf = PutUint64(buf, pn.UpdateCount)
	buf = PutUint64(buf, pn.MsgCount)
	if pn.AlreadyMigr {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = PutVarBytes(buf, programState)
	return buf
}

// GetNode decodes a node written by PutNode. handle must be supplied by the
// caller (the handle isn't part of this payload; it's the durable key it's
// stored under).
func GetNode(buf []byte, handle graph.Handle) (PackedNode, []byte, []byte, error) {
	creat, rest, err := GetClock(buf)
	if err != nil {
		return PackedNode{}, nil, nil, err
	}
	del, rest, err := GetClock(rest)
	if err != nil {
		return PackedNode{}, nil, nil, err
	}
	props, rest, err := GetProperties(rest)
	if err != nil {
		return PackedNode{}, nil, nil, err
	}
	edgeCount, rest, err := GetUint64(rest)
	if err != nil {
		return PackedNode{}, nil, nil, err
	}
	n := &graph.Node{
		Handle:      handle,
		OutEdges:    make(map[graph.EdgeID]*graph.Edge, edgeCount),
		InNeighbors: make(map[graph.Handle]struct{}),
		BaseElement: graph.BaseElement{
			CreatTime:  creat,
			DelTime:    del,
			Properties: props,
		},
	}
	for i := uint64(0); i < edgeCount; i++ {
		idVal, r, err := GetUint64(rest)
		if err != nil {
			return PackedNode{}, nil, nil, err
		}
		rest = r
		e, r, err := GetEdge(rest, graph.EdgeID(idVal))
		if err != nil {
			return PackedNode{}, nil, nil, err
		}
		rest = r
		n.OutEdges[e.ID] = e
	}
	updateCount, rest, err := GetUint64(rest)
	if err != nil {
		return PackedNode{}, nil, nil, err
	}
	msgCount, rest, err := GetUint64(rest)
	if err != nil {
		return PackedNode{}, nil, nil, err
	}
	if len(rest) < 1 {
		return PackedNode{}, nil, nil, errors.New("wire: short buffer for already_migr")
	}
	alreadyMigr := rest[0] != 0
	rest = rest[1:]
	progState, rest, err := GetVarBytes(rest)
	if err != nil {
		return PackedNode{}, nil, nil, err
	}
	return PackedNode{Node: n, UpdateCount: updateCount, MsgCount: msgCount, AlreadyMigr: alreadyMigr}, progState, rest, nil
}
