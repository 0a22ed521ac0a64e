// Package hyperstub implements the ShardHyperStub: the durable record of a
// shard's graph data, queue timestamps, and handle-to-shard name mapping,
// built atop a kv.Backend. Grounded on the field layout of the original
// graph space (creation/deletion time, properties, out edges, in
// neighbors, tx queue) and shard space (per-timestamper queue sequence and
// last-observed clock), each field is stored under its own key so a
// partial update (e.g. bumping just the queue timestamp) never rewrites
// the rest of a node's record.
package hyperstub

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/kv"
	"github.com/weaver-graph/weaver/internal/vclock"
	"github.com/weaver-graph/weaver/internal/wire"
)

// Key prefixes for the three durable spaces this stub manages.
const (
	graphPrefix = "graph/"
	shardPrefix = "shard/"
	nmapPrefix  = "nmap/"
)

func graphKey(handle graph.Handle, field string) string {
	return fmt.Sprintf("%s%s/%s", graphPrefix, handle, field)
}

func shardKey(shardID graph.ShardID, field string) string {
	return fmt.Sprintf("%s%d/%s", shardPrefix, shardID, field)
}

func nmapKey(handle graph.Handle) string {
	return nmapPrefix + string(handle)
}

const (
	fieldCreat   = "creat_time"
	fieldDel     = "del_time"
	fieldProps   = "properties"
	fieldEdges   = "out_edges"
	fieldInNbrs  = "in_nbrs"
	fieldTxQueue = "tx_queue"

	fieldQTS         = "qts"
	fieldLastClocks  = "last_clocks"
)

// Stub is the durable shard-local view: graph attributes for every node it
// owns, its own queue-timestamp/last-clock bookkeeping, and the portion of
// the handle-to-shard name mapping it has resolved.
type Stub struct {
	backend kv.Backend
	shardID graph.ShardID
	numVts  int
}

// New returns a Stub backed by backend for the given shard id.
func New(backend kv.Backend, shardID graph.ShardID, numVts int) *Stub {
	return &Stub{backend: backend, shardID: shardID, numVts: numVts}
}

// Init writes the zero-valued shard-space record: a queue timestamp of
// zero and a zero last-observed clock for every timestamper.
func (s *Stub) Init() error {
	qts := make(map[uint64]uint64, s.numVts)
	lastClocks := make(map[uint64]vclock.Clock, s.numVts)
	for vt := uint64(0); vt < uint64(s.numVts); vt++ {
		qts[vt] = 0
		lastClocks[vt] = vclock.New(vt, s.numVts)
	}
	return s.putQTSAndClocks(qts, lastClocks)
}

func (s *Stub) putQTSAndClocks(qts map[uint64]uint64, lastClocks map[uint64]vclock.Clock) error {
	qtsBuf := encodeU64Map(qts)
	clkBuf := encodeClockMap(lastClocks)
	puts := map[string][]byte{
		shardKey(s.shardID, fieldQTS):        qtsBuf,
		shardKey(s.shardID, fieldLastClocks): clkBuf,
	}
	return s.backend.AtomicApply(puts, nil)
}

// PutNode writes every graph-space field for a freshly-created node.
func (s *Stub) PutNode(n *graph.Node) error {
	puts := map[string][]byte{
		graphKey(n.Handle, fieldCreat):   wire.PutClock(nil, n.CreatTime),
		graphKey(n.Handle, fieldDel):     wire.PutClock(nil, n.DelTime),
		graphKey(n.Handle, fieldProps):   wire.PutProperties(nil, n.Properties),
		graphKey(n.Handle, fieldEdges):   encodeOutEdges(n.OutEdges),
		graphKey(n.Handle, fieldInNbrs):  wire.PutHandleSet(nil, n.InNeighbors),
		graphKey(n.Handle, fieldTxQueue): wire.PutTxQueue(nil, n.TxQueue),
	}
	return s.backend.AtomicApply(puts, nil)
}

// GetNode reconstructs a node from its graph-space fields. Returns
// kv.ErrKeyNotFound if the node's creation-time field (first field
// written by PutNode) is absent.
func (s *Stub) GetNode(handle graph.Handle) (*graph.Node, error) {
	creatBuf, err := s.backend.Get(graphKey(handle, fieldCreat))
	if err != nil {
		return nil, err
	}
	creat, _, err := wire.GetClock(creatBuf)
	if err != nil {
		return nil, errors.Wrap(err, "hyperstub: decode creat_time")
	}

	delBuf, err := s.backend.Get(graphKey(handle, fieldDel))
	if err != nil {
		return nil, err
	}
	del, _, err := wire.GetClock(delBuf)
	if err != nil {
		return nil, errors.Wrap(err, "hyperstub: decode del_time")
	}

	propsBuf, err := s.backend.Get(graphKey(handle, fieldProps))
	if err != nil {
		return nil, err
	}
	props, _, err := wire.GetProperties(propsBuf)
	if err != nil {
		return nil, errors.Wrap(err, "hyperstub: decode properties")
	}

	edgesBuf, err := s.backend.Get(graphKey(handle, fieldEdges))
	if err != nil {
		return nil, err
	}
	edges, err := decodeOutEdges(edgesBuf)
	if err != nil {
		return nil, errors.Wrap(err, "hyperstub: decode out_edges")
	}

	nbrsBuf, err := s.backend.Get(graphKey(handle, fieldInNbrs))
	if err != nil {
		return nil, err
	}
	nbrs, _, err := wire.GetHandleSet(nbrsBuf)
	if err != nil {
		return nil, errors.Wrap(err, "hyperstub: decode in_nbrs")
	}

	txqBuf, err := s.backend.Get(graphKey(handle, fieldTxQueue))
	if err != nil {
		return nil, err
	}
	txq, _, err := wire.GetTxQueue(txqBuf)
	if err != nil {
		return nil, errors.Wrap(err, "hyperstub: decode tx_queue")
	}

	return &graph.Node{
		Handle:      handle,
		OutEdges:    edges,
		InNeighbors: nbrs,
		TxQueue:     txq,
		BaseElement: graph.BaseElement{
			CreatTime:  creat,
			DelTime:    del,
			Properties: props,
		},
	}, nil
}

// DeleteNode removes every graph-space field for handle.
func (s *Stub) DeleteNode(handle graph.Handle) error {
	deletes := []string{
		graphKey(handle, fieldCreat),
		graphKey(handle, fieldDel),
		graphKey(handle, fieldProps),
		graphKey(handle, fieldEdges),
		graphKey(handle, fieldInNbrs),
		graphKey(handle, fieldTxQueue),
	}
	return s.backend.AtomicApply(nil, deletes)
}

// UpdateCreatTime overwrites just a node's creation-time field.
func (s *Stub) UpdateCreatTime(handle graph.Handle, c vclock.Clock) error {
	return s.backend.Put(graphKey(handle, fieldCreat), wire.PutClock(nil, c))
}

// UpdateDelTime overwrites just a node's deletion-time field.
func (s *Stub) UpdateDelTime(handle graph.Handle, c vclock.Clock) error {
	return s.backend.Put(graphKey(handle, fieldDel), wire.PutClock(nil, c))
}

// UpdateProperties overwrites a node's full property list.
func (s *Stub) UpdateProperties(handle graph.Handle, props []graph.Property) error {
	return s.backend.Put(graphKey(handle, fieldProps), wire.PutProperties(nil, props))
}

// UpdateTxQueue overwrites a node's queued-but-not-yet-applied tx pieces.
func (s *Stub) UpdateTxQueue(handle graph.Handle, queue []graph.TxPiece) error {
	return s.backend.Put(graphKey(handle, fieldTxQueue), wire.PutTxQueue(nil, queue))
}

// AddOutEdge reads, updates, and rewrites a node's out-edge map. Callers
// that already hold the node in memory (the common case) should prefer
// mutating graph.Node directly and calling UpdateOutEdges once.
func (s *Stub) AddOutEdge(handle graph.Handle, e *graph.Edge) error {
	edges, err := s.getOutEdges(handle)
	if err != nil {
		return err
	}
	edges[e.ID] = e
	return s.UpdateOutEdges(handle, edges)
}

// RemoveOutEdge reads, updates, and rewrites a node's out-edge map,
// dropping id.
func (s *Stub) RemoveOutEdge(handle graph.Handle, id graph.EdgeID) error {
	edges, err := s.getOutEdges(handle)
	if err != nil {
		return err
	}
	delete(edges, id)
	return s.UpdateOutEdges(handle, edges)
}

// UpdateOutEdges overwrites a node's full out-edge map.
func (s *Stub) UpdateOutEdges(handle graph.Handle, edges map[graph.EdgeID]*graph.Edge) error {
	return s.backend.Put(graphKey(handle, fieldEdges), encodeOutEdges(edges))
}

func (s *Stub) getOutEdges(handle graph.Handle) (map[graph.EdgeID]*graph.Edge, error) {
	buf, err := s.backend.Get(graphKey(handle, fieldEdges))
	if err != nil {
		return nil, err
	}
	return decodeOutEdges(buf)
}

// AddInNeighbor reads, updates, and rewrites a node's in-neighbor set.
func (s *Stub) AddInNeighbor(handle, nbr graph.Handle) error {
	set, err := s.getInNeighbors(handle)
	if err != nil {
		return err
	}
	set[nbr] = struct{}{}
	return s.backend.Put(graphKey(handle, fieldInNbrs), wire.PutHandleSet(nil, set))
}

// RemoveInNeighbor reads, updates, and rewrites a node's in-neighbor set,
// dropping nbr.
func (s *Stub) RemoveInNeighbor(handle, nbr graph.Handle) error {
	set, err := s.getInNeighbors(handle)
	if err != nil {
		return err
	}
	delete(set, nbr)
	return s.backend.Put(graphKey(handle, fieldInNbrs), wire.PutHandleSet(nil, set))
}

func (s *Stub) getInNeighbors(handle graph.Handle) (map[graph.Handle]struct{}, error) {
	buf, err := s.backend.Get(graphKey(handle, fieldInNbrs))
	if err != nil {
		return nil, err
	}
	set, _, err := wire.GetHandleSet(buf)
	return set, err
}

// IncrementQTS atomically bumps the per-timestamper queue sequence for vtID
// and returns the new value.
func (s *Stub) IncrementQTS(vtID uint64) (uint64, error) {
	qts, lastClocks, err := s.getQTSAndClocks()
	if err != nil {
		return 0, err
	}
	qts[vtID]++
	if err := s.putQTSAndClocks(qts, lastClocks); err != nil {
		return 0, err
	}
	return qts[vtID], nil
}

// UpdateLastClocks records the most recent clock observed from vtID.
func (s *Stub) UpdateLastClocks(vtID uint64, c vclock.Clock) error {
	qts, lastClocks, err := s.getQTSAndClocks()
	if err != nil {
		return err
	}
	lastClocks[vtID] = c
	return s.putQTSAndClocks(qts, lastClocks)
}

func (s *Stub) getQTSAndClocks() (map[uint64]uint64, map[uint64]vclock.Clock, error) {
	qtsBuf, err := s.backend.Get(shardKey(s.shardID, fieldQTS))
	if err != nil {
		return nil, nil, err
	}
	qts, err := decodeU64Map(qtsBuf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "hyperstub: decode qts")
	}

	clkBuf, err := s.backend.Get(shardKey(s.shardID, fieldLastClocks))
	if err != nil {
		return nil, nil, err
	}
	lastClocks, err := decodeClockMap(clkBuf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "hyperstub: decode last_clocks")
	}
	return qts, lastClocks, nil
}

// PutMapping records handle's assigned shard in the name-mapping space.
// The mapping is write-once in practice (a handle's shard never changes
// once admitted), but this call does not itself enforce that.
func (s *Stub) PutMapping(handle graph.Handle, shardID graph.ShardID) error {
	return s.backend.Put(nmapKey(handle), wire.PutUint64(nil, uint64(shardID)))
}

// GetMapping resolves handle's shard id, or kv.ErrKeyNotFound if the
// handle has never been mapped.
func (s *Stub) GetMapping(handle graph.Handle) (graph.ShardID, error) {
	buf, err := s.backend.Get(nmapKey(handle))
	if err != nil {
		return 0, err
	}
	v, _, err := wire.GetUint64(buf)
	if err != nil {
		return 0, errors.Wrap(err, "hyperstub: decode nmap entry")
	}
	return graph.ShardID(v), nil
}

// RestoreBackup reconstructs a shard's full durable state: its
// queue-timestamp and last-clock bookkeeping, plus every node handle it
// maps to this shard, with its node record pre-loaded.
func (s *Stub) RestoreBackup() (map[uint64]uint64, map[uint64]vclock.Clock, map[graph.Handle]*graph.Node, error) {
	qts, lastClocks, err := s.getQTSAndClocks()
	if err != nil {
		return nil, nil, nil, err
	}

	keys, err := s.backend.ListPrefix(nmapPrefix)
	if err != nil {
		return nil, nil, nil, err
	}
	nodes := make(map[graph.Handle]*graph.Node, len(keys))
	for _, key := range keys {
		handle := graph.Handle(key[len(nmapPrefix):])
		shardID, err := s.GetMapping(handle)
		if err != nil {
			return nil, nil, nil, err
		}
		if shardID != s.shardID {
			continue
		}
		n, err := s.GetNode(handle)
		if err != nil {
			return nil, nil, nil, err
		}
		nodes[handle] = n
	}
	return qts, lastClocks, nodes, nil
}

func encodeOutEdges(edges map[graph.EdgeID]*graph.Edge) []byte {
	buf := wire.PutUint64(nil, uint64(len(edges)))
	for id, e := range edges {
		buf = wire.PutUint64(buf, uint64(id))
		buf = wire.PutEdge(buf, e)
	}
	return buf
}

func decodeOutEdges(buf []byte) (map[graph.EdgeID]*graph.Edge, error) {
	count, rest, err := wire.GetUint64(buf)
	if err != nil {
		return nil, err
	}
	edges := make(map[graph.EdgeID]*graph.Edge, count)
	for i := uint64(0); i < count; i++ {
		idVal, r, err := wire.GetUint64(rest)
		if err != nil {
			return nil, err
		}
		rest = r
		e, r, err := wire.GetEdge(rest, graph.EdgeID(idVal))
		if err != nil {
			return nil, err
		}
		rest = r
		edges[e.ID] = e
	}
	return edges, nil
}

func encodeU64Map(m map[uint64]uint64) []byte {
	buf := wire.PutUint64(nil, uint64(len(m)))
	for k, v := range m {
		buf = wire.PutUint64(buf, k)
		buf = wire.PutUint64(buf, v)
	}
	return buf
}

func decodeU64Map(buf []byte) (map[uint64]uint64, error) {
	count, rest, err := wire.GetUint64(buf)
	if err != nil {
		return nil, err
	}
	m := make(map[uint64]uint64, count)
	for i := uint64(0); i < count; i++ {
		k, r, err := wire.GetUint64(rest)
		if err != nil {
			return nil, err
		}
		v, r, err := wire.GetUint64(r)
		if err != nil {
			return nil, err
		}
		rest = r
		m[k] = v
	}
	return m, nil
}

func encodeClockMap(m map[uint64]vclock.Clock) []byte {
	buf := wire.PutUint64(nil, uint64(len(m)))
	for k, c := range m {
		buf = wire.PutUint64(buf, k)
		buf = wire.PutClock(buf, c)
	}
	return buf
}

func decodeClockMap(buf []byte) (map[uint64]vclock.Clock, error) {
	count, rest, err := wire.GetUint64(buf)
	if err != nil {
		return nil, err
	}
	m := make(map[uint64]vclock.Clock, count)
	for i := uint64(0); i < count; i++ {
		k, r, err := wire.GetUint64(rest)
		if err != nil {
			return nil, err
		}
		c, r, err := wire.GetClock(r)
		if err != nil {
			return nil, err
		}
		rest = r
		m[k] = c
	}
	return m, nil
}
