// Package shardserver implements the shard side of Weaver: applying
// transaction pieces to locally-owned nodes, running node-program batches
// dispatched by a vector timestamper, and answering periodic no-op/count
// requests. See doc.go for the full message flow.
package shardserver

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/hyperstub"
	"github.com/weaver-graph/weaver/internal/kv"
	"github.com/weaver-graph/weaver/internal/metrics"
	"github.com/weaver-graph/weaver/internal/progcache"
	"github.com/weaver-graph/weaver/internal/progstate"
	"github.com/weaver-graph/weaver/internal/timestamper"
	"github.com/weaver-graph/weaver/internal/transport"
	"github.com/weaver-graph/weaver/internal/vclock"
	"github.com/weaver-graph/weaver/internal/vorder"
	"github.com/weaver-graph/weaver/internal/wire"
)

// ErrUnknownNode is returned when a write or program request names a
// handle this shard has no record of.
var ErrUnknownNode = errors.New("shardserver: unknown node")

// ProgramJob is one shard's share of a dispatched node-program request: the
// handles (and per-handle params) to run kind's traversal from, starting at
// a consistent viewer clock.
type ProgramJob struct {
	Kind      uint16
	VTID      uint64
	Timestamp vclock.Clock
	ReqID     uint64
	Handles   []graph.Handle
	Params    map[graph.Handle][]byte
}

// ProgramRunner actually walks the graph for a dispatched program batch.
// The traversal algorithms themselves (reachability, Dijkstra, clustering)
// are a pluggable collaborator; Server only owns dispatch, state lifecycle,
// and result caching around whatever Runner is installed.
type ProgramRunner interface {
	Run(ctx context.Context, job ProgramJob) ([]byte, error)
}

// NopProgramRunner is the zero-value runner: it reports completion with an
// empty result for every job. Installed by default so a Server is usable
// before a real traversal engine is wired in.
type NopProgramRunner struct{}

// Run always returns a nil result and no error.
func (NopProgramRunner) Run(context.Context, ProgramJob) ([]byte, error) { return nil, nil }

// BlobState is the default progstate.State: an opaque, self-delimiting byte
// payload. Kinds that need structured per-node state can install their own
// progstate.Registry entry instead; BlobState exists so the store's pack/
// unpack path has something concrete to round-trip through without
// depending on a specific traversal engine.
type BlobState []byte

// Pack returns the self-delimiting wire encoding of b.
func (b BlobState) Pack() []byte {
	return wire.PutVarBytes(nil, []byte(b))
}

// UnpackBlobState decodes a BlobState written by Pack.
func UnpackBlobState(buf []byte) (progstate.State, int, error) {
	v, rest, err := wire.GetVarBytes(buf)
	if err != nil {
		return nil, 0, err
	}
	return BlobState(v), len(buf) - len(rest), nil
}

// DefaultRegistry maps every progstate.Kind this package knows about to
// UnpackBlobState, suitable when no traversal engine supplies its own
// structured state types.
func DefaultRegistry() progstate.Registry {
	return progstate.Registry{
		progstate.Reachability: UnpackBlobState,
		progstate.Dijkstra:     UnpackBlobState,
		progstate.Clustering:   UnpackBlobState,
	}
}

// Options configures a new Server.
type Options struct {
	ShardID   graph.ShardID
	NumVts    int
	Backend   kv.Backend
	Transport transport.Transport
	Registry  progstate.Registry // defaults to DefaultRegistry() if nil
	Runner    ProgramRunner      // defaults to NopProgramRunner{} if nil
	Log       *zap.Logger
}

// Server is the shard-side ShardTxApplier, ProgramStateStore, and
// ProgramCache wired together atop a durable ShardHyperStub. Node records
// are exclusively owned by their home shard, so Server keeps an in-memory
// working set behind a single mutex and writes through to the stub on
// every mutation.
type Server struct {
	mu    sync.Mutex
	nodes map[graph.Handle]*graph.Node
	// lastVTSeq tracks, per timestamper id, the most recently applied
	// vt_seq, so an out-of-order or duplicate piece can be logged.
	lastVTSeq map[uint64]uint64

	stub      *hyperstub.Stub
	progState *progstate.Store
	cache     *progcache.Cache
	oracle    vorder.Oracle
	runner    ProgramRunner

	shardID   graph.ShardID
	numVts    int
	transport transport.Transport
	log       *zap.Logger
}

// New returns a Server for the given shard, ready for Init.
func New(opts Options) *Server {
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	runner := opts.Runner
	if runner == nil {
		runner = NopProgramRunner{}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		nodes:     make(map[graph.Handle]*graph.Node),
		lastVTSeq: make(map[uint64]uint64),
		stub:      hyperstub.New(opts.Backend, opts.ShardID, opts.NumVts),
		progState: progstate.New(registry),
		cache:     progcache.New(),
		oracle:    vorder.New(),
		runner:    runner,
		shardID:   opts.ShardID,
		numVts:    opts.NumVts,
		transport: opts.Transport,
		log:       log,
	}
}

// Init seeds this shard's durable shard-space record. Call once, the first
// time a shard id is ever brought up.
func (s *Server) Init() error {
	return s.stub.Init()
}

// Restore reloads every node this shard owns from the durable backend into
// the in-memory working set. The queue-timestamp and last-clock records are
// read but not kept in memory; they stay in the durable shard record. Used
// on process start and after a backup promotion.
func (s *Server) Restore() error {
	_, _, nodes, err := s.stub.RestoreBackup()
	if err != nil {
		return errors.Wrap(err, "shardserver: restore")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, n := range nodes {
		s.nodes[handle] = n
	}
	return nil
}

// HandleMessage implements transport.Handler, dispatching inbound frames to
// this shard's tx-application and program-dispatch paths.
func (s *Server) HandleMessage(ctx context.Context, peer string, typ wire.MessageType, payload []byte) {
	switch typ {
	case wire.ClientTxInit:
		s.handleTxPiece(ctx, peer, payload)
	case wire.NodeProg:
		s.handleNodeProg(ctx, peer, payload)
	case wire.ClientNodeCount:
		s.handleNodeCountRequest(ctx, peer)
	default:
		s.log.Warn("shardserver: unhandled message type", zap.Uint32("type", uint32(typ)), zap.String("peer", peer))
	}
}

// handleTxPiece applies every write in a TxPiece, persists the resulting
// queue timestamp and last-observed clock for the sending timestamper, and
// acknowledges with TX_DONE. A WriteNop write carries periodic GC/
// monitoring metadata rather than a graph mutation and is handled via its
// own reply messages in addition to the shared TX_DONE.
func (s *Server) handleTxPiece(ctx context.Context, peer string, payload []byte) {
	piece, _, err := wire.GetTxPiece(payload)
	if err != nil {
		s.log.Warn("shardserver: decode tx piece", zap.Error(err))
		return
	}
	vtID := piece.Timestamp.Owner

	s.mu.Lock()
	last := s.lastVTSeq[vtID]
	if last != 0 && piece.VTSeq <= last {
		s.log.Warn("shardserver: tx piece arrived out of vt_seq order",
			zap.Uint64("vt_id", vtID), zap.Uint64("got_vt_seq", piece.VTSeq), zap.Uint64("last_vt_seq", last))
	}
	s.lastVTSeq[vtID] = piece.VTSeq
	s.mu.Unlock()

	var nopPayload []byte
	for _, w := range piece.Writes {
		if w.Kind == graph.WriteNop {
			nopPayload = w.Value
			continue
		}
		if err := s.applyWrite(w, piece.Timestamp); err != nil {
			s.log.Warn("shardserver: apply write failed", zap.Error(err), zap.Stringer("kind", w.Kind))
			metrics.WritesFailed.WithLabelValues(w.Kind.String()).Inc()
			continue
		}
		metrics.WritesApplied.WithLabelValues(w.Kind.String()).Inc()
	}

	qts, err := s.stub.IncrementQTS(vtID)
	if err != nil {
		s.log.Warn("shardserver: increment qts", zap.Error(err), zap.Uint64("vt_id", vtID))
	}
	if err := s.stub.UpdateLastClocks(vtID, piece.Timestamp); err != nil {
		s.log.Warn("shardserver: update last clocks", zap.Error(err), zap.Uint64("vt_id", vtID))
	}

	if nopPayload != nil {
		s.handleNop(ctx, peer, qts, nopPayload)
	}

	s.sendTxDone(ctx, peer, piece.ID)
}

// applyWrite mutates the in-memory node(s) a write targets and persists the
// change through the hyperstub. create_node and create_edge writes whose
// Loc1 names another shard are reported as errors rather than applied; the
// other write kinds look the named node up in this shard's working set and
// fail if it is absent.
func (s *Server) applyWrite(w graph.Write, ts vclock.Clock) error {
	switch w.Kind {
	case graph.WriteCreateNode:
		return s.applyCreateNode(w, ts)
	case graph.WriteCreateEdge:
		return s.applyCreateEdge(w, ts)
	case graph.WriteDeleteNode:
		return s.applyDeleteNode(w, ts)
	case graph.WriteDeleteEdge:
		return s.applyDeleteEdge(w, ts)
	case graph.WriteSetNodeProperty:
		return s.applySetNodeProperty(w, ts)
	case graph.WriteSetEdgeProperty:
		return s.applySetEdgeProperty(w, ts)
	case graph.WriteNop:
		return nil
	default:
		return errors.Errorf("shardserver: unknown write kind %d", w.Kind)
	}
}

func (s *Server) applyCreateNode(w graph.Write, ts vclock.Clock) error {
	if w.Loc1 != s.shardID {
		return errors.Errorf("shardserver: create_node for %q routed to shard %d, want %d", w.Handle1, s.shardID, w.Loc1)
	}
	n := graph.NewNode(w.Handle1, ts, s.numVts)

	s.mu.Lock()
	s.nodes[w.Handle1] = n
	s.mu.Unlock()

	if err := s.stub.PutNode(n); err != nil {
		return errors.Wrap(err, "shardserver: persist created node")
	}
	return s.stub.PutMapping(w.Handle1, s.shardID)
}

// applyCreateEdge attaches a new out-edge to the source node, allocating an
// edge id if the admitting transaction didn't assign one. In-neighbor
// bookkeeping is only updated when the destination also lives on this
// shard. When the destination lives on another shard, the piece sent there
// carries the same write, which fails that shard's Loc1 check and is
// counted as a failed write; the destination's in-neighbor set is not
// updated.
func (s *Server) applyCreateEdge(w graph.Write, ts vclock.Clock) error {
	if w.Loc1 != s.shardID {
		return errors.Errorf("shardserver: create_edge for %q routed to shard %d, want %d", w.Handle1, s.shardID, w.Loc1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[w.Handle1]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "create_edge source %q", w.Handle1)
	}

	id := w.NewEdge
	if id == 0 {
		id = nextEdgeID(node)
	}
	edge := &graph.Edge{
		ID:       id,
		Neighbor: graph.RemoteNode{Handle: w.Handle2, ShardID: w.Loc2},
		BaseElement: graph.BaseElement{
			CreatTime: ts,
			DelTime:   vclock.Never(s.numVts),
		},
	}
	node.AddOutEdge(edge)
	if err := s.stub.AddOutEdge(w.Handle1, edge); err != nil {
		return errors.Wrap(err, "shardserver: persist out edge")
	}

	if w.Loc2 == s.shardID {
		if dst, ok := s.nodes[w.Handle2]; ok {
			dst.AddInNeighbor(w.Handle1)
			if err := s.stub.AddInNeighbor(w.Handle2, w.Handle1); err != nil {
				return errors.Wrap(err, "shardserver: persist in-neighbor")
			}
		}
	}
	return nil
}

func nextEdgeID(n *graph.Node) graph.EdgeID {
	var max graph.EdgeID
	for id := range n.OutEdges {
		if id > max {
			max = id
		}
	}
	return max + 1
}

func (s *Server) applyDeleteNode(w graph.Write, ts vclock.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[w.Handle1]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "delete_node %q", w.Handle1)
	}
	node.DelTime = ts
	s.cache.DeleteNode(string(w.Handle1))
	s.progState.DeleteNodeState(w.Handle1)
	return s.stub.UpdateDelTime(w.Handle1, ts)
}

func (s *Server) applyDeleteEdge(w graph.Write, ts vclock.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[w.Handle1]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "delete_edge on %q", w.Handle1)
	}
	edge, ok := node.OutEdges[w.NewEdge]
	if !ok {
		return errors.Errorf("shardserver: delete_edge: unknown edge %d on %q", w.NewEdge, w.Handle1)
	}
	edge.DelTime = ts
	return s.stub.UpdateOutEdges(w.Handle1, node.OutEdges)
}

func (s *Server) applySetNodeProperty(w graph.Write, ts vclock.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[w.Handle1]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "set_node_property on %q", w.Handle1)
	}
	node.Properties = setProperty(node.Properties, w.Key, w.Value, ts, s.numVts)
	return s.stub.UpdateProperties(w.Handle1, node.Properties)
}

func (s *Server) applySetEdgeProperty(w graph.Write, ts vclock.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[w.Handle1]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "set_edge_property on %q", w.Handle1)
	}
	edge, ok := node.OutEdges[w.NewEdge]
	if !ok {
		return errors.Errorf("shardserver: set_edge_property: unknown edge %d on %q", w.NewEdge, w.Handle1)
	}
	edge.Properties = setProperty(edge.Properties, w.Key, w.Value, ts, s.numVts)
	return s.stub.UpdateOutEdges(w.Handle1, node.OutEdges)
}

// setProperty tombstones any currently-live version of key and appends a
// fresh version created at ts, returning the updated property list.
func setProperty(props []graph.Property, key string, value []byte, ts vclock.Clock, numVts int) []graph.Property {
	never := vclock.Never(numVts)
	for i := range props {
		if props[i].Key == key && props[i].DelTime.Equal(never) {
			props[i].DelTime = ts
		}
	}
	return append(props, graph.Property{
		Key:       key,
		Value:     value,
		CreatTime: ts,
		DelTime:   never,
	})
}

// handleNop reclaims program state for every request a timestamper reports
// done at every shard, then reports this shard's queue timestamp and node
// count back so the timestamper can clear its own bookkeeping.
func (s *Server) handleNop(ctx context.Context, peer string, qts uint64, payload []byte) {
	maxDoneID, _, _, _, doneReqs, err := timestamper.DecodeNopPayload(payload)
	if err != nil {
		s.log.Warn("shardserver: decode nop payload", zap.Error(err))
		return
	}
	if len(doneReqs) > 0 {
		reqs := make([]progstate.DoneRequest, 0, len(doneReqs))
		for _, d := range doneReqs {
			reqs = append(reqs, progstate.DoneRequest{ReqID: d.ReqID, Kind: progstate.Kind(d.Kind)})
		}
		s.progState.DoneRequests(reqs, maxDoneID)
		for _, d := range doneReqs {
			s.cache.InvalidateRequest(d.ReqID)
		}
	}

	s.sendNopAck(ctx, peer, qts)
	s.sendNodeCount(ctx, peer)
}

func (s *Server) handleNodeCountRequest(ctx context.Context, peer string) {
	s.sendNodeCount(ctx, peer)
}

// handleNodeProg runs a dispatched program batch: it guards the request's
// state against concurrent reclamation via CheckDoneRequest/ClearInUse,
// delegates the actual traversal to the installed ProgramRunner, commits
// any cache entries the run staged, and replies with the result.
func (s *Server) handleNodeProg(ctx context.Context, peer string, payload []byte) {
	kind, vtID, timestamp, reqID, handles, params, err := timestamper.DecodeProgramBatch(payload)
	if err != nil {
		s.log.Warn("shardserver: decode program batch", zap.Error(err))
		return
	}

	if s.progState.CheckDoneRequest(reqID) {
		s.sendProgramReturn(ctx, peer, kind, reqID, nil)
		return
	}
	defer s.progState.ClearInUse(reqID)

	result, err := s.runner.Run(ctx, ProgramJob{
		Kind: kind, VTID: vtID, Timestamp: timestamp, ReqID: reqID, Handles: handles, Params: params,
	})
	if err != nil {
		s.log.Warn("shardserver: program run failed", zap.Error(err), zap.Uint64("req_id", reqID))
		result = nil
	}
	s.cache.Commit(reqID)
	s.sendProgramReturn(ctx, peer, kind, reqID, result)
}

func (s *Server) sendTxDone(ctx context.Context, peer string, txID uint64) {
	payload := wire.PutTxDone(nil, txID, s.shardID)
	if err := s.transport.Send(ctx, peer, wire.TxDone, payload); err != nil {
		s.log.Warn("shardserver: send tx_done failed", zap.Error(err), zap.Uint64("tx_id", txID))
	}
}

func (s *Server) sendNopAck(ctx context.Context, peer string, qts uint64) {
	payload := wire.PutNopAck(nil, s.shardID, qts)
	if err := s.transport.Send(ctx, peer, wire.VTNopAck, payload); err != nil {
		s.log.Warn("shardserver: send nop_ack failed", zap.Error(err))
	}
}

func (s *Server) sendNodeCount(ctx context.Context, peer string) {
	s.mu.Lock()
	count := uint64(len(s.nodes))
	s.mu.Unlock()
	metrics.NodeCount.Set(float64(count))
	payload := wire.PutNodeCount(nil, s.shardID, count)
	if err := s.transport.Send(ctx, peer, wire.NodeCountReply, payload); err != nil {
		s.log.Warn("shardserver: send node_count failed", zap.Error(err))
	}
}

func (s *Server) sendProgramReturn(ctx context.Context, peer string, kind uint16, reqID uint64, result []byte) {
	payload := wire.PutNodeProgReturn(nil, kind, reqID, result)
	if err := s.transport.Send(ctx, peer, wire.NodeProgReturn, payload); err != nil {
		s.log.Warn("shardserver: send node_prog_return failed", zap.Error(err), zap.Uint64("req_id", reqID))
	}
}

// NodeCount returns the number of nodes currently held in memory.
func (s *Server) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Node returns a shard's in-memory record for handle, if any. Exposed for
// tests and administrative inspection; the write paths above are the only
// supported way to mutate a node.
func (s *Server) Node(handle graph.Handle) (*graph.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[handle]
	return n, ok
}
