package shardserver

import (
	"context"
	"testing"
	"time"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/kv"
	"github.com/weaver-graph/weaver/internal/timestamper"
	"github.com/weaver-graph/weaver/internal/transport"
	"github.com/weaver-graph/weaver/internal/vclock"
	"github.com/weaver-graph/weaver/internal/wire"
)

// newTestServer returns a Server for shardID plus the loopback hub it and
// a stand-in "vt" peer share, with Init already called.
func newTestServer(t *testing.T, shardID graph.ShardID, numVts int) (*Server, *transport.LoopbackHub, *transport.Loopback) {
	t.Helper()
	hub := transport.NewLoopbackHub()
	self := transport.NewLoopback(hub, "shard")
	s := New(Options{
		ShardID:   shardID,
		NumVts:    numVts,
		Backend:   kv.NewMemory(),
		Transport: self,
	})
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s, hub, self
}

// serveAndCollect starts vt.Serve in the background and returns a channel
// delivering every message type it receives, plus a cancel func to stop it.
func serveAndCollect(vt *transport.Loopback) (chan wire.MessageType, chan []byte, context.CancelFunc) {
	types := make(chan wire.MessageType, 16)
	payloads := make(chan []byte, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go vt.Serve(ctx, func(_ context.Context, _ string, typ wire.MessageType, payload []byte) {
		types <- typ
		payloads <- payload
	})
	return types, payloads, cancel
}

func createNodePiece(handle graph.Handle, shard graph.ShardID, owner uint64, numVts int, txID, vtSeq uint64) graph.TxPiece {
	ts := vclock.New(owner, numVts)
	return graph.TxPiece{
		Timestamp: ts,
		ID:        txID,
		VTSeq:     vtSeq,
		Writes: []graph.Write{
			{Kind: graph.WriteCreateNode, Handle1: handle, Loc1: shard},
		},
	}
}

func TestHandleTxPieceCreatesNodeAndAcksTxDone(t *testing.T) {
	s, hub, _ := newTestServer(t, 0, 1)
	vt := transport.NewLoopback(hub, "vt")
	types, payloads, cancel := serveAndCollect(vt)
	defer cancel()

	piece := createNodePiece("A", 0, 0, 1, 42, 1)
	s.HandleMessage(context.Background(), "vt", wire.ClientTxInit, wire.PutTxPiece(nil, piece))

	select {
	case typ := <-types:
		if typ != wire.TxDone {
			t.Fatalf("got message type %v, want TxDone", typ)
		}
		payload := <-payloads
		txID, shard, err := wire.GetTxDone(payload)
		if err != nil {
			t.Fatalf("GetTxDone: %v", err)
		}
		if txID != 42 || shard != 0 {
			t.Fatalf("got (tx_id=%d, shard=%d), want (42, 0)", txID, shard)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TX_DONE")
	}

	if _, ok := s.Node("A"); !ok {
		t.Fatalf("expected node A to exist after create_node")
	}
	if s.NodeCount() != 1 {
		t.Fatalf("NodeCount = %d, want 1", s.NodeCount())
	}
}

func TestApplyCreateEdgeSameShardUpdatesInNeighbors(t *testing.T) {
	s, hub, _ := newTestServer(t, 0, 1)
	vt := transport.NewLoopback(hub, "vt")
	_, _, cancel := serveAndCollect(vt)
	defer cancel()
	ctx := context.Background()

	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, createNodePiece("A", 0, 0, 1, 1, 1)))
	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, createNodePiece("B", 0, 0, 1, 2, 2)))

	edgePiece := graph.TxPiece{
		Timestamp: vclock.New(0, 1),
		ID:        3,
		VTSeq:     3,
		Writes: []graph.Write{
			{Kind: graph.WriteCreateEdge, Handle1: "A", Handle2: "B", Loc1: 0, Loc2: 0},
		},
	}
	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, edgePiece))

	a, ok := s.Node("A")
	if !ok {
		t.Fatalf("expected node A")
	}
	if len(a.OutEdges) != 1 {
		t.Fatalf("expected 1 out edge on A, got %d", len(a.OutEdges))
	}
	b, ok := s.Node("B")
	if !ok {
		t.Fatalf("expected node B")
	}
	if _, in := b.InNeighbors["A"]; !in {
		t.Fatalf("expected B to have A as an in-neighbor")
	}
}

func TestApplyDeleteNodeTombstonesAndClearsCaches(t *testing.T) {
	s, hub, _ := newTestServer(t, 0, 1)
	vt := transport.NewLoopback(hub, "vt")
	_, _, cancel := serveAndCollect(vt)
	defer cancel()
	ctx := context.Background()

	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, createNodePiece("A", 0, 0, 1, 1, 1)))

	deletePiece := graph.TxPiece{
		Timestamp: vclock.New(0, 1),
		ID:        2,
		VTSeq:     2,
		Writes:    []graph.Write{{Kind: graph.WriteDeleteNode, Handle1: "A"}},
	}
	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, deletePiece))

	a, ok := s.Node("A")
	if !ok {
		t.Fatalf("expected tombstoned node A to remain in the working set")
	}
	if a.DelTime.IsNever() {
		t.Fatalf("expected DelTime to be set, still reads as never-deleted")
	}
}

func TestApplySetNodePropertyTombstonesPriorVersion(t *testing.T) {
	s, hub, _ := newTestServer(t, 0, 1)
	vt := transport.NewLoopback(hub, "vt")
	_, _, cancel := serveAndCollect(vt)
	defer cancel()
	ctx := context.Background()

	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, createNodePiece("A", 0, 0, 1, 1, 1)))

	for i, val := range []string{"v1", "v2"} {
		piece := graph.TxPiece{
			Timestamp: vclock.New(0, 1),
			ID:        uint64(2 + i),
			VTSeq:     uint64(2 + i),
			Writes: []graph.Write{
				{Kind: graph.WriteSetNodeProperty, Handle1: "A", Key: "name", Value: []byte(val)},
			},
		}
		s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, piece))
	}

	a, _ := s.Node("A")
	if len(a.Properties) != 2 {
		t.Fatalf("expected 2 property versions, got %d", len(a.Properties))
	}
	live := 0
	for _, p := range a.Properties {
		if p.DelTime.IsNever() {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly 1 live property version, got %d", live)
	}
}

func TestHandleNodeProgRunsAndReturnsResult(t *testing.T) {
	s, hub, _ := newTestServer(t, 0, 1)
	vt := transport.NewLoopback(hub, "vt")
	types, payloads, cancel := serveAndCollect(vt)
	defer cancel()
	ctx := context.Background()

	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, createNodePiece("A", 0, 0, 1, 1, 1)))

	batch := encodeTestProgramBatch(t, 1, 0, vclock.New(0, 1), 99, []graph.Handle{"A"}, nil)
	s.HandleMessage(ctx, "vt", wire.NodeProg, batch)

	select {
	case typ := <-types:
		if typ != wire.NodeProgReturn {
			t.Fatalf("got %v, want NodeProgReturn", typ)
		}
		payload := <-payloads
		kind, reqID, result, err := wire.GetNodeProgReturn(payload)
		if err != nil {
			t.Fatalf("GetNodeProgReturn: %v", err)
		}
		if kind != 1 || reqID != 99 {
			t.Fatalf("got (kind=%d, req_id=%d), want (1, 99)", kind, reqID)
		}
		if len(result) != 0 {
			t.Fatalf("expected empty result from the default runner, got %d bytes", len(result))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NodeProgReturn")
	}
}

func TestHandleNodeProgAlreadyDoneSkipsRunner(t *testing.T) {
	s, hub, _ := newTestServer(t, 0, 1)
	vt := transport.NewLoopback(hub, "vt")
	types, payloads, cancel := serveAndCollect(vt)
	defer cancel()
	ctx := context.Background()

	nop := encodeTestNopPayload(t, 0, vclock.New(0, 1), 0, 0, []timestamper.DoneReqEntry{{ReqID: 77, Kind: 1}})
	nopPiece := graph.TxPiece{
		Timestamp: vclock.New(0, 1),
		ID:        10,
		VTSeq:     10,
		Writes:    []graph.Write{{Kind: graph.WriteNop, Loc1: 0, Value: nop}},
	}
	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, nopPiece))
	drainTxDoneAndAcks(t, types, payloads, 3)

	batch := encodeTestProgramBatch(t, 1, 0, vclock.New(0, 1), 77, []graph.Handle{"A"}, nil)
	s.HandleMessage(ctx, "vt", wire.NodeProg, batch)

	select {
	case typ := <-types:
		if typ != wire.NodeProgReturn {
			t.Fatalf("got %v, want NodeProgReturn", typ)
		}
		payload := <-payloads
		_, reqID, result, err := wire.GetNodeProgReturn(payload)
		if err != nil {
			t.Fatalf("GetNodeProgReturn: %v", err)
		}
		if reqID != 77 || result != nil {
			t.Fatalf("got (req_id=%d, result=%v), want (77, nil)", reqID, result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NodeProgReturn")
	}
}

func TestHandleNopAcksAndReportsNodeCount(t *testing.T) {
	s, hub, _ := newTestServer(t, 0, 1)
	vt := transport.NewLoopback(hub, "vt")
	types, payloads, cancel := serveAndCollect(vt)
	defer cancel()
	ctx := context.Background()

	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, createNodePiece("A", 0, 0, 1, 1, 1)))
	drainTxDoneAndAcks(t, types, payloads, 1)

	nop := encodeTestNopPayload(t, 5, vclock.New(0, 1), 2, 0, nil)
	nopPiece := graph.TxPiece{
		Timestamp: vclock.New(0, 1),
		ID:        2,
		VTSeq:     2,
		Writes:    []graph.Write{{Kind: graph.WriteNop, Loc1: 0, Value: nop}},
	}
	s.HandleMessage(ctx, "vt", wire.ClientTxInit, wire.PutTxPiece(nil, nopPiece))

	seen := map[wire.MessageType]bool{}
	for i := 0; i < 3; i++ {
		select {
		case typ := <-types:
			seen[typ] = true
			<-payloads
		case <-time.After(time.Second):
			t.Fatalf("timed out collecting replies, saw %v so far", seen)
		}
	}
	if !seen[wire.VTNopAck] || !seen[wire.NodeCountReply] || !seen[wire.TxDone] {
		t.Fatalf("expected VTNopAck, NodeCountReply, and TxDone, got %v", seen)
	}
}

func TestClientNodeCountRequestsNodeCountReply(t *testing.T) {
	s, hub, _ := newTestServer(t, 0, 1)
	vt := transport.NewLoopback(hub, "vt")
	types, payloads, cancel := serveAndCollect(vt)
	defer cancel()
	ctx := context.Background()

	s.HandleMessage(ctx, "vt", wire.ClientNodeCount, nil)

	select {
	case typ := <-types:
		if typ != wire.NodeCountReply {
			t.Fatalf("got %v, want NodeCountReply", typ)
		}
		payload := <-payloads
		shard, count, err := wire.GetNodeCount(payload)
		if err != nil {
			t.Fatalf("GetNodeCount: %v", err)
		}
		if shard != 0 || count != 0 {
			t.Fatalf("got (shard=%d, count=%d), want (0, 0)", shard, count)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NodeCountReply")
	}
}

// drainTxDoneAndAcks reads exactly n messages off the collector channels
// and discards them, used when a prior step's replies aren't the subject
// of the current assertion.
func drainTxDoneAndAcks(t *testing.T, types chan wire.MessageType, payloads chan []byte, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-types:
			<-payloads
		case <-time.After(time.Second):
			t.Fatalf("timed out draining reply %d/%d", i+1, n)
		}
	}
}

func encodeTestProgramBatch(t *testing.T, kind uint16, vtID uint64, ts vclock.Clock, reqID uint64, handles []graph.Handle, params map[graph.Handle][]byte) []byte {
	t.Helper()
	buf := wire.PutUint64(nil, uint64(kind))
	buf = wire.PutUint64(buf, vtID)
	buf = wire.PutClock(buf, ts)
	buf = wire.PutUint64(buf, reqID)
	buf = wire.PutUint64(buf, uint64(len(handles)))
	for _, h := range handles {
		buf = wire.PutVarBytes(buf, []byte(h))
		buf = wire.PutVarBytes(buf, params[h])
	}
	return buf
}

func encodeTestNopPayload(t *testing.T, maxDoneID uint64, maxDoneClk vclock.Clock, outstanding, nodeCount uint64, doneReqs []timestamper.DoneReqEntry) []byte {
	t.Helper()
	buf := wire.PutUint64(nil, maxDoneID)
	buf = wire.PutClock(buf, maxDoneClk)
	buf = wire.PutUint64(buf, outstanding)
	buf = wire.PutUint64(buf, nodeCount)
	buf = wire.PutUint64(buf, uint64(len(doneReqs)))
	for _, d := range doneReqs {
		buf = wire.PutUint64(buf, d.ReqID)
		buf = wire.PutUint64(buf, uint64(d.Kind))
	}
	return buf
}
