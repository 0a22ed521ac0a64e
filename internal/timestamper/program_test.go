package timestamper

import (
	"context"
	"testing"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/kv"
	"github.com/weaver-graph/weaver/internal/transport"
	"github.com/weaver-graph/weaver/internal/wire"
)

func TestDispatchProgramGroupsHandlesByShard(t *testing.T) {
	ts, hub := newTestTimestamper(t, 0, 1, 2)
	ctx := context.Background()

	if _, err := ts.AdmitTransaction(ctx, 1, []graph.Write{
		{Kind: graph.WriteCreateNode, Handle1: graph.Handle("a")},
		{Kind: graph.WriteCreateNode, Handle1: graph.Handle("b")},
	}); err != nil {
		t.Fatalf("AdmitTransaction: %v", err)
	}

	locA, _ := ts.admission.Get(hmapPrefix + "a")
	locB, _ := ts.admission.Get(hmapPrefix + "b")
	shardA, _, _ := wire.GetUint64(locA)
	shardB, _, _ := wire.GetUint64(locB)

	ts.shards.Set(graph.ShardID(shardA), "shard-a")
	ts.shards.Set(graph.ShardID(shardB), "shard-b")

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, addr := range []string{"shard-a", "shard-b"} {
		lb := transport.NewLoopback(hub, addr)
		go lb.Serve(serveCtx, func(_ context.Context, _ string, typ wire.MessageType, payload []byte) {
			if typ != wire.NodeProg {
				return
			}
			_, _, _, _, handles, _, err := DecodeProgramBatch(payload)
			if err != nil {
				t.Errorf("DecodeProgramBatch: %v", err)
				return
			}
			if len(handles) == 0 {
				t.Errorf("expected at least one handle in program batch")
			}
		})
	}

	reqID, err := ts.DispatchProgram(ctx, ProgramRequest{
		Kind:    1,
		Client:  5,
		Handles: []graph.Handle{"a", "b"},
	})
	if err != nil {
		t.Fatalf("DispatchProgram: %v", err)
	}
	if reqID == 0 {
		t.Fatalf("expected a non-zero request id")
	}

	ts.progMu.Lock()
	_, pending := ts.pendProgs[reqID]
	ts.progMu.Unlock()
	if !pending {
		t.Fatalf("expected a pending program handle for req %d", reqID)
	}
}

func TestDispatchProgramRejectsUnknownHandle(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 2)
	_, err := ts.DispatchProgram(context.Background(), ProgramRequest{
		Kind:    1,
		Handles: []graph.Handle{"nonexistent"},
	})
	if err == nil {
		t.Fatalf("expected ErrBadHandle for an unresolvable handle")
	}
}

func TestDispatchProgramBuffersDuringRestore(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 2)
	ts.BeginRestore()

	reqID, err := ts.DispatchProgram(context.Background(), ProgramRequest{Kind: 1})
	if err != nil {
		t.Fatalf("DispatchProgram during restore: %v", err)
	}
	if reqID != 0 {
		t.Fatalf("expected reqID 0 while buffered, got %d", reqID)
	}

	ts.restoreMu.RLock()
	queued := len(ts.progQueue)
	ts.restoreMu.RUnlock()
	if queued != 1 {
		t.Fatalf("expected 1 buffered program request, got %d", queued)
	}

	ts.FinishRestore(context.Background())
	if ts.Restoring() {
		t.Fatalf("expected restore to be finished")
	}
}

func TestNodeProgDoneGCAdvancesMaxDoneID(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 1)

	ts.progMu.Lock()
	for i := uint64(1); i <= 150; i++ {
		ts.pendProgs[i] = &progHandle{reqID: i, timestamp: ts.snapshotClock()}
	}
	ts.progMu.Unlock()

	for i := uint64(1); i <= 100; i++ {
		ts.NodeProgDone(i)
	}

	ts.progMu.Lock()
	maxDone := ts.maxDoneID
	remaining := len(ts.pendProgs)
	ts.progMu.Unlock()

	if maxDone != 100 {
		t.Fatalf("maxDoneID = %d, want 100", maxDone)
	}
	if remaining != 50 {
		t.Fatalf("remaining pendProgs = %d, want 50", remaining)
	}
}

func TestNodeProgDoneIgnoresUnknownReqID(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 1)
	ts.NodeProgDone(12345) // must not panic, no matching pendProgs entry
}

func TestProgramHandleEvictionRemovesFromPendProgs(t *testing.T) {
	placement, err := NewHashPlacement(1)
	if err != nil {
		t.Fatalf("NewHashPlacement: %v", err)
	}
	hub := transport.NewLoopbackHub()
	ts := New(Options{
		ID:                  0,
		NumVts:              1,
		NumShards:           1,
		Placement:           placement,
		Shards:              NewShardTable(),
		Transport:           transport.NewLoopback(hub, "vt"),
		Admission:           kv.NewMemory(),
		ProgramHandleBudget: 2,
	})

	for i := uint64(1); i <= 3; i++ {
		h := &progHandle{reqID: i}
		ts.progMu.Lock()
		ts.pendProgs[i] = h
		ts.progMu.Unlock()
		ts.progTable.Add(i, h)
	}

	ts.progMu.Lock()
	_, stillThere := ts.pendProgs[1]
	ts.progMu.Unlock()
	if stillThere {
		t.Fatalf("expected the oldest handle to be evicted once the budget of 2 was exceeded")
	}
}
