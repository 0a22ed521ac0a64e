package wire

import (
	"bytes"
	"testing"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/vclock"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TxDone, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	typ, err := ReadFrameType(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TxDone {
		t.Fatalf("got type %v want TxDone", typ)
	}
	if buf.String() != "payload" {
		t.Fatalf("got payload %q", buf.String())
	}
}

func TestClockRoundTrip(t *testing.T) {
	c := vclock.FromCounters(3, []uint64{1, 2, 3, 4})
	buf := PutClock(nil, c)
	got, rest, err := GetClock(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no leftover bytes, got %d", len(rest))
	}
	if !got.Equal(c) {
		t.Fatalf("got %v want %v", got, c)
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	props := []graph.Property{
		{Key: "name", Value: []byte("alice"), CreatTime: vclock.New(0, 2), DelTime: vclock.Never(2)},
		{Key: "age", Value: []byte("30"), CreatTime: vclock.New(0, 2), DelTime: vclock.Never(2)},
	}
	buf := PutProperties(nil, props)
	got, rest, err := GetProperties(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
	if len(got) != 2 || got[0].Key != "name" || got[1].Key != "age" {
		t.Fatalf("got %+v", got)
	}
}

func TestEdgeRoundTrip(t *testing.T) {
	e := &graph.Edge{
		ID:       7,
		MsgCount: 42,
		Neighbor: graph.RemoteNode{ShardID: 3, Handle: "B"},
		BaseElement: graph.BaseElement{
			CreatTime: vclock.New(0, 1),
			DelTime:   vclock.Never(1),
		},
	}
	buf := PutEdge(nil, e)
	got, rest, err := GetEdge(buf, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
	if got.MsgCount != 42 || got.Neighbor.Handle != "B" || got.Neighbor.ShardID != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	w := graph.Write{
		Kind:    graph.WriteSetNodeProperty,
		Handle1: "A",
		Handle2: "",
		Loc1:    3,
		Loc2:    graph.UnresolvedShard,
		Key:     "name",
		Value:   []byte("alice"),
		NewEdge: 0,
	}
	buf := PutWrite(nil, w)
	got, rest, err := GetWrite(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
	if got.Kind != w.Kind || got.Handle1 != w.Handle1 || got.Loc2 != w.Loc2 || got.Key != w.Key || string(got.Value) != string(w.Value) {
		t.Fatalf("got %+v want %+v", got, w)
	}
}

func TestTxQueueRoundTrip(t *testing.T) {
	pieces := []graph.TxPiece{
		{Timestamp: vclock.New(1, 2), ID: 1, VTSeq: 1, Writes: []graph.Write{{Kind: graph.WriteCreateNode, Handle1: "A"}}},
		{Timestamp: vclock.New(1, 2), ID: 2, VTSeq: 2, Writes: nil},
	}
	buf := PutTxQueue(nil, pieces)
	got, rest, err := GetTxQueue(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 || len(got[0].Writes) != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestHandleSetRoundTrip(t *testing.T) {
	set := map[graph.Handle]struct{}{"A": {}, "B": {}, "C": {}}
	buf := PutHandleSet(nil, set)
	got, rest, err := GetHandleSet(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
	if len(got) != 3 {
		t.Fatalf("got %d want 3", len(got))
	}
	for h := range set {
		if _, ok := got[h]; !ok {
			t.Fatalf("missing handle %q", h)
		}
	}
}

func TestNodeRoundTrip(t *testing.T) {
	n := graph.NewNode("A", vclock.New(0, 1), 1)
	n.AddOutEdge(&graph.Edge{
		ID:       1,
		Neighbor: graph.RemoteNode{ShardID: 2, Handle: "B"},
		BaseElement: graph.BaseElement{
			CreatTime: vclock.New(0, 1),
			DelTime:   vclock.Never(1),
		},
	})
	pn := PackedNode{Node: n, UpdateCount: 5, MsgCount: 1, AlreadyMigr: true}
	buf := PutNode(nil, pn, []byte("progstate-blob"))
	got, progState, rest, err := GetNode(buf, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
	if string(progState) != "progstate-blob" {
		t.Fatalf("got progstate %q", progState)
	}
	if got.UpdateCount != 5 || !got.AlreadyMigr || len(got.Node.OutEdges) != 1 {
		t.Fatalf("got %+v", got)
	}
}
