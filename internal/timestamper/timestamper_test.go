package timestamper

import (
	"testing"

	"github.com/weaver-graph/weaver/internal/kv"
	"github.com/weaver-graph/weaver/internal/transport"
)

func newTestTimestamper(t *testing.T, id uint64, numVts, numShards int) (*Timestamper, *transport.LoopbackHub) {
	t.Helper()
	placement, err := NewHashPlacement(numShards)
	if err != nil {
		t.Fatalf("NewHashPlacement: %v", err)
	}
	hub := transport.NewLoopbackHub()
	lb := transport.NewLoopback(hub, "vt")
	ts := New(Options{
		ID:        id,
		NumVts:    numVts,
		NumShards: numShards,
		Placement: placement,
		Shards:    NewShardTable(),
		Transport: lb,
		Admission: kv.NewMemory(),
	})
	return ts, hub
}

func TestNewDefaultsLogger(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 2, 4)
	if ts.log == nil {
		t.Fatalf("expected a non-nil default logger")
	}
	if ts.ID() != 0 {
		t.Fatalf("ID() = %d, want 0", ts.ID())
	}
}

func TestStampOutgoingIncrementsClockAndSeq(t *testing.T) {
	ts, _ := newTestTimestamper(t, 1, 3, 4)

	clk1, seq1 := ts.stampOutgoing()
	clk2, seq2 := ts.stampOutgoing()

	if seq2 != seq1+1 {
		t.Fatalf("out-queue seq = %d, want %d", seq2, seq1+1)
	}
	if clk2.Counters[1] != clk1.Counters[1]+1 {
		t.Fatalf("own counter did not advance: %v -> %v", clk1, clk2)
	}
}

func TestMergeClockTakesComponentwiseMax(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 2, 2)
	ts.stampOutgoing() // vt 0's counter is now 1

	other := ts.snapshotClock()
	other.Counters[1] = 9

	ts.mergeClock(other)
	merged := ts.snapshotClock()
	if merged.Counters[1] != 9 {
		t.Fatalf("merged.Counters[1] = %d, want 9", merged.Counters[1])
	}
	if merged.Counters[0] != 1 {
		t.Fatalf("merge must not clobber the VT's own counter: got %d, want 1", merged.Counters[0])
	}
}

func TestNextReqIDMonotonic(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 1)
	a := ts.nextReqID()
	b := ts.nextReqID()
	if b != a+1 {
		t.Fatalf("nextReqID: got %d then %d, want consecutive", a, b)
	}
}

func TestProgramHandleBudgetZeroLeavesTableNil(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 1)
	if ts.progTable != nil {
		t.Fatalf("expected nil progTable when ProgramHandleBudget is unset")
	}
}

func TestProgramHandleBudgetPositiveBuildsTable(t *testing.T) {
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
		ProgramHandleBudget: 8,
	})
	if ts.progTable == nil {
		t.Fatalf("expected a non-nil progTable when ProgramHandleBudget is set")
	}
}
