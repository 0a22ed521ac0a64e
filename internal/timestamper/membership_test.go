package timestamper

import (
	"context"
	"testing"
	"time"

	"github.com/weaver-graph/weaver/internal/membership"
)

func TestReconfigureSetsAndRemovesShardAddresses(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 4)
	ts.shards.Set(9, "stale-addr")

	ts.Reconfigure([]membership.Entry{
		{ID: "0", Addr: "127.0.0.1:9000", Kind: "shard"},
		{ID: "1", Addr: "127.0.0.1:9001", Kind: "shard"},
		{ID: "vt-1", Addr: "127.0.0.1:8000", Kind: "timestamper"},
	})

	addr0, ok := ts.shards.Addr(0)
	if !ok || addr0 != "127.0.0.1:9000" {
		t.Fatalf("shard 0 addr = (%q, %v), want (127.0.0.1:9000, true)", addr0, ok)
	}
	addr1, ok := ts.shards.Addr(1)
	if !ok || addr1 != "127.0.0.1:9001" {
		t.Fatalf("shard 1 addr = (%q, %v), want (127.0.0.1:9001, true)", addr1, ok)
	}
	if _, ok := ts.shards.Addr(9); ok {
		t.Fatalf("expected stale shard 9 to be removed from the table")
	}
}

func TestReconfigureSkipsEntriesWithNonNumericShardID(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 4)
	ts.Reconfigure([]membership.Entry{
		{ID: "not-a-number", Addr: "127.0.0.1:9000", Kind: "shard"},
	})
	if len(ts.shards.All()) != 0 {
		t.Fatalf("expected no shard entries from a non-numeric id")
	}
}

type staticMembership struct {
	version uint64
	entries []membership.Entry
}

func (s *staticMembership) Entries() []membership.Entry { return s.entries }
func (s *staticMembership) Get(id string) (membership.Entry, bool) {
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return membership.Entry{}, false
}
func (s *staticMembership) Version() uint64 { return s.version }

func TestMembershipLoopAppliesEveryRosterChange(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 4)
	mem := &staticMembership{
		version: 1,
		entries: []membership.Entry{{ID: "0", Addr: "addr-v1", Kind: "shard"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	changeCount := 0
	done := make(chan struct{})
	go func() {
		ts.MembershipLoop(ctx, mem, 10*time.Millisecond, func([]membership.Entry) { changeCount++ })
		close(done)
	}()

	waitForCondition(t, func() bool {
		addr, ok := ts.shards.Addr(0)
		return ok && addr == "addr-v1"
	})

	mem.version = 2
	mem.entries = []membership.Entry{{ID: "0", Addr: "addr-v2", Kind: "shard"}}

	waitForCondition(t, func() bool {
		addr, ok := ts.shards.Addr(0)
		return ok && addr == "addr-v2"
	})

	cancel()
	<-done

	if changeCount < 2 {
		t.Fatalf("onChange called %d times, want at least 2", changeCount)
	}
}

func TestBeginFinishRestoreToggleRestoring(t *testing.T) {
	ts, _ := newTestTimestamper(t, 0, 1, 2)
	if ts.Restoring() {
		t.Fatalf("expected not restoring initially")
	}
	ts.BeginRestore()
	if !ts.Restoring() {
		t.Fatalf("expected restoring after BeginRestore")
	}
	ts.FinishRestore(context.Background())
	if ts.Restoring() {
		t.Fatalf("expected not restoring after FinishRestore")
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}
