package timestamper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/membership"
)

// Reconfigure applies a new membership snapshot: every shard entry updates
// (or adds) this VT's ShardTable address, and every entry no longer present
// is removed. It's the VT's reaction to a config-version bump from the
// membership link worker.
func (t *Timestamper) Reconfigure(entries []membership.Entry) {
	live := make(map[graph.ShardID]bool)
	for _, e := range entries {
		if e.Kind != "shard" {
			continue
		}
		id, ok := parseShardID(e.ID)
		if !ok {
			t.log.Warn("membership entry has non-numeric shard id", zap.String("id", e.ID))
			continue
		}
		t.shards.Set(id, e.Addr)
		live[id] = true
	}
	for _, id := range t.shards.All() {
		if !live[id] {
			t.shards.Remove(id)
		}
	}
}

// MembershipLoop watches mem's roster version and calls Reconfigure
// whenever it changes, polling every interval until ctx is canceled.
func (t *Timestamper) MembershipLoop(ctx context.Context, mem membership.Membership, interval time.Duration, onChange func([]membership.Entry)) {
	var lastVersion uint64
	poll := func() {
		v := mem.Version()
		if v == lastVersion {
			return
		}
		lastVersion = v
		entries := mem.Entries()
		t.Reconfigure(entries)
		if onChange != nil {
			onChange(entries)
		}
	}
	poll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			poll()
		case <-ctx.Done():
			return
		}
	}
}

// BeginRestore marks this VT as a backup promoted to active: restoreStatus
// becomes positive and DispatchProgram starts buffering program requests
// until FinishRestore is called. AdmitTransaction does not buffer.
func (t *Timestamper) BeginRestore() {
	t.restoreMu.Lock()
	defer t.restoreMu.Unlock()
	t.restoreStatus++
}

// FinishRestore clears restoreStatus and drains any program requests
// buffered while restoring, corresponding to RESTORE_DONE.
func (t *Timestamper) FinishRestore(ctx context.Context) {
	t.restoreMu.Lock()
	if t.restoreStatus > 0 {
		t.restoreStatus--
	}
	t.restoreMu.Unlock()
	t.drainProgQueue(ctx)
}

// Restoring reports whether this VT is currently buffering program requests.
func (t *Timestamper) Restoring() bool {
	t.restoreMu.RLock()
	defer t.restoreMu.RUnlock()
	return t.restoreStatus > 0
}

func parseShardID(s string) (graph.ShardID, bool) {
	var v uint64
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return graph.ShardID(v), true
}
