package timestamper

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/metrics"
	"github.com/weaver-graph/weaver/internal/vclock"
	"github.com/weaver-graph/weaver/internal/wire"
)

// DoneReqEntry is one (request_id, kind) pair a nop reports to a shard as
// not yet confirmed there.
type DoneReqEntry struct {
	ReqID uint64
	Kind  uint16
}

// HandleNopAck records that shard has acknowledged the last nop, setting
// its bit in to_nop so the next synthesized nop includes it, and updates
// the shard's last-reported queue timestamp.
func (t *Timestamper) HandleNopAck(shard uint64, qts uint64) {
	t.periodicMu.Lock()
	defer t.periodicMu.Unlock()
	t.toNop[shard] = true
	t.nopAckQTS[shard] = qts
}

// SetShardNodeCount records the last node count a shard reported, carried
// in the next nop payload for monitoring.
func (t *Timestamper) SetShardNodeCount(shard uint64, count uint64) {
	t.periodicMu.Lock()
	defer t.periodicMu.Unlock()
	t.shardNodeCount[shard] = count
}

// MarkDoneReq registers that request reqID of the given kind completed at
// this VT and is outstanding at every shard until each has acked it via a
// nop round trip. Once every shard has acked, the entry is dropped.
func (t *Timestamper) MarkDoneReq(kind uint16, reqID uint64, numShards int) {
	t.periodicMu.Lock()
	defer t.periodicMu.Unlock()
	key := progKindReq{kind: kind, reqID: reqID}
	acked := make(map[uint64]bool, numShards)
	t.doneReqsMap[key] = acked
}

// NopLoop wakes every interval and, if any shard has a pending nop-ack bit
// set, synthesizes and enqueues a nop transaction carrying GC/monitoring
// metadata for every shard with its bit set. It runs until ctx is canceled.
func (t *Timestamper) NopLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.maybeSendNop(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Timestamper) maybeSendNop(ctx context.Context) {
	metrics.TxOutstanding.Set(float64(t.outstandingCount()))

	t.periodicMu.Lock()
	if len(t.toNop) == 0 {
		t.periodicMu.Unlock()
		return
	}
	shards := make([]uint64, 0, len(t.toNop))
	for s, set := range t.toNop {
		if set {
			shards = append(shards, s)
		}
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	if len(shards) == 0 {
		t.periodicMu.Unlock()
		return
	}

	t.progMu.Lock()
	maxDoneID := t.maxDoneID
	maxDoneClk := t.maxDoneClk.Clone()
	outstanding := uint64(len(t.pendProgs))
	t.progMu.Unlock()

	writes := make([]graph.Write, 0, len(shards))
	for _, shard := range shards {
		var doneReqs []DoneReqEntry
		for key, acked := range t.doneReqsMap {
			if acked[shard] {
				continue
			}
			doneReqs = append(doneReqs, DoneReqEntry{ReqID: key.reqID, Kind: key.kind})
			acked[shard] = true
			if allAcked(acked, t.placement.NumShards()) {
				delete(t.doneReqsMap, key)
			}
		}
		payload := encodeNopPayload(maxDoneID, maxDoneClk, outstanding, t.shardNodeCount[shard], doneReqs)
		writes = append(writes, graph.Write{
			Kind:  graph.WriteNop,
			Loc1:  graph.ShardID(shard),
			Value: payload,
		})
		t.toNop[shard] = false
	}
	t.periodicMu.Unlock()

	timestamp, vtSeq := t.stampOutgoing()
	reqID := t.nextReqID()
	shardWrite := make([]bool, t.placement.NumShards())
	for _, s := range shards {
		shardWrite[s] = true
	}
	tx := &graph.Transaction{
		Timestamp:  timestamp,
		ID:         reqID,
		VTSeq:      vtSeq,
		Writes:     writes,
		ShardWrite: shardWrite,
	}
	if err := t.EnqueueTx(ctx, tx); err != nil {
		t.log.Warn("nop tx enqueue failed", zap.Error(err))
	}
}

func allAcked(acked map[uint64]bool, numShards int) bool {
	if len(acked) < numShards {
		return false
	}
	for _, v := range acked {
		if !v {
			return false
		}
	}
	return true
}

// encodeNopPayload packs the fields a nop reports: max_done_id,
// max_done_clk, outstanding_progs, shard_node_count (for the target shard),
// and done_reqs for that shard.
func encodeNopPayload(maxDoneID uint64, maxDoneClk vclock.Clock, outstanding uint64, nodeCount uint64, doneReqs []DoneReqEntry) []byte {
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

// DecodeNopPayload decodes a nop payload built by encodeNopPayload, for use
// by the shard side when it receives a WriteNop write.
func DecodeNopPayload(buf []byte) (maxDoneID uint64, maxDoneClk vclock.Clock, outstanding uint64, nodeCount uint64, doneReqs []DoneReqEntry, err error) {
	maxDoneID, rest, err := wire.GetUint64(buf)
	if err != nil {
		return
	}
	maxDoneClk, rest, err = wire.GetClock(rest)
	if err != nil {
		return
	}
	outstanding, rest, err = wire.GetUint64(rest)
	if err != nil {
		return
	}
	nodeCount, rest, err = wire.GetUint64(rest)
	if err != nil {
		return
	}
	count, rest, err := wire.GetUint64(rest)
	if err != nil {
		return
	}
	doneReqs = make([]DoneReqEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		reqID, r, e := wire.GetUint64(rest)
		if e != nil {
			err = e
			return
		}
		rest = r
		kind, r, e := wire.GetUint64(rest)
		if e != nil {
			err = e
			return
		}
		rest = r
		doneReqs = append(doneReqs, DoneReqEntry{ReqID: reqID, Kind: uint16(kind)})
	}
	return
}
