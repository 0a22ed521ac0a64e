package timestamper

import (
	"context"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/vclock"
	"github.com/weaver-graph/weaver/internal/wire"
)

// ProgramRequest is a client-submitted node-program: run kind's traversal
// starting from handles, each with its own opaque per-handle parameters.
type ProgramRequest struct {
	Kind    uint16
	Client  uint64
	Handles []graph.Handle
	Params  map[graph.Handle][]byte
}

// progHandle is the VT-local record of one in-flight or completed program
// request, standing in for the original's raw cp pointer: a short-lived,
// server-local handle a shard's NODE_PROG_RETURN references by req_id
// rather than by a serialized pointer.
type progHandle struct {
	reqID     uint64
	client    uint64
	kind      uint16
	timestamp vclock.Clock
}

// bufferedProgRequest holds a program request that arrived while a backup
// VT was still restoring durable state.
type bufferedProgRequest struct {
	ctx context.Context
	req ProgramRequest
}

// initProgramTable lazily builds the bounded handle table the first time
// it's needed, sized to budget entries.
func (t *Timestamper) initProgramTable(budget int) {
	if t.progTable != nil {
		return
	}
	cache, _ := lru.NewWithEvict[uint64, *progHandle](budget, func(reqID uint64, _ *progHandle) {
		t.log.Warn("evicted in-flight program handle under sustained overload", zap.Uint64("req_id", reqID))
		t.progMu.Lock()
		delete(t.pendProgs, reqID)
		t.progMu.Unlock()
	})
	t.progTable = cache
}

// DispatchProgram resolves every handle's shard, stamps the request with
// this VT's clock, allocates a request id, and sends one NODE_PROG message
// per shard with the handles/params relevant to it. If restore is in
// progress the request is buffered instead and returns (0, nil); if any
// handle is unknown, returns ErrBadHandle and the caller should reply with
// an empty result, creating no state.
func (t *Timestamper) DispatchProgram(ctx context.Context, req ProgramRequest) (uint64, error) {
	t.restoreMu.RLock()
	restoring := t.restoreStatus > 0
	if restoring {
		t.progQueue = append(t.progQueue, &bufferedProgRequest{ctx: ctx, req: req})
		t.restoreMu.RUnlock()
		return 0, nil
	}
	t.restoreMu.RUnlock()

	byShard := make(map[graph.ShardID][]graph.Handle)
	for _, h := range req.Handles {
		raw, err := t.admission.Get(hmapPrefix + string(h))
		if err != nil {
			return 0, errors.Wrapf(ErrBadHandle, "handle %q not found", h)
		}
		loc, _, err := wire.GetUint64(raw)
		if err != nil {
			return 0, errors.Wrap(err, "timestamper: decode put_map entry")
		}
		byShard[graph.ShardID(loc)] = append(byShard[graph.ShardID(loc)], h)
	}

	timestamp, _ := t.stampOutgoing()
	reqID := t.nextReqID()

	handle := &progHandle{reqID: reqID, client: req.Client, kind: req.Kind, timestamp: timestamp}
	t.progMu.Lock()
	t.pendProgs[reqID] = handle
	t.progMu.Unlock()
	// Add runs outside progMu: a synchronous eviction re-enters progMu from
	// the callback below, and sync.Mutex isn't reentrant.
	if t.progTable != nil {
		t.progTable.Add(reqID, handle)
	}

	g, ctx := errgroup.WithContext(ctx)
	for shard, handles := range byShard {
		shard, handles := shard, handles
		g.Go(func() error {
			addr, ok := t.shards.Addr(shard)
			if !ok {
				return errors.Errorf("timestamper: no known address for shard %d", shard)
			}
			payload := encodeProgramBatch(req.Kind, t.id, timestamp, reqID, handles, req.Params)
			return t.transport.Send(ctx, addr, wire.NodeProg, payload)
		})
	}
	return reqID, g.Wait()
}

// NodeProgDone records a completed program request and, every 100th call,
// runs a batched GC pass advancing max_done_id/max_done_clk over the
// longest shared prefix of pend_progs and done_progs sorted by req_id.
func (t *Timestamper) NodeProgDone(reqID uint64) {
	t.progMu.Lock()
	defer t.progMu.Unlock()

	h, ok := t.pendProgs[reqID]
	if !ok {
		return
	}
	t.doneProgs = append(t.doneProgs, h)
	t.progCallCount++
	if t.progCallCount%100 != 0 {
		return
	}
	t.gcProgramsLocked()
}

// gcProgramsLocked must be called with progMu held.
func (t *Timestamper) gcProgramsLocked() {
	pendIDs := make([]uint64, 0, len(t.pendProgs))
	for id := range t.pendProgs {
		pendIDs = append(pendIDs, id)
	}
	sort.Slice(pendIDs, func(i, j int) bool { return pendIDs[i] < pendIDs[j] })

	sort.Slice(t.doneProgs, func(i, j int) bool { return t.doneProgs[i].reqID < t.doneProgs[j].reqID })

	i, j := 0, 0
	for i < len(pendIDs) && j < len(t.doneProgs) {
		if pendIDs[i] != t.doneProgs[j].reqID {
			break
		}
		h := t.doneProgs[j]
		if h.reqID > t.maxDoneID {
			t.maxDoneID = h.reqID
			t.maxDoneClk.Merge(h.timestamp)
		}
		delete(t.pendProgs, h.reqID)
		i++
		j++
	}
	t.doneProgs = t.doneProgs[j:]
}

// drainProgQueue re-dispatches every program request buffered during
// restore, called once RESTORE_DONE arrives.
func (t *Timestamper) drainProgQueue(ctx context.Context) {
	t.restoreMu.Lock()
	queued := t.progQueue
	t.progQueue = nil
	t.restoreMu.Unlock()

	for _, b := range queued {
		if _, err := t.DispatchProgram(b.ctx, b.req); err != nil {
			t.log.Warn("buffered program re-dispatch failed", zap.Error(err))
		}
	}
	_ = ctx
}

// encodeProgramBatch packs [u16 kind][u64 vt_id][clock timestamp][u64
// req_id][u64 count][(varlen handle, varlen params) x count].
func encodeProgramBatch(kind uint16, vtID uint64, timestamp vclock.Clock, reqID uint64, handles []graph.Handle, params map[graph.Handle][]byte) []byte {
	buf := wire.PutUint64(nil, uint64(kind))
	buf = wire.PutUint64(buf, vtID)
	buf = wire.PutClock(buf, timestamp)
	buf = wire.PutUint64(buf, reqID)
	buf = wire.PutUint64(buf, uint64(len(handles)))
	for _, h := range handles {
		buf = wire.PutVarBytes(buf, []byte(h))
		buf = wire.PutVarBytes(buf, params[h])
	}
	return buf
}

// DecodeProgramBatch decodes a batch built by encodeProgramBatch, for the
// shard side.
func DecodeProgramBatch(buf []byte) (kind uint16, vtID uint64, timestamp vclock.Clock, reqID uint64, handles []graph.Handle, params map[graph.Handle][]byte, err error) {
	kindU, rest, err := wire.GetUint64(buf)
	if err != nil {
		return
	}
	kind = uint16(kindU)
	vtID, rest, err = wire.GetUint64(rest)
	if err != nil {
		return
	}
	timestamp, rest, err = wire.GetClock(rest)
	if err != nil {
		return
	}
	reqID, rest, err = wire.GetUint64(rest)
	if err != nil {
		return
	}
	count, rest, err := wire.GetUint64(rest)
	if err != nil {
		return
	}
	handles = make([]graph.Handle, 0, count)
	params = make(map[graph.Handle][]byte, count)
	for i := uint64(0); i < count; i++ {
		h, r, e := wire.GetVarBytes(rest)
		if e != nil {
			err = e
			return
		}
		rest = r
		p, r, e := wire.GetVarBytes(rest)
		if e != nil {
			err = e
			return
		}
		rest = r
		handle := graph.Handle(h)
		handles = append(handles, handle)
		params[handle] = p
	}
	return
}
