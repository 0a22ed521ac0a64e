package timestamper

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/wire"
)

// ErrBadHandle is returned by AdmitTransaction when a write references a
// handle that is unknown or already tombstoned.
var ErrBadHandle = errors.New("timestamper: bad handle")

// pendingTx tracks one admitted transaction's outstanding shard
// acknowledgements, keyed by tx.ID in Timestamper.outstanding.
type pendingTx struct {
	tx      *graph.Transaction
	pending map[graph.ShardID]bool
}

const (
	hmapPrefix = "hmap/" // handle -> shard id (put_map, durable)
	tombPrefix = "tomb/" // handle -> tombstoned marker
)

// AdmitTransaction runs prepare_tx + durable admission for a client-authored
// write list: it stamps the transaction with this VT's clock and allocates
// its sequence number first, exactly as timestamper.cc's do_tx does, so a
// failed admission still consumes an out_queue_counter slot; it then resolves
// each write's shard location (creating fresh put_map entries for new nodes
// via Placement, looking up existing ones in the durable handle map) and
// persists the put_map/tombstone updates atomically. Any failure past this
// point — a bad or tombstoned handle, or a durable-admission error — fans a
// copy-fail piece out to every shard the transaction is known to have
// touched so far, keeping their per-VT sequence gap-free, before returning
// the error. On success the returned Transaction is ready for EnqueueTx.
func (t *Timestamper) AdmitTransaction(ctx context.Context, client uint64, writes []graph.Write) (*graph.Transaction, error) {
	t.restoreMu.RLock()
	defer t.restoreMu.RUnlock()

	timestamp, vtSeq := t.stampOutgoing()
	reqID := t.nextReqID()

	local := make(map[graph.Handle]graph.ShardID) // put_map entries created within this tx
	puts := make(map[string][]byte)
	deletes := make([]string, 0)
	shardWrite := make([]bool, t.placement.NumShards())

	resolve := func(h graph.Handle) (graph.ShardID, error) {
		if loc, ok := local[h]; ok {
			return loc, nil
		}
		raw, err := t.admission.Get(hmapPrefix + string(h))
		if err != nil {
			return 0, errors.Wrapf(ErrBadHandle, "handle %q not found", h)
		}
		if _, err := t.admission.Get(tombPrefix + string(h)); err == nil {
			return 0, errors.Wrapf(ErrBadHandle, "handle %q is tombstoned", h)
		}
		loc, _, err := wire.GetUint64(raw)
		if err != nil {
			return 0, errors.Wrap(err, "timestamper: decode put_map entry")
		}
		return graph.ShardID(loc), nil
	}

	abort := func(err error) (*graph.Transaction, error) {
		tx := &graph.Transaction{
			Timestamp:  timestamp,
			Client:     client,
			ID:         reqID,
			VTSeq:      vtSeq,
			ShardWrite: shardWrite,
		}
		t.enqueueCopyFail(ctx, tx)
		return nil, err
	}

	resolved := make([]graph.Write, len(writes))
	for i, w := range writes {
		switch w.Kind {
		case graph.WriteCreateNode:
			loc := t.placement.ShardForHandle(w.Handle1)
			local[w.Handle1] = loc
			puts[hmapPrefix+string(w.Handle1)] = wire.PutUint64(nil, uint64(loc))
			w.Loc1 = loc
			shardWrite[loc] = true
		default:
			loc1, err := resolve(w.Handle1)
			if err != nil {
				return abort(err)
			}
			w.Loc1 = loc1
			shardWrite[loc1] = true
			if w.Handle2 != "" {
				loc2, err := resolve(w.Handle2)
				if err != nil {
					return abort(err)
				}
				w.Loc2 = loc2
				shardWrite[loc2] = true
			}
		}
		if w.Kind == graph.WriteDeleteNode {
			deletes = append(deletes, hmapPrefix+string(w.Handle1))
			puts[tombPrefix+string(w.Handle1)] = []byte{1}
		}
		resolved[i] = w
	}

	tx := &graph.Transaction{
		Timestamp:  timestamp,
		Client:     client,
		ID:         reqID,
		VTSeq:      vtSeq,
		Writes:     resolved,
		ShardWrite: shardWrite,
	}

	if len(puts) > 0 || len(deletes) > 0 {
		if err := t.admission.AtomicApply(puts, deletes); err != nil {
			// Every shard this tx would have touched already has vt_seq
			// reserved for it; a writes-stripped copy keeps their per-VT
			// sequence gap-free even though this transaction never reaches
			// them with real writes.
			t.enqueueCopyFail(ctx, tx)
			return nil, errors.Wrap(err, "timestamper: durable admission")
		}
	}

	return tx, nil
}

// enqueueCopyFail fans a writes-stripped copy of tx out to every shard its
// ShardWrite bitmap names, best-effort: a send failure here only means one
// more shard sees a vt_seq gap, which HandleTxDone/nop reconciliation already
// tolerates by logging rather than a fatal error.
func (t *Timestamper) enqueueCopyFail(ctx context.Context, tx *graph.Transaction) {
	fail := tx.CopyFailTransaction()
	for i, set := range fail.ShardWrite {
		if !set {
			continue
		}
		shard := graph.ShardID(i)
		addr, ok := t.shards.Addr(shard)
		if !ok {
			continue
		}
		payload := wire.PutTxPiece(nil, fail.PieceFor(shard))
		if err := t.transport.Send(ctx, addr, wire.ClientTxInit, payload); err != nil {
			t.log.Warn("copy-fail piece send failed", zap.Error(err), zap.Uint64("tx_id", fail.ID), zap.Uint64("shard", uint64(shard)))
		}
	}
}

// EnqueueTx fans a transaction out to every shard with a pending write bit
// set, tracking acknowledgement state so HandleTxDone can retire it. The
// sends run concurrently (errgroup), in no fixed order across shards, so a
// slow or failing send to one shard doesn't hold up sends to the others.
func (t *Timestamper) EnqueueTx(ctx context.Context, tx *graph.Transaction) error {
	pending := make(map[graph.ShardID]bool)
	for i, set := range tx.ShardWrite {
		if set {
			pending[graph.ShardID(i)] = true
		}
	}

	t.txMu.Lock()
	t.outstanding[tx.ID] = &pendingTx{tx: tx, pending: pending}
	t.txMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for shard := range pending {
		shard := shard
		g.Go(func() error {
			addr, ok := t.shards.Addr(shard)
			if !ok {
				return errors.Errorf("timestamper: no known address for shard %d", shard)
			}
			piece := tx.PieceFor(shard)
			payload := wire.PutTxPiece(nil, piece)
			if err := t.transport.Send(ctx, addr, wire.ClientTxInit, payload); err != nil {
				return errors.Wrapf(err, "timestamper: send tx %d piece to shard %d", tx.ID, shard)
			}
			return nil
		})
	}
	return g.Wait()
}

// HandleTxDone processes a TX_DONE(tx_id, shard_id) message: clears the
// shard's bit, and once every shard has reported done, removes the tx from
// the in-memory outstanding map. No durable tx record is written at
// admission, so none is cleared here. A duplicate TX_DONE for an already-cleared bit
// is a protocol violation; it is logged and otherwise ignored.
func (t *Timestamper) HandleTxDone(txID uint64, shard graph.ShardID) {
	t.txMu.Lock()
	defer t.txMu.Unlock()

	p, ok := t.outstanding[txID]
	if !ok {
		t.log.Warn("tx_done for unknown or already-retired tx", zap.Uint64("tx_id", txID), zap.Uint64("shard", uint64(shard)))
		return
	}
	if !p.pending[shard] {
		t.log.Warn("duplicate tx_done", zap.Uint64("tx_id", txID), zap.Uint64("shard", uint64(shard)))
		return
	}
	delete(p.pending, shard)
	if len(p.pending) == 0 {
		delete(t.outstanding, txID)
	}
}

// outstandingCount reports how many transactions are still awaiting at
// least one shard acknowledgement. Sampled into metrics.TxOutstanding on
// every nop tick.
func (t *Timestamper) outstandingCount() int {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	return len(t.outstanding)
}
