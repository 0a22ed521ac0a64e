package timestamper

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/weaver-graph/weaver/internal/kv"
	"github.com/weaver-graph/weaver/internal/transport"
	"github.com/weaver-graph/weaver/internal/vclock"
)

// Timestamper is a vector timestamper (VT): it admits client transactions,
// stamps them with vector-clock time, fans tx pieces out to shards, runs
// the periodic no-op and clock-gossip workers, and dispatches node-program
// requests. One process runs exactly one Timestamper.
type Timestamper struct {
	id        uint64
	numVts    int
	placement Placement
	shards    *ShardTable
	transport transport.Transport
	admission kv.Backend
	log       *zap.Logger

	clkMu           sync.RWMutex
	vclk            vclock.Clock
	outQueueCounter uint64

	reqMu  sync.Mutex
	nextID uint64

	txMu       sync.Mutex
	outstanding map[uint64]*pendingTx

	periodicMu sync.Mutex
	toNop      map[uint64]bool // shard id -> nop-ack seen since last synthesized nop
	nopAckQTS  map[uint64]uint64
	shardNodeCount map[uint64]uint64
	doneReqsMap    map[progKindReq]map[uint64]bool // (kind, req_id) -> shard id -> acked

	progMu        sync.Mutex
	pendProgs     map[uint64]*progHandle
	doneProgs     []*progHandle
	maxDoneID     uint64
	maxDoneClk    vclock.Clock
	progCallCount uint64
	progTable     *lru.Cache[uint64, *progHandle]

	restoreMu     sync.RWMutex
	restoreStatus int // 0 = not restoring; >0 = restoring, buffer program requests
	progQueue     []*bufferedProgRequest

	gossipInterval time.Duration
}

type progKindReq struct {
	kind  uint16
	reqID uint64
}

// Options configures a new Timestamper.
type Options struct {
	ID        uint64
	NumVts    int
	NumShards int
	Placement Placement
	Shards    *ShardTable
	Transport transport.Transport
	Admission kv.Backend
	Log       *zap.Logger

	// ProgramHandleBudget bounds how many in-flight node-program handles
	// this VT keeps before evicting the oldest under sustained overload.
	// Zero disables the bound (pendProgs then grows without limit).
	ProgramHandleBudget int
}

// New constructs a Timestamper with its own zero clock.
func New(opts Options) *Timestamper {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	t := &Timestamper{
		id:             opts.ID,
		numVts:         opts.NumVts,
		placement:      opts.Placement,
		shards:         opts.Shards,
		transport:      opts.Transport,
		admission:      opts.Admission,
		log:            log,
		vclk:           vclock.New(opts.ID, opts.NumVts),
		outstanding:    make(map[uint64]*pendingTx),
		toNop:          make(map[uint64]bool),
		nopAckQTS:      make(map[uint64]uint64),
		shardNodeCount: make(map[uint64]uint64),
		doneReqsMap:    make(map[progKindReq]map[uint64]bool),
		pendProgs:      make(map[uint64]*progHandle),
		maxDoneClk:     vclock.New(opts.ID, opts.NumVts),
	}
	if opts.ProgramHandleBudget > 0 {
		t.initProgramTable(opts.ProgramHandleBudget)
	}
	return t
}

// stampOutgoing bumps this VT's own clock counter and the out-queue
// sequence, returning a clone of the new clock plus the assigned vt_seq.
// Every outgoing tx, nop, and program dispatch goes through this method so
// (timestamp, vt_seq) pairs are strictly increasing for this VT.
func (t *Timestamper) stampOutgoing() (vclock.Clock, uint64) {
	t.clkMu.Lock()
	defer t.clkMu.Unlock()
	t.vclk.IncrementLocal()
	t.outQueueCounter++
	return t.vclk.Clone(), t.outQueueCounter
}

// mergeClock folds other into this VT's clock, e.g. on receipt of a
// VT_CLOCK_UPDATE from a peer.
func (t *Timestamper) mergeClock(other vclock.Clock) {
	t.clkMu.Lock()
	defer t.clkMu.Unlock()
	t.vclk.Merge(other)
}

// snapshotClock returns a read-only copy of the current clock, for gossip.
func (t *Timestamper) snapshotClock() vclock.Clock {
	t.clkMu.RLock()
	defer t.clkMu.RUnlock()
	return t.vclk.Clone()
}

// nextReqID returns a fresh, monotonically increasing request id.
func (t *Timestamper) nextReqID() uint64 {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()
	t.nextID++
	return t.nextID
}

// ID returns this timestamper's VT id.
func (t *Timestamper) ID() uint64 { return t.id }
