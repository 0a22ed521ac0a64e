// Package main runs a single vector-timestamper (VT) process: it admits
// client transactions, stamps them with vector-clock time, fans tx pieces
// out to shards, dispatches node-program requests, and runs the periodic
// clock-gossip and no-op workers described in internal/timestamper.
//
// A VT exposes two surfaces: a websocket listener (internal/transport.WS)
// for the shard/VT wire protocol, and a small JSON-over-HTTP API clients
// use to submit transactions and node-program requests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/weaver-graph/weaver/internal/config"
	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/kv"
	"github.com/weaver-graph/weaver/internal/membership"
	"github.com/weaver-graph/weaver/internal/metrics"
	"github.com/weaver-graph/weaver/internal/timestamper"
	"github.com/weaver-graph/weaver/internal/transport"
	"github.com/weaver-graph/weaver/internal/weaverlog"
	"github.com/weaver-graph/weaver/internal/wire"
)

const configFlagName = "config-file"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the timestamper command. Config.Load needs the YAML
// path before it can register its own overriding flags on the FlagSet
// cobra will parse, so peekConfigPath does a narrow pre-scan of argv first.
func newRootCmd() *cobra.Command {
	var vtID uint64
	var placementKind string

	cmd := &cobra.Command{
		Use:           "timestamper",
		Short:         "run a Weaver vector-timestamper process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath := peekConfigPath(os.Args[1:])
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		cobra.CheckErr(err)
	}
	cmd.Flags().String(configFlagName, configPath, "path to a YAML config file")
	cmd.Flags().Uint64Var(&vtID, "vt-id", 0, "this process's timestamper id")
	cmd.Flags().StringVar(&placementKind, "placement", "hash", "placement strategy: hash or random")

	cmd.RunE = func(c *cobra.Command, _ []string) error {
		return run(c.Context(), cfg, vtID, placementKind)
	}
	return cmd
}

// peekConfigPath extracts --config-file's value without fully parsing the
// command line, tolerating every other flag being unrecognized at this
// stage.
func peekConfigPath(args []string) string {
	fs := pflag.NewFlagSet("peek", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	var path string
	fs.StringVar(&path, configFlagName, "", "")
	_ = fs.Parse(args)
	return path
}

func run(ctx context.Context, cfg *config.Config, vtID uint64, placementKind string) error {
	log, err := weaverlog.New(weaverlog.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		return errors.Wrap(err, "timestamper: build logger")
	}
	defer log.Sync() //nolint:errcheck
	log = log.Named("timestamper").With(zap.Uint64("vt_id", vtID))

	placement, err := timestamper.NewPlacement(placementKind, cfg.NumShards)
	if err != nil {
		return err
	}

	admission, closeAdmission, err := openBackend(cfg.DataDir, fmt.Sprintf("vt-%d", vtID))
	if err != nil {
		return err
	}
	defer closeAdmission()

	shardTable := timestamper.NewShardTable()
	listenAddr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort))
	wsTransport := transport.NewWS(listenAddr)
	defer wsTransport.Close() //nolint:errcheck

	ts := timestamper.New(timestamper.Options{
		ID:                  vtID,
		NumVts:              cfg.NumVts,
		NumShards:           cfg.NumShards,
		Placement:           placement,
		Shards:              shardTable,
		Transport:           wsTransport,
		Admission:           admission,
		Log:                 log,
		ProgramHandleBudget: 10000,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, shutting down")
		cancel()
	}()

	serverMgrAddr := net.JoinHostPort(cfg.ServerManagerAddr, strconv.Itoa(cfg.ServerManagerPort))
	mem := membership.NewPoller(2*time.Second, membership.WithLogger(log))
	go mem.Run(runCtx, func() []membership.PeerSpec { return fetchRoster(runCtx, serverMgrAddr, log) })
	defer mem.Stop()

	go ts.MembershipLoop(runCtx, mem, time.Second, func(entries []membership.Entry) {
		log.Debug("membership changed", zap.Int("peers", len(entries)))
	})
	ts.SetClkGossipInterval(cfg.VtClkTimeout)
	go ts.GossipLoop(runCtx, func() []string { return peerVTAddrs(mem, vtID) })
	go ts.NopLoop(runCtx, cfg.VtTimeout)

	go func() {
		if err := metrics.Serve(runCtx, cfg.MetricsAddr); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	if err := registerSelf(runCtx, serverMgrAddr, vtID, listenAddr); err != nil {
		log.Warn("initial membership registration failed", zap.Error(err))
	}

	httpAddr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort+1))
	go func() {
		if err := serveClientAPI(runCtx, httpAddr, ts, log, cfg.NumVtThreads); err != nil {
			log.Warn("client API server stopped", zap.Error(err))
		}
	}()

	handler := func(c context.Context, peer string, typ wire.MessageType, payload []byte) {
		dispatch(c, ts, log, peer, typ, payload)
	}
	log.Info("timestamper listening", zap.String("wire_addr", listenAddr), zap.String("client_addr", httpAddr))
	return wsTransport.Serve(runCtx, handler)
}

// dispatch handles every inbound wire message a VT can receive: shard
// acknowledgements (TX_DONE, VT_NOP_ACK, NODE_COUNT_REPLY,
// NODE_PROG_RETURN, RESTORE_DONE) and peer clock gossip (VT_CLOCK_UPDATE).
// Shard migration messages are not handled; live reconfiguration of shard
// count is out of scope.
func dispatch(ctx context.Context, ts *timestamper.Timestamper, log *zap.Logger, peer string, typ wire.MessageType, payload []byte) {
	switch typ {
	case wire.TxDone:
		txID, shard, err := wire.GetTxDone(payload)
		if err != nil {
			log.Warn("decode tx_done", zap.Error(err), zap.String("peer", peer))
			return
		}
		ts.HandleTxDone(txID, shard)
	case wire.VTNopAck:
		shard, qts, err := wire.GetNopAck(payload)
		if err != nil {
			log.Warn("decode nop_ack", zap.Error(err), zap.String("peer", peer))
			return
		}
		ts.HandleNopAck(uint64(shard), qts)
	case wire.NodeCountReply:
		shard, count, err := wire.GetNodeCount(payload)
		if err != nil {
			log.Warn("decode node_count", zap.Error(err), zap.String("peer", peer))
			return
		}
		ts.SetShardNodeCount(uint64(shard), count)
	case wire.NodeProgReturn:
		_, reqID, _, err := wire.GetNodeProgReturn(payload)
		if err != nil {
			log.Warn("decode node_prog_return", zap.Error(err), zap.String("peer", peer))
			return
		}
		ts.NodeProgDone(reqID)
		metrics.ProgramsCompleted.Inc()
	case wire.VTClockUpdate:
		if err := ts.HandleClockUpdate(payload); err != nil {
			log.Warn("decode clock update", zap.Error(err), zap.String("peer", peer))
			return
		}
		metrics.ClockMerges.Inc()
	case wire.RestoreDone:
		ts.FinishRestore(ctx)
	case wire.MigrationToken, wire.DoneMigr, wire.OneStreamMigr:
		log.Warn("shard migration message received but migration is unsupported", zap.Uint32("type", uint32(typ)))
	default:
		log.Warn("unhandled message type", zap.Uint32("type", uint32(typ)), zap.String("peer", peer))
	}
}

// openBackend opens a durable badger database under dataDir/name, or an
// in-memory backend if dataDir is empty.
func openBackend(dataDir, name string) (kv.Backend, func(), error) {
	if dataDir == "" {
		return kv.NewMemory(), func() {}, nil
	}
	dir := dataDir + string(os.PathSeparator) + name
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "timestamper: create data dir %q", dir)
	}
	b, err := kv.OpenBadger(dir)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { b.Close() }, nil //nolint:errcheck
}

// fetchRoster queries the membership service's /roster endpoint. A failed
// fetch logs and returns nil so the poller simply sees an unchanged
// roster next tick instead of tearing down every known peer.
func fetchRoster(ctx context.Context, serverMgrAddr string, log *zap.Logger) []membership.PeerSpec {
	var peers []transport.PeerInfo
	url := "http://" + serverMgrAddr + "/roster"
	if err := transport.GetJSON(ctx, url, &peers); err != nil {
		log.Debug("roster fetch failed", zap.Error(err))
		return nil
	}
	specs := make([]membership.PeerSpec, 0, len(peers))
	for _, p := range peers {
		specs = append(specs, membership.PeerSpec{ID: p.ID, Addr: p.Addr, Kind: p.Kind})
	}
	return specs
}

// registerSelf announces this VT to the membership service at startup.
func registerSelf(ctx context.Context, serverMgrAddr string, vtID uint64, addr string) error {
	url := "http://" + serverMgrAddr + "/register"
	req := transport.RegisterRequest{Peer: transport.PeerInfo{
		ID:   strconv.FormatUint(vtID, 10),
		Addr: addr,
		Kind: "timestamper",
	}}
	return transport.PostJSON(ctx, url, req, nil)
}

// peerVTAddrs returns every other timestamper's address currently known to
// mem, for clock gossip.
func peerVTAddrs(mem membership.Membership, selfID uint64) []string {
	self := strconv.FormatUint(selfID, 10)
	var addrs []string
	for _, e := range mem.Entries() {
		if e.Kind != "timestamper" || e.ID == self || e.Status != membership.StatusHealthy {
			continue
		}
		addrs = append(addrs, e.Addr)
	}
	return addrs
}

// txWriteRequest is the JSON shape of one write in a client-submitted
// transaction.
type txWriteRequest struct {
	Kind    string `json:"kind"`
	Handle1 string `json:"handle1"`
	Handle2 string `json:"handle2,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   []byte `json:"value,omitempty"`
}

type txRequest struct {
	Client uint64           `json:"client"`
	Writes []txWriteRequest `json:"writes"`
}

type txResponse struct {
	TxID    uint64 `json:"tx_id,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`
	Error   string `json:"error,omitempty"`
}

var writeKindByName = map[string]graph.WriteKind{
	"create_node":       graph.WriteCreateNode,
	"create_edge":       graph.WriteCreateEdge,
	"delete_node":       graph.WriteDeleteNode,
	"delete_edge":       graph.WriteDeleteEdge,
	"set_node_property": graph.WriteSetNodeProperty,
	"set_edge_property": graph.WriteSetEdgeProperty,
}

func parseWrites(reqs []txWriteRequest) ([]graph.Write, error) {
	writes := make([]graph.Write, 0, len(reqs))
	for _, r := range reqs {
		kind, ok := writeKindByName[r.Kind]
		if !ok {
			return nil, errors.Errorf("unknown write kind %q", r.Kind)
		}
		writes = append(writes, graph.Write{
			Kind:    kind,
			Handle1: graph.Handle(r.Handle1),
			Handle2: graph.Handle(r.Handle2),
			Key:     r.Key,
			Value:   r.Value,
		})
	}
	return writes, nil
}

type progRequest struct {
	Kind    uint16            `json:"kind"`
	Client  uint64            `json:"client"`
	Handles []string          `json:"handles"`
	Params  map[string][]byte `json:"params,omitempty"`
}

type progResponse struct {
	ReqID uint64 `json:"req_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// clientAPI is the JSON-over-HTTP surface clients use to submit
// transactions and node-program requests. sem bounds how many admission/
// dispatch calls run concurrently, standing in for NUM_VT_THREADS: a
// well-formed but bursty client population shouldn't be able to run the
// durable admission path on more goroutines than the VT is provisioned
// for.
type clientAPI struct {
	ts  *timestamper.Timestamper
	log *zap.Logger
	sem *semaphore.Weighted
}

func (a *clientAPI) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/tx", a.handleTx)
	mux.HandleFunc("/program", a.handleProgram)
	return mux
}

// acquire bounds concurrent admission/dispatch work to the VT's worker
// budget. A clientAPI built without a semaphore (as in tests) runs
// unbounded.
func (a *clientAPI) acquire(ctx context.Context) error {
	if a.sem == nil {
		return nil
	}
	return a.sem.Acquire(ctx, 1)
}

func (a *clientAPI) release() {
	if a.sem != nil {
		a.sem.Release(1)
	}
}

func (a *clientAPI) handleTx(w http.ResponseWriter, r *http.Request) {
	var req txRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writes, err := parseWrites(req.Writes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, txResponse{Error: err.Error()})
		return
	}
	if err := a.acquire(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer a.release()
	tx, err := a.ts.AdmitTransaction(r.Context(), req.Client, writes)
	if err != nil {
		metrics.TxAdmitFailed.Inc()
		writeJSON(w, http.StatusConflict, txResponse{Aborted: true, Error: err.Error()})
		return
	}
	if err := a.ts.EnqueueTx(r.Context(), tx); err != nil {
		a.log.Warn("enqueue tx failed", zap.Error(err), zap.Uint64("tx_id", tx.ID))
	}
	metrics.TxAdmitted.Inc()
	writeJSON(w, http.StatusAccepted, txResponse{TxID: tx.ID})
}

func (a *clientAPI) handleProgram(w http.ResponseWriter, r *http.Request) {
	var req progRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handles := make([]graph.Handle, 0, len(req.Handles))
	for _, h := range req.Handles {
		handles = append(handles, graph.Handle(h))
	}
	params := make(map[graph.Handle][]byte, len(req.Params))
	for h, v := range req.Params {
		params[graph.Handle(h)] = v
	}
	if err := a.acquire(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer a.release()
	reqID, err := a.ts.DispatchProgram(r.Context(), timestamper.ProgramRequest{
		Kind: req.Kind, Client: req.Client, Handles: handles, Params: params,
	})
	if err != nil {
		writeJSON(w, http.StatusConflict, progResponse{Error: err.Error()})
		return
	}
	metrics.ProgramsDispatched.Inc()
	writeJSON(w, http.StatusAccepted, progResponse{ReqID: reqID})
}

// serveClientAPI runs a clientAPI's mux on addr, blocking until ctx is
// canceled. numWorkers bounds concurrent admission/dispatch calls; a
// non-positive value leaves the API unbounded.
func serveClientAPI(ctx context.Context, addr string, ts *timestamper.Timestamper, log *zap.Logger, numWorkers int) error {
	var sem *semaphore.Weighted
	if numWorkers > 0 {
		sem = semaphore.NewWeighted(int64(numWorkers))
	}
	api := &clientAPI{ts: ts, log: log, sem: sem}
	srv := &http.Server{Addr: addr, Handler: api.mux()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
