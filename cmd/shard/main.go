// Package main runs a single shard process: it owns a partition of the
// graph's nodes, applies transaction pieces a vector timestamper fans out
// to it, and runs node-program batches dispatched against its handles. See
// internal/shardserver for the message flow.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/weaver-graph/weaver/internal/config"
	"github.com/weaver-graph/weaver/internal/graph"
	"github.com/weaver-graph/weaver/internal/kv"
	"github.com/weaver-graph/weaver/internal/membership"
	"github.com/weaver-graph/weaver/internal/metrics"
	"github.com/weaver-graph/weaver/internal/shardserver"
	"github.com/weaver-graph/weaver/internal/transport"
	"github.com/weaver-graph/weaver/internal/weaverlog"
)

const configFlagName = "config-file"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the shard command, following the same two-phase
// config-loading pattern as cmd/timestamper: peekConfigPath resolves the
// YAML path before config.Load registers its overriding flags on the
// FlagSet cobra will parse.
func newRootCmd() *cobra.Command {
	var shardOrdinal uint64
	var fresh bool

	cmd := &cobra.Command{
		Use:           "shard",
		Short:         "run a Weaver graph shard process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath := peekConfigPath(os.Args[1:])
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		cobra.CheckErr(err)
	}
	cmd.Flags().String(configFlagName, configPath, "path to a YAML config file")
	cmd.Flags().Uint64Var(&shardOrdinal, "shard-ordinal", 0, "this shard's position among its cluster's shards")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "skip Restore and start from an empty working set")

	cmd.RunE = func(c *cobra.Command, _ []string) error {
		return run(c.Context(), cfg, shardOrdinal, cfg.NumVts, fresh)
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

func run(ctx context.Context, cfg *config.Config, shardOrdinal uint64, numVts int, fresh bool) error {
	shardID := graph.ShardID(cfg.ShardIDIncr + shardOrdinal)

	log, err := weaverlog.New(weaverlog.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		return errors.Wrap(err, "shard: build logger")
	}
	defer log.Sync() //nolint:errcheck
	log = log.Named("shard").With(zap.Uint64("shard_id", uint64(shardID)))

	backend, closeBackend, err := openBackend(cfg.DataDir, fmt.Sprintf("shard-%d", shardID))
	if err != nil {
		return err
	}
	defer closeBackend()

	listenAddr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort))
	wsTransport := transport.NewWS(listenAddr)
	defer wsTransport.Close() //nolint:errcheck

	srv := shardserver.New(shardserver.Options{
		ShardID:   shardID,
		NumVts:    numVts,
		Backend:   backend,
		Transport: wsTransport,
		Log:       log,
	})

	if fresh {
		if err := srv.Init(); err != nil {
			return errors.Wrap(err, "shard: init")
		}
	} else if err := srv.Restore(); err != nil {
		log.Warn("restore failed, falling back to Init", zap.Error(err))
		if err := srv.Init(); err != nil {
			return errors.Wrap(err, "shard: init after failed restore")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, shutting down")
		cancel()
	}()

	serverMgrAddr := net.JoinHostPort(cfg.ServerManagerAddr, strconv.Itoa(cfg.ServerManagerPort))
	mem := membership.NewPoller(2*time.Second, membership.WithLogger(log))
	go mem.Run(runCtx, func() []membership.PeerSpec { return fetchRoster(runCtx, serverMgrAddr, log) })
	defer mem.Stop()

	if err := registerSelf(runCtx, serverMgrAddr, shardID, listenAddr); err != nil {
		log.Warn("initial membership registration failed", zap.Error(err))
	}

	go func() {
		if err := metrics.Serve(runCtx, cfg.MetricsAddr); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("shard listening", zap.String("wire_addr", listenAddr))
	return wsTransport.Serve(runCtx, srv.HandleMessage)
}

// openBackend opens a durable badger database under dataDir/name, or an
// in-memory backend if dataDir is empty.
func openBackend(dataDir, name string) (kv.Backend, func(), error) {
	if dataDir == "" {
		return kv.NewMemory(), func() {}, nil
	}
	dir := dataDir + string(os.PathSeparator) + name
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "shard: create data dir %q", dir)
	}
	b, err := kv.OpenBadger(dir)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { b.Close() }, nil //nolint:errcheck
}

// fetchRoster queries the membership service's /roster endpoint. A failed
// fetch logs and returns nil so the poller simply sees an unchanged roster
// next tick instead of tearing down every known peer.
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

// registerSelf announces this shard to the membership service at startup.
func registerSelf(ctx context.Context, serverMgrAddr string, shardID graph.ShardID, addr string) error {
	url := "http://" + serverMgrAddr + "/register"
	req := transport.RegisterRequest{Peer: transport.PeerInfo{
		ID:   strconv.FormatUint(uint64(shardID), 10),
		Addr: addr,
		Kind: "shard",
	}}
	return transport.PostJSON(ctx, url, req, nil)
}
