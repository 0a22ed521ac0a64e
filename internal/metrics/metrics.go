// Package metrics exposes Weaver's Prometheus collectors and the
// /metrics HTTP endpoint each process serves them on.
package metrics

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Timestamper collectors, registered against the default registry so a
// single /metrics endpoint serves both process kinds' metrics without
// either needing to know about the other.
var (
	TxAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weaver_vt_tx_admitted_total",
		Help: "Transactions successfully admitted by this timestamper.",
	})
	TxAdmitFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weaver_vt_tx_admit_failed_total",
		Help: "Transactions rejected during admission, by bad handle or conflict.",
	})
	TxOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weaver_vt_tx_outstanding",
		Help: "Transactions awaiting at least one shard TX_DONE.",
	})
	ClockMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weaver_vt_clock_merges_total",
		Help: "Vector clock merges applied from peer VT_CLOCK_UPDATE gossip.",
	})
	ProgramsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weaver_vt_programs_dispatched_total",
		Help: "Node-program requests dispatched to shards.",
	})
	ProgramsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weaver_vt_programs_completed_total",
		Help: "Node-program requests that reached a terminal NODE_PROG_RETURN.",
	})
)

// Shard collectors.
var (
	WritesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weaver_shard_writes_applied_total",
		Help: "Writes applied by this shard, by write kind.",
	}, []string{"kind"})
	WritesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weaver_shard_writes_failed_total",
		Help: "Writes that failed to apply, by write kind.",
	}, []string{"kind"})
	NodeCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weaver_shard_node_count",
		Help: "Nodes currently held in this shard's working set.",
	})
)

// Serve starts an HTTP server exposing /metrics on addr, blocking until ctx
// is canceled. A blank addr means metrics are disabled; Serve returns nil
// immediately.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

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
