package timestamper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/weaver-graph/weaver/internal/wire"
)

// GossipLoop wakes every interval and sends this VT's current clock to
// every peer VT address peers() currently reports, merging the VT's own
// clock forward as acks of other VTs' progress arrive via HandleClockUpdate.
// A stale snapshot from peers() is tolerated; the next tick picks up
// whatever it returns then.
func (t *Timestamper) GossipLoop(ctx context.Context, peers func() []string) {
	ticker := time.NewTicker(t.clkGossipInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.gossipOnce(ctx, peers())
		case <-ctx.Done():
			return
		}
	}
}

func (t *Timestamper) gossipOnce(ctx context.Context, peerAddrs []string) {
	clk := t.snapshotClock()
	payload := wire.PutClock(nil, clk)
	for _, addr := range peerAddrs {
		if err := t.transport.Send(ctx, addr, wire.VTClockUpdate, payload); err != nil {
			t.log.Debug("clock gossip send failed", zap.String("peer", addr), zap.Error(err))
		}
	}
}

// HandleClockUpdate merges a VT_CLOCK_UPDATE payload from a peer into this
// VT's own clock.
func (t *Timestamper) HandleClockUpdate(payload []byte) error {
	clk, _, err := wire.GetClock(payload)
	if err != nil {
		return err
	}
	t.mergeClock(clk)
	return nil
}

// clkGossipInterval is overridable per-instance via SetClkGossipInterval;
// defaults to 1s if never set.
func (t *Timestamper) clkGossipInterval() time.Duration {
	if t.gossipInterval > 0 {
		return t.gossipInterval
	}
	return time.Second
}

// SetClkGossipInterval overrides the default gossip tick interval.
func (t *Timestamper) SetClkGossipInterval(d time.Duration) {
	t.gossipInterval = d
}
