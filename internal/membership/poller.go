// Package membership maintains each process's view of the cluster roster:
// which timestampers and shards exist, whether they're reachable, and a
// monotonically increasing version number any reconfigure path can poll for
// changes. It owns no placement logic; it only tracks who is in the cluster.
package membership

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weaver-graph/weaver/internal/transport"
)

// PeerStatus is the liveness classification of a single roster entry.
type PeerStatus string

const (
	StatusUnknown   PeerStatus = "unknown"
	StatusHealthy   PeerStatus = "healthy"
	StatusUnhealthy PeerStatus = "unhealthy"
)

// Entry is the roster's view of one peer process.
type Entry struct {
	ID               string
	Addr             string
	Kind             string // "timestamper" or "shard"
	Status           PeerStatus
	LastCheck        time.Time
	LastHealthy      time.Time
	ConsecutiveFails int
}

// Membership is the read side of the roster: current entries and the
// config version a caller can poll to notice a change cheaply.
type Membership interface {
	Entries() []Entry
	Get(id string) (Entry, bool)
	Version() uint64
}

// RosterProvider returns the set of peers that should currently be
// monitored. A Poller calls it once per tick so the monitored set tracks
// whatever external registration process (the membership HTTP endpoints)
// has most recently recorded.
type RosterProvider func() []PeerSpec

// PeerSpec names a peer to monitor, independent of its health history.
type PeerSpec struct {
	ID   string
	Addr string
	Kind string
}

// CheckFunc probes a single peer's reachability. The default implementation
// performs an HTTP GET against the peer's /health endpoint.
type CheckFunc func(ctx context.Context, addr string) error

// Poller periodically probes every peer returned by its RosterProvider,
// maintaining a roster of Entry records and a version counter that
// increments each time the roster's membership or any peer's status
// changes. It generalizes a plain per-node health check into cluster-wide
// roster maintenance: a caller does not need to diff entries itself, only
// watch Version().
type Poller struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	version uint64

	interval    time.Duration
	maxFailures int
	check       CheckFunc
	onChange    func(id string, status PeerStatus)

	log *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Membership = (*Poller)(nil)

// Option configures a Poller at construction time.
type Option func(*Poller)

// WithCheckFunc overrides the default HTTP health probe, useful for tests
// and for transports that don't expose an HTTP /health endpoint.
func WithCheckFunc(fn CheckFunc) Option {
	return func(p *Poller) { p.check = fn }
}

// WithMaxFailures sets how many consecutive failed probes mark a peer
// unhealthy. Default is 3.
func WithMaxFailures(n int) Option {
	return func(p *Poller) { p.maxFailures = n }
}

// WithOnChange registers a callback invoked (in its own goroutine) whenever
// a peer's status transitions, e.g. to trigger a reconfigure broadcast.
func WithOnChange(fn func(id string, status PeerStatus)) Option {
	return func(p *Poller) { p.onChange = fn }
}

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Poller) { p.log = log }
}

// NewPoller constructs a Poller that checks the roster every interval.
func NewPoller(interval time.Duration, opts ...Option) *Poller {
	p := &Poller{
		entries:     make(map[string]*Entry),
		interval:    interval,
		maxFailures: 3,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.check == nil {
		p.check = transport.CheckHealth
	}
	return p
}

// Run polls provider every interval until ctx is canceled. It performs one
// check immediately on entry rather than waiting a full interval first.
func (p *Poller) Run(ctx context.Context, provider RosterProvider) {
	p.wg.Add(1)
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx, provider())

	for {
		select {
		case <-ticker.C:
			p.pollOnce(ctx, provider())
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels a running Poller and waits for Run to return.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) pollOnce(ctx context.Context, specs []PeerSpec) {
	live := make(map[string]bool, len(specs))
	for _, spec := range specs {
		live[spec.ID] = true
		p.checkOne(ctx, spec)
	}

	p.mu.Lock()
	var removed bool
	for id := range p.entries {
		if !live[id] {
			delete(p.entries, id)
			removed = true
		}
	}
	if removed {
		p.version++
	}
	p.mu.Unlock()
}

func (p *Poller) checkOne(ctx context.Context, spec PeerSpec) {
	p.mu.Lock()
	e, ok := p.entries[spec.ID]
	if !ok {
		e = &Entry{ID: spec.ID, Addr: spec.Addr, Kind: spec.Kind, Status: StatusUnknown}
		p.entries[spec.ID] = e
		p.version++
	}
	e.Addr = spec.Addr
	p.mu.Unlock()

	err := p.check(ctx, spec.Addr)

	p.mu.Lock()
	e.LastCheck = time.Now()
	prev := e.Status
	if err != nil {
		e.ConsecutiveFails++
		if e.ConsecutiveFails >= p.maxFailures {
			e.Status = StatusUnhealthy
		}
	} else {
		e.Status = StatusHealthy
		e.ConsecutiveFails = 0
		e.LastHealthy = time.Now()
	}
	changed := e.Status != prev
	cur := e.Status
	if changed {
		p.version++
	}
	p.mu.Unlock()

	if changed {
		p.log.Debug("peer status changed", zap.String("peer", spec.ID), zap.String("status", string(cur)))
		if p.onChange != nil {
			go p.onChange(spec.ID, cur)
		}
	}
}

// Entries returns a snapshot of every peer currently tracked.
func (p *Poller) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	return out
}

// Get returns a snapshot of a single peer's entry.
func (p *Poller) Get(id string) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Version returns the current roster version. It increments on every
// membership or status change, so a caller can cheaply detect "nothing
// changed" without diffing Entries() itself.
func (p *Poller) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}
