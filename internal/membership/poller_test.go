package membership

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewPollerDefaults(t *testing.T) {
	p := NewPoller(5 * time.Second)
	if p.interval != 5*time.Second {
		t.Fatalf("interval = %v, want 5s", p.interval)
	}
	if p.maxFailures != 3 {
		t.Fatalf("maxFailures = %d, want 3", p.maxFailures)
	}
	if len(p.Entries()) != 0 {
		t.Fatalf("expected empty roster at construction")
	}
}

func TestPollerTracksNewPeerAsHealthy(t *testing.T) {
	p := NewPoller(50*time.Millisecond, WithCheckFunc(func(ctx context.Context, addr string) error {
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx, func() []PeerSpec {
		return []PeerSpec{{ID: "shard-1", Addr: "127.0.0.1:9001", Kind: "shard"}}
	})
	defer p.Stop()

	waitFor(t, func() bool {
		e, ok := p.Get("shard-1")
		return ok && e.Status == StatusHealthy
	})
}

func TestPollerMarksUnhealthyAfterMaxFailures(t *testing.T) {
	p := NewPoller(10*time.Millisecond,
		WithMaxFailures(2),
		WithCheckFunc(func(ctx context.Context, addr string) error {
			return context.DeadlineExceeded
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx, func() []PeerSpec {
		return []PeerSpec{{ID: "vt-1", Addr: "127.0.0.1:9000", Kind: "timestamper"}}
	})
	defer p.Stop()

	waitFor(t, func() bool {
		e, ok := p.Get("vt-1")
		return ok && e.Status == StatusUnhealthy && e.ConsecutiveFails >= 2
	})
}

func TestPollerRemovesPeerNotInRoster(t *testing.T) {
	var present bool
	var mu sync.Mutex
	present = true

	p := NewPoller(10*time.Millisecond, WithCheckFunc(func(ctx context.Context, addr string) error {
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx, func() []PeerSpec {
		mu.Lock()
		defer mu.Unlock()
		if !present {
			return nil
		}
		return []PeerSpec{{ID: "shard-1", Addr: "127.0.0.1:9001", Kind: "shard"}}
	})
	defer p.Stop()

	waitFor(t, func() bool {
		_, ok := p.Get("shard-1")
		return ok
	})

	mu.Lock()
	present = false
	mu.Unlock()

	waitFor(t, func() bool {
		_, ok := p.Get("shard-1")
		return !ok
	})
}

func TestPollerVersionIncreasesOnChange(t *testing.T) {
	p := NewPoller(10*time.Millisecond, WithCheckFunc(func(ctx context.Context, addr string) error {
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v0 := p.Version()

	go p.Run(ctx, func() []PeerSpec {
		return []PeerSpec{{ID: "shard-1", Addr: "127.0.0.1:9001", Kind: "shard"}}
	})
	defer p.Stop()

	waitFor(t, func() bool {
		return p.Version() > v0
	})
}

func TestPollerOnChangeCallback(t *testing.T) {
	changed := make(chan PeerStatus, 4)

	p := NewPoller(10*time.Millisecond,
		WithCheckFunc(func(ctx context.Context, addr string) error { return nil }),
		WithOnChange(func(id string, status PeerStatus) {
			changed <- status
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx, func() []PeerSpec {
		return []PeerSpec{{ID: "shard-1", Addr: "127.0.0.1:9001", Kind: "shard"}}
	})
	defer p.Stop()

	select {
	case status := <-changed:
		if status != StatusHealthy {
			t.Fatalf("got status %v, want healthy", status)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for onChange callback")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}
