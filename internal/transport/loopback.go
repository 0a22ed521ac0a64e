package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/weaver-graph/weaver/internal/wire"
)

// LoopbackHub wires every peer registered through NewLoopback to every
// other peer created from the same hub, so a single process can run a
// multi-peer Weaver deployment (used by tests and local development).
type LoopbackHub struct {
	mu    sync.RWMutex
	peers map[string]*Loopback
}

func newLoopbackHub() *LoopbackHub {
	return &LoopbackHub{peers: make(map[string]*Loopback)}
}

// Loopback is an in-memory Transport: Send delivers directly to another
// Loopback instance sharing the same hub, with no network I/O.
type Loopback struct {
	hub     *LoopbackHub
	self    string
	inbox   chan inboundMsg
	closeCh chan struct{}
	once    sync.Once
}

type inboundMsg struct {
	peer string
	typ  wire.MessageType
	data []byte
}

// NewLoopbackHub returns a hub that NewLoopback peers can join.
func NewLoopbackHub() *LoopbackHub {
	return newLoopbackHub()
}

// NewLoopback registers self as a peer on hub and returns its Transport.
func NewLoopback(hub *LoopbackHub, self string) *Loopback {
	lb := &Loopback{
		hub:     hub,
		self:    self,
		inbox:   make(chan inboundMsg, 256),
		closeCh: make(chan struct{}),
	}
	hub.mu.Lock()
	hub.peers[self] = lb
	hub.mu.Unlock()
	return lb
}

// Send delivers a message directly into peer's inbox. Returns an error if
// peer isn't registered on the same hub.
func (l *Loopback) Send(ctx context.Context, peer string, typ wire.MessageType, payload []byte) error {
	l.hub.mu.RLock()
	dst, ok := l.hub.peers[peer]
	l.hub.mu.RUnlock()
	if !ok {
		return errors.Errorf("transport: loopback peer %q not registered", peer)
	}

	cp := append([]byte(nil), payload...)
	select {
	case dst.inbox <- inboundMsg{peer: l.self, typ: typ, data: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-dst.closeCh:
		return errors.Errorf("transport: loopback peer %q closed", peer)
	}
}

// Serve drains l's inbox, invoking handler for each message, until ctx is
// canceled or Close is called.
func (l *Loopback) Serve(ctx context.Context, handler Handler) error {
	for {
		select {
		case msg := <-l.inbox:
			handler(ctx, msg.peer, msg.typ, msg.data)
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closeCh:
			return nil
		}
	}
}

// Close removes l from its hub and unblocks any pending Serve/Send calls.
func (l *Loopback) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.hub.mu.Lock()
		delete(l.hub.peers, l.self)
		l.hub.mu.Unlock()
	})
	return nil
}

var _ Transport = (*Loopback)(nil)
