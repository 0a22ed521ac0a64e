// Package transport implements Weaver's Transport interface: the
// collaborator a timestamper or shard uses to exchange framed messages
// (internal/wire) with its peers, plus the plain JSON-over-HTTP helpers
// used for the lower-stakes membership control plane.
package transport

import (
	"context"

	"github.com/weaver-graph/weaver/internal/wire"
)

// Handler processes one inbound framed message from peer.
type Handler func(ctx context.Context, peer string, typ wire.MessageType, payload []byte)

// Transport sends framed messages to a named peer and dispatches inbound
// messages to a registered Handler. Implementations: Loopback for
// single-process tests, WS for a real network deployment.
type Transport interface {
	// Send delivers one framed message to peer, identified by whatever
	// address scheme the implementation uses (an in-process name for
	// Loopback, a "host:port" for WS).
	Send(ctx context.Context, peer string, typ wire.MessageType, payload []byte) error

	// Serve registers handler for inbound messages and blocks until ctx is
	// canceled or an unrecoverable error occurs.
	Serve(ctx context.Context, handler Handler) error

	// Close releases any listeners or connections held by the transport.
	Close() error
}
