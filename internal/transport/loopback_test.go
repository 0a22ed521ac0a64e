package transport

import (
	"context"
	"testing"
	"time"

	"github.com/weaver-graph/weaver/internal/wire"
)

func TestLoopbackSendDelivers(t *testing.T) {
	hub := NewLoopbackHub()
	a := NewLoopback(hub, "a")
	b := NewLoopback(hub, "b")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan wire.MessageType, 1)
	go b.Serve(ctx, func(ctx context.Context, peer string, typ wire.MessageType, payload []byte) {
		if peer != "a" || string(payload) != "hello" {
			t.Errorf("unexpected message peer=%s payload=%q", peer, payload)
		}
		received <- typ
	})

	if err := a.Send(context.Background(), "b", wire.TxDone, []byte("hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case typ := <-received:
		if typ != wire.TxDone {
			t.Fatalf("got type %v want TxDone", typ)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestLoopbackSendToUnknownPeerErrors(t *testing.T) {
	hub := NewLoopbackHub()
	a := NewLoopback(hub, "a")
	defer a.Close()

	if err := a.Send(context.Background(), "nonexistent", wire.TxDone, nil); err == nil {
		t.Fatalf("expected error sending to unregistered peer")
	}
}
