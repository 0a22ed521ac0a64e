// Package transport implements the Transport collaborator: how a
// timestamper and shard process exchange framed messages, and how every
// process registers with the membership service over plain JSON/HTTP.
//
// # Architecture
//
//	┌──────────────┐      Transport.Send/Serve      ┌──────────────┐
//	│ Timestamper  │ ──────────────────────────────▶ │    Shard     │
//	└──────────────┘ ◀────────────────────────────── └──────────────┘
//	        │                                                │
//	        │          PostJSON/GetJSON (registration)       │
//	        ▼                                                ▼
//	              ┌────────────────────────────┐
//	              │   internal/membership      │
//	              └────────────────────────────┘
//
// # Implementations
//
// Loopback: in-memory delivery between Transport instances sharing a
// LoopbackHub, for tests and single-process deployments.
//
// WS: persistent github.com/gorilla/websocket connections, one dialed per
// destination peer on first Send, with an HTTP upgrade handler accepting
// inbound connections from any peer.
//
// # Message framing
//
// Every payload handed to Send/Serve is the same [u32 type][payload] frame
// internal/wire defines; this package only owns delivery, not encoding.
package transport
