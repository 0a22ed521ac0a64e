// Package membership tracks cluster roster state: which timestampers and
// shards are part of the deployment, whether each is currently reachable,
// and a version counter that bumps on every change so a reconfigure path
// can cheaply notice something moved.
//
// # Architecture
//
//	┌─────────────┐   RosterProvider()   ┌─────────────┐
//	│   Poller    │ ───────────────────▶ │  registry   │
//	│  (ticker)   │ ◀─────────────────── │ (HTTP /register, /roster)
//	└─────────────┘    []PeerSpec        └─────────────┘
//	       │
//	       │ CheckFunc (default: transport.CheckHealth over /health)
//	       ▼
//	  Entry{Status, ConsecutiveFails, ...}
//
// Poller is deliberately decoupled from how the roster is populated: a
// RosterProvider closure usually reads from an in-memory registry that the
// membership HTTP handlers (register/deregister) maintain, or from a static
// config file for small deployments. Poller only owns liveness tracking.
//
// This generalizes a plain per-node health check (ticker, HTTP GET,
// consecutive-failure threshold, callback on state change) into cluster-wide
// roster maintenance: instead of exposing only "is node X healthy", it
// tracks the whole peer set and a version number, so a VT's reconfigure path
// (deciding whether to recompute placement) can poll Version() instead of
// diffing Entries() on every tick.
package membership
