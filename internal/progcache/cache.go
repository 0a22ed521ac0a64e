// Package progcache implements the shard-side ProgramCache: a two-tier
// cache of node-program results keyed by (kind, request id, node). Results
// land in a transient tier as a traversal computes them; Commit promotes a
// request's transient entries into the committed tier atomically and is
// idempotent, so a retried completion message never double-applies.
package progcache

import "sync"

// Kind tags which program's result is cached, sharing its numbering with
// internal/progstate.Kind so a caller can use the same registry constants
// for both packages.
type Kind uint16

type entryKey struct {
	kind  Kind
	reqID uint64
	node  string
}

// Cache holds transient and committed program results behind one mutex.
type Cache struct {
	mu        sync.Mutex
	transient map[entryKey]any
	committed map[entryKey]any
	// byReq indexes every transient key touched by a request, so Commit and
	// InvalidateRequest don't need to scan the whole transient map.
	byReq map[uint64]map[entryKey]struct{}
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		transient: make(map[entryKey]any),
		committed: make(map[entryKey]any),
		byReq:     make(map[uint64]map[entryKey]struct{}),
	}
}

// PutCache installs value in the transient tier for (kind, reqID, node),
// overwriting any prior transient value for the same key.
func (c *Cache) PutCache(kind Kind, reqID uint64, node string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := entryKey{kind: kind, reqID: reqID, node: node}
	c.transient[key] = value
	if c.byReq[reqID] == nil {
		c.byReq[reqID] = make(map[entryKey]struct{})
	}
	c.byReq[reqID][key] = struct{}{}
}

// GetCache returns the committed value for (kind, reqID, node) if present,
// otherwise the transient value, otherwise nil and false.
func (c *Cache) GetCache(kind Kind, reqID uint64, node string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := entryKey{kind: kind, reqID: reqID, node: node}
	if v, ok := c.committed[key]; ok {
		return v, true
	}
	if v, ok := c.transient[key]; ok {
		return v, true
	}
	return nil, false
}

// Commit promotes every transient entry recorded for reqID into the
// committed tier. Calling Commit twice for the same reqID is a no-op the
// second time: byReq is cleared after the first call, so nothing remains
// to promote.
func (c *Cache) Commit(reqID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byReq[reqID]
	if !ok {
		return
	}
	for key := range keys {
		if v, ok := c.transient[key]; ok {
			c.committed[key] = v
			delete(c.transient, key)
		}
	}
	delete(c.byReq, reqID)
}

// InvalidateRequest discards every transient entry for reqID without
// promoting it, used when a traversal aborts or times out.
func (c *Cache) InvalidateRequest(reqID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byReq[reqID]
	if !ok {
		return
	}
	for key := range keys {
		delete(c.transient, key)
	}
	delete(c.byReq, reqID)
}

// DeleteNode removes every committed and transient entry touching node,
// across every kind and request. Used when a node is deleted or migrated
// away from this shard.
func (c *Cache) DeleteNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.transient {
		if key.node == node {
			delete(c.transient, key)
		}
	}
	for key := range c.committed {
		if key.node == node {
			delete(c.committed, key)
		}
	}
	for reqID, keys := range c.byReq {
		for key := range keys {
			if key.node == node {
				delete(keys, key)
			}
		}
		if len(keys) == 0 {
			delete(c.byReq, reqID)
		}
	}
}
