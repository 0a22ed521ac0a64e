// Package progstate implements the shard-side ProgramStateStore: per-node,
// per-request node-program traversal state with wait-for-idle reclamation.
// State is partitioned by a program kind tag with a pluggable registry of
// decoders, standing in for dispatch across the different traversal
// programs (reachability, shortest path, clustering) that may keep state
// on a node.
package progstate

import (
	"bytes"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/weaver-graph/weaver/internal/graph"
)

// Kind tags a node-program's state/cache payload type. The registry below
// maps a Kind to its unpack function; packing is each State's own Pack
// method.
type Kind uint16

const (
	Reachability Kind = iota + 1
	Dijkstra
	Clustering
)

// State is an opaque, packable payload sized and serialized by its kind's
// registry entry.
type State interface {
	Pack() []byte
}

// UnpackFunc decodes a State payload for a given Kind from a byte slice,
// returning the decoded state and the number of bytes consumed.
type UnpackFunc func(buf []byte) (State, int, error)

// Registry maps a Kind tag to its decoder. Order in the wire form is fixed
// by iterating Kinds in ascending numeric order.
type Registry map[Kind]UnpackFunc

// reqEntry is the secondary index entry for one request id: how many
// traversals currently hold it in-use, and which nodes it touched.
type reqEntry struct {
	nodes   map[graph.Handle]struct{}
	inUse   uint32
}

// Store is the per-shard ProgramStateStore. A single mutex (store-wide, not
// per-kind or per-node) guards every structure; DoneRequests is the only
// operation that may block, waiting on cond for in-use counts to drain.
type Store struct {
	// state[kind][node][req_id] -> payload
	state map[Kind]map[graph.Handle]map[uint64]State
	// reqIndex[req_id] -> {in-use count, touched nodes}
	reqIndex map[uint64]*reqEntry
	doneIDs  map[uint64]struct{}

	registry Registry
	mu       sync.Mutex
	cond     *sync.Cond

	// completedID is a diagnostic high-water mark only; it is not
	// load-bearing for reclamation correctness.
	completedID uint64
}

// New returns an empty Store for the given kind registry.
func New(registry Registry) *Store {
	s := &Store{
		state:    make(map[Kind]map[graph.Handle]map[uint64]State),
		reqIndex: make(map[uint64]*reqEntry),
		doneIDs:  make(map[uint64]struct{}),
		registry: registry,
	}
	for k := range registry {
		s.state[k] = make(map[graph.Handle]map[uint64]State)
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// StateExists reports whether a blob is present for (kind, reqID, node).
func (s *Store) StateExists(kind Kind, reqID uint64, node graph.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateExistsLocked(kind, reqID, node)
}

func (s *Store) stateExistsLocked(kind Kind, reqID uint64, node graph.Handle) bool {
	nmap, ok := s.state[kind]
	if !ok {
		return false
	}
	rmap, ok := nmap[node]
	if !ok {
		return false
	}
	_, ok = rmap[reqID]
	return ok
}

// GetState returns the blob for (kind, reqID, node), or nil if absent.
func (s *Store) GetState(kind Kind, reqID uint64, node graph.Handle) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stateExistsLocked(kind, reqID, node) {
		return nil
	}
	return s.state[kind][node][reqID]
}

// PutState installs newState at (kind, reqID, node), destroying any
// previous blob for the same key and updating the secondary index.
func (s *Store) PutState(kind Kind, reqID uint64, node graph.Handle, newState State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state[kind] == nil {
		s.state[kind] = make(map[graph.Handle]map[uint64]State)
	}
	if s.state[kind][node] == nil {
		s.state[kind][node] = make(map[uint64]State)
	}
	if _, exists := s.state[kind][node][reqID]; !exists {
		entry := s.reqIndex[reqID]
		if entry == nil {
			entry = &reqEntry{nodes: make(map[graph.Handle]struct{})}
			s.reqIndex[reqID] = entry
		}
		entry.nodes[node] = struct{}{}
	}
	s.state[kind][node][reqID] = newState
}

// Size returns the number of bytes Pack would write for node, across every
// kind in the registry.
func (s *Store) Size(node graph.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, nmap := range s.state {
		total += 2 + 8 // kind tag + count
		if rmap, ok := nmap[node]; ok {
			for _, st := range rmap {
				total += 8 + len(st.Pack())
			}
		}
	}
	return total
}

// Pack serializes every kind's state for node: per kind, [u16 tag][u64 n]
// [(u64 req_id, payload) x n].
func (s *Store) Pack(node graph.Handle) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make([]Kind, 0, len(s.state))
	for kind := range s.state {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var buf bytes.Buffer
	for _, kind := range kinds {
		nmap := s.state[kind]
		writeU16(&buf, uint16(kind))
		rmap, ok := nmap[node]
		if !ok {
			writeU64(&buf, 0)
			continue
		}
		writeU64(&buf, uint64(len(rmap)))
		for reqID, st := range rmap {
			writeU64(&buf, reqID)
			buf.Write(st.Pack())
		}
	}
	return buf.Bytes()
}

// Unpack decodes state previously produced by Pack for node, dispatching
// payload decoding by kind tag via the store's registry. A duplicate key
// for an already-populated node is reported as an error to the caller.
func (s *Store) Unpack(node graph.Handle, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(buf) > 0 {
		if len(buf) < 10 {
			return errors.New("progstate: truncated kind header")
		}
		kind := Kind(le16(buf))
		buf = buf[2:]
		count := le64(buf)
		buf = buf[8:]

		decode, ok := s.registry[kind]
		if !ok && count > 0 {
			return errors.Errorf("progstate: unknown kind tag %d in unpack", kind)
		}

		if count == 0 {
			continue
		}
		rmap := make(map[uint64]State, count)
		for i := uint64(0); i < count; i++ {
			if len(buf) < 8 {
				return errors.New("progstate: truncated req_id")
			}
			reqID := le64(buf)
			buf = buf[8:]
			st, n, err := decode(buf)
			if err != nil {
				return errors.Wrap(err, "progstate: decode payload")
			}
			buf = buf[n:]
			if _, dup := rmap[reqID]; dup {
				return errors.Errorf("progstate: duplicate req_id %d in unpack", reqID)
			}
			rmap[reqID] = st

			entry := s.reqIndex[reqID]
			if entry == nil {
				entry = &reqEntry{nodes: make(map[graph.Handle]struct{})}
				s.reqIndex[reqID] = entry
			}
			entry.nodes[node] = struct{}{}
		}
		if len(rmap) > 0 {
			if s.state[kind] == nil {
				s.state[kind] = make(map[graph.Handle]map[uint64]State)
			}
			if _, dup := s.state[kind][node]; dup {
				return errors.Errorf("progstate: duplicate node entry for kind %d node %s", kind, node)
			}
			s.state[kind][node] = rmap
		}
	}
	return nil
}

// DeleteNodeState removes every entry for node across all kinds, updating
// each affected request's node set.
func (s *Store) DeleteNodeState(node graph.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, nmap := range s.state {
		rmap, ok := nmap[node]
		if !ok {
			continue
		}
		for reqID := range rmap {
			if entry := s.reqIndex[reqID]; entry != nil {
				delete(entry.nodes, node)
			}
		}
		delete(nmap, node)
	}
}

// DoneRequest names one completed request for DoneRequests: its id plus the
// kind its state was stored under (state is partitioned by kind, so the
// kind is needed to locate the blobs to free).
type DoneRequest struct {
	ReqID uint64
	Kind  Kind
}

// DoneRequests marks every request in reqs as done, blocking on each one
// until concurrently running traversals release their in-use counts
// (ClearInUse), then frees every blob the request touched. maxDoneID is
// accepted so a caller can track the furthest-advanced completed id, but
// reclamation itself only ever consults the doneIDs membership set.
func (s *Store) DoneRequests(reqs []DoneRequest, maxDoneID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = maxDoneID

	for _, r := range reqs {
		s.doneIDs[r.ReqID] = struct{}{}
		entry, ok := s.reqIndex[r.ReqID]
		if !ok {
			continue
		}
		for entry.inUse > 0 {
			s.cond.Wait()
		}
		nmap := s.state[r.Kind]
		for node := range entry.nodes {
			if rmap, ok := nmap[node]; ok {
				delete(rmap, r.ReqID)
				if len(rmap) == 0 {
					delete(nmap, node)
				}
			}
		}
		delete(s.reqIndex, r.ReqID)
	}
}

// CheckDoneRequest returns whether reqID is already in doneIDs. If not, it
// atomically increments reqID's in-use counter (creating an index slot if
// necessary) so a concurrent DoneRequests cannot reclaim state mid-
// traversal. Must be paired with ClearInUse.
func (s *Store) CheckDoneRequest(reqID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.doneIDs[reqID]; done {
		return true
	}
	entry := s.reqIndex[reqID]
	if entry == nil {
		entry = &reqEntry{nodes: make(map[graph.Handle]struct{})}
		s.reqIndex[reqID] = entry
	}
	entry.inUse++
	return false
}

// ClearInUse decrements reqID's in-use counter and wakes any DoneRequests
// call blocked waiting for it to reach zero.
func (s *Store) ClearInUse(reqID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry := s.reqIndex[reqID]; entry != nil && entry.inUse > 0 {
		entry.inUse--
	}
	s.cond.Broadcast()
}

func writeU16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
}

func writeU64(buf *bytes.Buffer, v uint64) {
	for i := 0; i < 8; i++ {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}

func le16(buf []byte) uint16 {
	return uint16(buf[0]) | uint16(buf[1])<<8
}

func le64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}
