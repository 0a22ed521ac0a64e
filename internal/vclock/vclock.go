// Package vclock implements the vector-clock logical time used to order
// transactions and node-program dispatches across vector timestampers (VTs).
// internal/wire's PutClock/GetClock define this type's wire format.
package vclock

import "fmt"

// NoOwner is the sentinel owner value for a clock that was never stamped by
// a specific VT (e.g. a freshly constructed viewer clock before merge).
const NoOwner = ^uint64(0)

// Clock is a vector of per-VT counters plus the id of the VT that owns it.
// Owner is meaningful only for clocks stamped by a VT (tx.timestamp); clocks
// built purely to express a viewer's point-in-time view may leave Owner at
// NoOwner.
//
// Clock is a value type. Callers that need to retain a clock across mutation
// of another should Clone it first; Merge and IncrementLocal mutate in place.
type Clock struct {
	Counters []uint64
	Owner    uint64
}

// New returns a zero clock owned by owner with n counters, one per VT.
func New(owner uint64, n int) Clock {
	return Clock{Owner: owner, Counters: make([]uint64, n)}
}

// FromCounters wraps an existing counter slice without copying it. Callers
// that don't own the slice exclusively should Clone the result.
func FromCounters(owner uint64, counters []uint64) Clock {
	return Clock{Owner: owner, Counters: counters}
}

// Clone returns a deep copy safe to mutate independently of c.
func (c Clock) Clone() Clock {
	cp := make([]uint64, len(c.Counters))
	copy(cp, c.Counters)
	return Clock{Owner: c.Owner, Counters: cp}
}

// IncrementLocal bumps the owner's own counter. Panics if Owner is out of
// range for the clock's width — callers always know their own VT id.
func (c *Clock) IncrementLocal() {
	c.Counters[c.Owner]++
}

// IncrementAt bumps the counter at index i regardless of ownership. Used by
// tests constructing fixtures.
func (c *Clock) IncrementAt(i int) {
	c.Counters[i]++
}

// Merge folds other into c: for every i, Counters[i] = max(Counters[i],
// other.Counters[i]).
func (c *Clock) Merge(other Clock) {
	for i := range c.Counters {
		if i < len(other.Counters) && other.Counters[i] > c.Counters[i] {
			c.Counters[i] = other.Counters[i]
		}
	}
}

// LessEq reports whether c happens-before-or-equal other: every counter in c
// is <= the corresponding counter in other. This is the componentwise order
// a visibility predicate is built from.
func (c Clock) LessEq(other Clock) bool {
	for i := range c.Counters {
		oc := uint64(0)
		if i < len(other.Counters) {
			oc = other.Counters[i]
		}
		if c.Counters[i] > oc {
			return false
		}
	}
	return true
}

// Equal reports whether c and other have the same owner and counters.
func (c Clock) Equal(other Clock) bool {
	if c.Owner != other.Owner || len(c.Counters) != len(other.Counters) {
		return false
	}
	for i := range c.Counters {
		if c.Counters[i] != other.Counters[i] {
			return false
		}
	}
	return true
}

// Never returns the sentinel deletion clock: all-max counters, which is
// never LessEq any real viewer clock, so a node/edge/property stamped with
// Never as its deletion time is never considered deleted.
func Never(n int) Clock {
	c := New(NoOwner, n)
	for i := range c.Counters {
		c.Counters[i] = ^uint64(0)
	}
	return c
}

// IsNever reports whether c is the deletion sentinel produced by Never.
func (c Clock) IsNever() bool {
	for _, v := range c.Counters {
		if v != ^uint64(0) {
			return false
		}
	}
	return len(c.Counters) > 0
}

func (c Clock) String() string {
	return fmt.Sprintf("vclock{owner:%d, counters:%v}", c.Owner, c.Counters)
}
