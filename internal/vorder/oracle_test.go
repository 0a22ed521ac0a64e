package vorder

import (
	"testing"

	"github.com/weaver-graph/weaver/internal/vclock"
)

func TestVisibleCreatedNotDeleted(t *testing.T) {
	o := New()
	viewer := vclock.FromCounters(0, []uint64{5, 5})
	creat := vclock.FromCounters(0, []uint64{3, 3})
	del := vclock.Never(2)
	if !o.Visible(viewer, creat, del) {
		t.Fatalf("expected visible")
	}
}

func TestVisibleCreatedAfterViewer(t *testing.T) {
	o := New()
	viewer := vclock.FromCounters(0, []uint64{1, 1})
	creat := vclock.FromCounters(0, []uint64{3, 3})
	del := vclock.Never(2)
	if o.Visible(viewer, creat, del) {
		t.Fatalf("expected not visible: created after viewer")
	}
}

func TestVisibleDeletedBeforeOrAtViewer(t *testing.T) {
	o := New()
	viewer := vclock.FromCounters(0, []uint64{5, 5})
	creat := vclock.FromCounters(0, []uint64{1, 1})
	del := vclock.FromCounters(0, []uint64{4, 4})
	if o.Visible(viewer, creat, del) {
		t.Fatalf("expected not visible: deleted at or before viewer")
	}
}

func TestVisibleDeletedAfterViewer(t *testing.T) {
	o := New()
	viewer := vclock.FromCounters(0, []uint64{5, 5})
	creat := vclock.FromCounters(0, []uint64{1, 1})
	del := vclock.FromCounters(0, []uint64{6, 6})
	if !o.Visible(viewer, creat, del) {
		t.Fatalf("expected visible: deletion not yet observed by viewer")
	}
}

type fakeElem struct {
	creat, del vclock.Clock
}

func TestVisibleIterSinglePass(t *testing.T) {
	viewer := vclock.FromCounters(0, []uint64{5})
	items := []fakeElem{
		{creat: vclock.FromCounters(0, []uint64{1}), del: vclock.Never(1)},
		{creat: vclock.FromCounters(0, []uint64{9}), del: vclock.Never(1)}, // not yet visible
		{creat: vclock.FromCounters(0, []uint64{2}), del: vclock.FromCounters(0, []uint64{3})},
	}
	it := NewVisibleIter(viewer, items, func(e fakeElem) vclock.Clock { return e.creat }, func(e fakeElem) vclock.Clock { return e.del })
	got := it.Collect()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 visible item, got %d", len(got))
	}
	// exhausted iterator yields nothing further
	if v, ok := it.Next(); ok {
		t.Fatalf("expected exhausted iterator, got %+v", v)
	}
}
