package stcp

import "testing"

// TestListenBacklogDedupAndCapacity exercises listenBacklog directly
// (bypassing Stack/Context plumbing) against §4.6: retransmitted SYNs from
// an already-pending peer are dropped rather than re-admitted, capacity is
// enforced once the slot array fills, and freeing a slot via accept() lets
// a new peer in.
func TestListenBacklogDedupAndCapacity(t *testing.T) {
	b := newListenBacklog(nil, 80, 2)

	peerA := Endpoint{Addr: Addr{10, 0, 0, 1}, Port: 1111}
	peerB := Endpoint{Addr: Addr{10, 0, 0, 2}, Port: 2222}
	peerC := Endpoint{Addr: Addr{10, 0, 0, 3}, Port: 3333}

	prA, ok := b.tryEnqueueSYN(peerA)
	if !ok {
		t.Fatal("first SYN from peerA should be admitted")
	}

	if _, ok := b.tryEnqueueSYN(peerA); ok {
		t.Fatal("retransmitted SYN from an already-pending peer must be deduped, not re-admitted")
	}

	if _, ok := b.tryEnqueueSYN(peerB); !ok {
		t.Fatal("second distinct peer should be admitted under capacity 2")
	}

	if _, ok := b.tryEnqueueSYN(peerC); ok {
		t.Fatal("third distinct peer should be dropped once capacity 2 is exhausted")
	}

	// Complete peerA's request and accept it, freeing its slot.
	prA.child = &Context{}
	b.complete(prA)

	closed := false
	got, ok := b.accept(&closed)
	if !ok || got != prA.child {
		t.Fatal("accept should return peerA's completed child")
	}

	// The slot peerA occupied is now free; peerC should be admitted.
	if _, ok := b.tryEnqueueSYN(peerC); !ok {
		t.Fatal("peerC should be admitted after accept() freed peerA's slot")
	}
}

// TestListenBacklogCloseAllClosesPendingAndCompleted verifies §4.6's "close
// of a listening context closes every pending and every completed child."
func TestListenBacklogCloseAllClosesPendingAndCompleted(t *testing.T) {
	b := newListenBacklog(nil, 80, 3)

	pending, _ := b.tryEnqueueSYN(Endpoint{Addr: Addr{10, 0, 0, 1}, Port: 1})
	pending.child = &Context{}

	completed, _ := b.tryEnqueueSYN(Endpoint{Addr: Addr{10, 0, 0, 2}, Port: 2})
	completed.child = &Context{}
	b.complete(completed)

	var closedChildren []*Context
	b.closeAll(func(c *Context) { closedChildren = append(closedChildren, c) })

	if len(closedChildren) != 2 {
		t.Fatalf("closeAll closed %d children, want 2 (one pending, one completed)", len(closedChildren))
	}
}

// TestListenBacklogGrowPreservesOccupiedSlots checks §4.6's "growing a
// backlog reallocates the slot array and zero-fills new slots" without
// disturbing what was already pending.
func TestListenBacklogGrowPreservesOccupiedSlots(t *testing.T) {
	b := newListenBacklog(nil, 80, 1)
	peerA := Endpoint{Addr: Addr{10, 0, 0, 1}, Port: 1}
	if _, ok := b.tryEnqueueSYN(peerA); !ok {
		t.Fatal("peerA should be admitted under capacity 1")
	}

	b.grow(3)

	peerB := Endpoint{Addr: Addr{10, 0, 0, 2}, Port: 2}
	if _, ok := b.tryEnqueueSYN(peerB); !ok {
		t.Fatal("peerB should be admitted after growing capacity to 3")
	}
	if _, ok := b.tryEnqueueSYN(peerA); ok {
		t.Fatal("peerA is still pending after grow and must still be deduped")
	}
}
