package stcp

import "sync"

// pendingRequest is one backlog slot, holding the peer address of an
// in-flight handshake and the child Context created for it. Grounded on
// connection_demux.c's connect_request_t.
type pendingRequest struct {
	peer      Endpoint
	child     *Context
	completed bool
}

// listenBacklog is the per-listener backlog of §4.6/connection_demux.c's
// listen_queue_t: a fixed-capacity slot array (capacity = backlog+1) plus a
// FIFO of completed requests awaiting accept(), sharing one mutex/condvar.
type listenBacklog struct {
	mu       sync.Mutex
	cond     *sync.Cond
	port     uint16
	slots    []*pendingRequest // nil entries are free
	occupied int
	completed []*pendingRequest // FIFO, in completion order
	listener  *Context
}

func newListenBacklog(listener *Context, port uint16, capacity int) *listenBacklog {
	b := &listenBacklog{port: port, slots: make([]*pendingRequest, capacity), listener: listener}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// grow reallocates the slot array to the new capacity, zero-filling (i.e.
// leaving nil) the new slots, per §4.6 "Growing a backlog reallocates the
// slot array and zero-fills new slots."
func (b *listenBacklog) grow(capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if capacity <= len(b.slots) {
		return
	}
	grown := make([]*pendingRequest, capacity)
	copy(grown, b.slots)
	b.slots = grown
}

// tryEnqueueSYN implements the dedup-then-admit logic of
// _mysock_enqueue_connection: if peer already has a pending slot, it's a
// retransmission and is dropped (nil, false); otherwise a free slot is
// claimed if capacity allows, else the SYN is dropped.
func (b *listenBacklog) tryEnqueueSYN(peer Endpoint) (*pendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.slots {
		if s != nil && s.peer == peer {
			return nil, false // retransmission of a queued request
		}
	}
	if b.occupied >= len(b.slots) {
		return nil, false // queue full
	}
	for i, s := range b.slots {
		if s == nil {
			pr := &pendingRequest{peer: peer}
			b.slots[i] = pr
			b.occupied++
			return pr, true
		}
	}
	return nil, false // unreachable given occupied < len(slots)
}

// complete promotes pr to the completed queue and wakes one accept().
func (b *listenBacklog) complete(pr *pendingRequest) {
	b.mu.Lock()
	pr.completed = true
	b.completed = append(b.completed, pr)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// accept blocks until the completed queue is non-empty, then pops its head,
// frees the pending-request slot, and returns the child Context.
func (b *listenBacklog) accept(closed *bool) (*Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.completed) == 0 && !*closed {
		b.cond.Wait()
	}
	if len(b.completed) == 0 {
		return nil, false
	}
	pr := b.completed[0]
	b.completed = b.completed[1:]
	for i, s := range b.slots {
		if s == pr {
			b.slots[i] = nil
			b.occupied--
			break
		}
	}
	return pr.child, true
}

// closeAll closes every pending and completed child (§4.6 "Close of
// listening context: close every pending and every completed child").
func (b *listenBacklog) closeAll(closeChild func(*Context)) {
	b.mu.Lock()
	children := make([]*Context, 0, len(b.slots))
	for _, s := range b.slots {
		if s != nil {
			children = append(children, s.child)
		}
	}
	b.slots = nil
	b.completed = nil
	b.mu.Unlock()
	b.cond.Broadcast()
	for _, ch := range children {
		closeChild(ch)
	}
}

// dispatchSYN is called by a listening context's receive pump once it has
// accepted a new OS connection and read the first segment from it. It
// implements _mysock_enqueue_connection: rejects short/non-SYN segments,
// dedups by peer address, admits under the backlog capacity, and on
// success wires the child Context and kicks off its transport thread.
func (st *Stack) dispatchSYN(listener *Context, childCarrier Carrier, segment []byte) {
	f, err := NewFrame(segment)
	if err != nil || !f.Segment().Flags.HasAny(FlagSYN) {
		listener.log.debug("dropping non-SYN segment on listener", listener.logAttrs()...)
		_ = childCarrier.Close()
		return
	}

	peer := Endpoint{Addr: childCarrier.PeerAddr(), Port: f.SourcePort()}

	st.listenMu.RLock()
	b := listener.backlog
	st.listenMu.RUnlock()
	if b == nil {
		_ = childCarrier.Close()
		return
	}

	pr, ok := b.tryEnqueueSYN(peer)
	if !ok {
		_ = childCarrier.Close()
		return
	}

	child, err := st.allocate(RoleChildOfPassive, listener.reliable)
	if err != nil {
		// Allocation failure frees the slot back up so a future SYN from
		// a different peer can use it.
		b.mu.Lock()
		for i, s := range b.slots {
			if s == pr {
				b.slots[i] = nil
				b.occupied--
			}
		}
		b.mu.Unlock()
		_ = childCarrier.Close()
		return
	}
	pr.child = child
	child.carrier = childCarrier
	child.local = Endpoint{Addr: childCarrier.LocalAddr(), Port: listener.local.Port}
	child.peer = peer
	child.bound = true
	child.parent = listener.descriptor
	child.backlog = nil
	child.transport = st.newTransport()

	done := child.beginBlocking()
	child.enqueueNetworkRecv(segment)
	child.pump = startRecvPump(child)
	go runTransport(child, false, done)
}

// completeChild is invoked from Context.UnblockApplication for a
// RoleChildOfPassive connection: find the matching pending-request (by
// descriptor identity, via the child's own backreference) and promote it,
// waking one accept().
func (st *Stack) completeChild(child *Context, err error) {
	st.listenMu.RLock()
	listener := st.get(child.parent)
	st.listenMu.RUnlock()
	if listener == nil || listener.backlog == nil {
		return
	}
	listener.backlog.mu.Lock()
	var pr *pendingRequest
	for _, s := range listener.backlog.slots {
		if s != nil && s.child == child {
			pr = s
			break
		}
	}
	listener.backlog.mu.Unlock()
	if pr == nil {
		return
	}
	listener.backlog.complete(pr)
}
