package stcp

// byteQueue is a FIFO queue of byte buffers, the waitable-queue payload
// abstraction of §9 ("typed waitable queue"). Unlike a generic container,
// byteQueue holds no lock of its own: the three materialized queues in a
// Context (app-recv, app-send, network-recv) share exactly one mutex and
// condvar — the "data-ready" pair — per §3/§4.4, so all locking lives on
// Context and byteQueue is manipulated only while that lock is held.
// Grounded on mysock.c's _mysock_enqueue_buffer/_mysock_dequeue_buffer.
type byteQueue struct {
	bufs [][]byte
}

// enqueue appends a copy of p to the tail. Caller holds the owning
// Context's data-ready lock.
func (q *byteQueue) enqueue(p []byte) {
	buf := make([]byte, len(p))
	copy(buf, p)
	q.bufs = append(q.bufs, buf)
}

// empty reports whether the queue currently holds no buffers. Caller holds
// the owning Context's data-ready lock.
func (q *byteQueue) empty() bool { return len(q.bufs) == 0 }

// dequeue removes bytes from the head buffer into dst, as described in
// §4.4: if partial is false, or the head fits in dst, the whole head is
// removed (bytes beyond len(dst) are lost if dst was undersized); if
// partial is true and the head is larger than dst, only len(dst) bytes are
// consumed and the remainder slides to the front of the head, which stays
// queued. Caller holds the owning Context's data-ready lock and must only
// call this when !q.empty().
func (q *byteQueue) dequeue(dst []byte, partial bool) (n int) {
	head := q.bufs[0]
	if !partial || len(head) <= len(dst) {
		n = copy(dst, head)
		q.bufs = q.bufs[1:]
		return n
	}
	n = copy(dst, head[:len(dst)])
	q.bufs[0] = head[len(dst):]
	return n
}

// drain discards all buffered data. Caller holds the owning Context's
// data-ready lock.
func (q *byteQueue) drain() { q.bufs = nil }
