package stcp

// Carrier is the core's §4.2 abstraction over the underlying OS transport:
// length-prefixed segment send/recv plus a wake-pipe for interrupting a
// blocked recv from another goroutine. The concrete framed-stream
// implementation lives in the carrier subpackage; Stack.Open is given a
// CarrierFactory rather than importing that package directly, so the core
// and its transport-agnostic carrier abstraction stay decoupled the way
// the reference transport layer (tcp.Handler) stays decoupled from any
// particular link layer.
type Carrier interface {
	// SendPacket writes one length-prefixed segment. Partial writes are
	// retried internally until satisfied or the peer closes.
	SendPacket(segment []byte) error
	// RecvPacket reads one length-prefixed segment into buf, draining and
	// discarding any overflow if buf is smaller than the segment (so
	// datagram boundaries are preserved). Returns a non-nil error if
	// interrupted by Wake.
	RecvPacket(buf []byte) (int, error)
	// Wake causes a blocked RecvPacket to return an error. The error value
	// and whether later calls also return it depend on the implementation.
	Wake() error
	// Close releases the carrier's OS resources (socket and wake pipe).
	Close() error
	// LocalAddr and PeerAddr report the carrier's endpoint addresses,
	// valid only once the underlying OS connection has been established
	// (lazily, on first SendPacket, or by AcceptSegment/BecomeChild).
	LocalAddr() Addr
	PeerAddr() Addr
}

// ListenCarrier is implemented by a Carrier opened in listening mode. Its
// AcceptSegment accepts one new OS connection and reads the first segment
// from it (the SYN), matching the original's combined
// accept-then-read-first-segment step inside network_recv_thread_func.
// newChild constructs a placeholder carrier for the demultiplexed child;
// AcceptSegment replaces its placeholder OS connection with the freshly
// accepted one (§4.2 "update-passive-state").
type ListenCarrier interface {
	Carrier
	AcceptSegment(buf []byte, newChild func() Carrier) (child Carrier, n int, err error)
}

// errWake is returned by this package's own test carriers from
// RecvPacket/AcceptSegment when interrupted by Wake; carrier.Framed returns
// its own wake error instead.
var errWake = errGeneric("stcp: carrier recv interrupted by wake pipe")

// CarrierFactory constructs Carriers for a Stack. listening selects whether
// the carrier binds and listens on local (true, used by Listen) or carries a
// single connection (false: an active carrier that dials its peer, or a
// placeholder child that a listener's AcceptSegment hands an accepted
// connection to); the Stack passes a zero-value local when not listening.
type CarrierFactory interface {
	NewCarrier(local Endpoint, listening bool) (Carrier, error)
}
