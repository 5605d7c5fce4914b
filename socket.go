package stcp

import (
	"sync"
)

// Socket is the externally visible façade of §4.7, grounded on
// mysock_api.c. Each Stack method below takes/returns a plain int
// descriptor so callers can use the core the way they'd use the real
// socket(2) family: small integers, POSIX-flavored errors.

const ephemeralBase = 49152

var ephemeralCounter uint32
var ephemeralMu sync.Mutex

func nextEphemeralPort() uint16 {
	ephemeralMu.Lock()
	defer ephemeralMu.Unlock()
	ephemeralCounter++
	return uint16(ephemeralBase + (ephemeralCounter % (65535 - ephemeralBase)))
}

// Open creates a new connection context and returns its descriptor.
// reliable disables the unreliability emulator when true.
func (st *Stack) Open(reliable bool) (int, error) {
	c, err := st.allocate(RoleActive, reliable)
	if err != nil {
		return -1, err
	}
	c.transport = st.newTransport()
	car, err := st.factory.NewCarrier(Endpoint{}, false)
	if err != nil {
		st.release(c.descriptor)
		return -1, err
	}
	c.carrier = car
	return int(c.descriptor), nil
}

// Bind sets local, which must precede Listen. EADDRNOTAVAIL mirrors
// mybind's AF_INET-only check (this core is always IPv4, so it's really a
// "must be non-zero" check in Go terms).
func (st *Stack) Bind(sd int, local Endpoint) error {
	c := st.get(descriptor(sd))
	if c == nil {
		return ErrBadDescriptor
	}
	if !local.valid() {
		return ErrAddrNotAvail
	}
	c.bound = true
	c.local = local
	return nil
}

// Listen marks sd listening, allocates its backlog (capacity = backlog+1
// per §4.6), registers it in the process-wide listener map, and starts its
// receive pump.
func (st *Stack) Listen(sd int, backlog int) error {
	c := st.get(descriptor(sd))
	if c == nil {
		return ErrBadDescriptor
	}
	if !c.bound {
		return ErrInvalid
	}
	if backlog < 0 {
		backlog = st.cfg.DefaultBacklog
	}

	st.listenMu.Lock()
	b := newListenBacklog(c, c.local.Port, backlog+1)
	st.listeners.ReplaceOrInsert(portBacklog{port: c.local.Port, backlog: b})
	st.listenMu.Unlock()

	c.listening = true
	c.backlog = b

	car, err := st.factory.NewCarrier(c.local, true)
	if err != nil {
		return err
	}
	c.carrier = car
	c.pump = startRecvPump(c)
	return nil
}

// Connect records peer, binding an ephemeral local port first if sd wasn't
// already bound (SPEC_FULL supplemented feature 2), starts the transport
// thread in the active role, and blocks until UnblockApplication fires.
func (st *Stack) Connect(sd int, peer Endpoint) error {
	c := st.get(descriptor(sd))
	if c == nil {
		return ErrBadDescriptor
	}
	if c.peer.valid() {
		return ErrIsConnected
	}
	c.peer = peer
	if !c.bound {
		c.local = Endpoint{Port: nextEphemeralPort()}
		c.bound = true
	}
	if fc, ok := c.carrier.(interface{ SetPeer(Addr, uint16) }); ok {
		fc.SetPeer(peer.Addr, peer.Port)
	}

	// Dial now rather than letting the first NetworkSend do it lazily: the
	// checksum's pseudo-header needs this side's real local address before
	// the SYN goes out, not after (the peer learns our address from the
	// accepted connection itself, so the two must agree from segment one).
	if fc, ok := c.carrier.(interface{ Connect() error }); ok {
		if err := fc.Connect(); err != nil {
			return err
		}
		c.local.Addr = c.carrier.LocalAddr()
	}

	done := c.beginBlocking()
	c.pump = startRecvPump(c)
	go runTransport(c, true, done)
	return c.waitUnblock()
}

// Accept blocks on sd's completed queue and returns the child descriptor
// plus its peer endpoint.
func (st *Stack) Accept(sd int) (int, Endpoint, error) {
	c := st.get(descriptor(sd))
	if c == nil {
		return -1, Endpoint{}, ErrBadDescriptor
	}
	if !c.listening || c.backlog == nil {
		return -1, Endpoint{}, ErrInvalid
	}
	closed := false
	child, ok := c.backlog.accept(&closed)
	if !ok {
		return -1, Endpoint{}, ErrConnAborted
	}
	return int(child.descriptor), child.peer, nil
}

// Close sets close-requested, wakes a blocked transport/pump, joins both,
// and frees the descriptor. Safe to call concurrently with a blocked Read
// on the same descriptor (scenario 6).
func (st *Stack) Close(sd int) error {
	c := st.get(descriptor(sd))
	if c == nil {
		return ErrBadDescriptor
	}
	c.closeOnce.Do(func() { st.closeContext(c) })
	return nil
}

func (st *Stack) closeContext(c *Context) {
	c.signalClose()

	// Join the transport thread: it notices close-requested via
	// WaitForEvent, runs its own close handshake, and calls FinReceived
	// before returning, which is what wakes a concurrently blocked Read
	// (scenario: close with a pending reader).
	c.blockMu.Lock()
	done := c.transportDone
	c.blockMu.Unlock()
	<-done

	if c.pump != nil {
		c.pump.stop()
	}

	if c.listening {
		st.listenMu.Lock()
		st.listeners.Delete(portBacklog{port: c.local.Port})
		st.listenMu.Unlock()
		c.backlog.closeAll(func(child *Context) {
			_ = st.Close(int(child.descriptor))
		})
	}

	if c.carrier != nil {
		_ = c.carrier.Close()
	}
	c.teardown()
	st.release(c.descriptor)
}

// Read returns 0 at EOF, otherwise partially dequeues from app-send.
func (st *Stack) Read(sd int, buf []byte) (int, error) {
	c := st.get(descriptor(sd))
	if c == nil {
		return -1, ErrBadDescriptor
	}
	if c.listening {
		return -1, ErrInvalid
	}
	c.data.Lock()
	eof := c.eof
	c.data.Unlock()
	if eof {
		return 0, nil
	}
	n, gotEOF := c.dequeueAppSend(buf)
	if gotEOF {
		c.data.Lock()
		c.eof = true
		c.data.Unlock()
	}
	return n, nil
}

// Write enqueues buf on app-recv regardless of sender window; the
// transport layer is trusted to honor flow control.
func (st *Stack) Write(sd int, buf []byte) (int, error) {
	c := st.get(descriptor(sd))
	if c == nil {
		return -1, ErrBadDescriptor
	}
	if c.listening {
		return -1, ErrInvalid
	}
	c.enqueueAppRecv(buf)
	return len(buf), nil
}

// GetSockName returns the bound local port even before a peer is known;
// the address is only meaningful once a peer is known (SPEC_FULL
// supplemented feature 1).
func (st *Stack) GetSockName(sd int) (Endpoint, error) {
	c := st.get(descriptor(sd))
	if c == nil {
		return Endpoint{}, ErrBadDescriptor
	}
	ep := Endpoint{Port: c.local.Port}
	if c.peer.valid() && c.carrier != nil {
		ep.Addr = c.carrier.LocalAddr()
	}
	return ep, nil
}

// GetPeerName returns ErrNotConnected until the peer endpoint is valid.
func (st *Stack) GetPeerName(sd int) (Endpoint, error) {
	c := st.get(descriptor(sd))
	if c == nil {
		return Endpoint{}, ErrBadDescriptor
	}
	if !c.peer.valid() {
		return Endpoint{}, ErrNotConnected
	}
	return c.peer, nil
}
