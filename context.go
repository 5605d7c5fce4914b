package stcp

import (
	"log/slog"
	"sync"

	"github.com/rs/xid"
)

// Role identifies how a Context was opened, per §3's "role" attribute.
type Role uint8

const (
	RoleActive         Role = iota // initiator: Connect was called
	RolePassive                    // Listen was called
	RoleChildOfPassive             // produced by the demultiplexer on SYN arrival
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RolePassive:
		return "passive"
	case RoleChildOfPassive:
		return "child"
	default:
		return "unknown"
	}
}

// Endpoint is an IPv4 address+port pair. Equality is value equality, which
// is the core's resolution of the §9 Open Question on sockaddr comparison:
// "equality over the (family, address, port) triple" with family implicit
// (AF_INET only).
type Endpoint struct {
	Addr Addr
	Port uint16
}

func (e Endpoint) valid() bool { return e.Port != 0 }

// descriptor is a connection handle: a small integer index into a Stack's
// slot table, stable for the connection's lifetime (§3).
type descriptor int32

// Context is the per-connection state hub described in §3: role, endpoints,
// the four data-ready queues, the blocking/eof/close-requested flags, and
// back-references to the owning Stack/listener. Grounded on
// mysock_impl.h's mysock_context_t.
type Context struct {
	id  xid.ID
	log rateLogger

	stack      *Stack
	descriptor descriptor

	role      Role
	reliable  bool
	bound     bool
	listening bool

	local Endpoint
	peer  Endpoint

	// parent is the listener's descriptor for a child-of-passive context;
	// zero (and meaningless) otherwise. Informational only once accepted.
	parent descriptor

	// transport is the opaque transport-layer state machine driving this
	// connection. nil until Open's caller attaches one (reftransport or a
	// caller-supplied TransportLayer).
	transport TransportLayer

	blockMu  sync.Mutex
	blockCnd *sync.Cond
	blocking bool
	errno    error

	// transportDone is closed when the current transport thread (if any)
	// returns. A Context that never starts one (a pure listening socket,
	// or one closed before Connect/Accept ever ran) gets a pre-closed
	// channel from newContext, so Close's join is never a hang.
	transportDone chan struct{}

	// data is the single data-ready mutex/condvar pair of §3/§4.4, guarding
	// the three materialized queues below plus closeRequested/eof.
	data           sync.Mutex
	dataCnd        *sync.Cond
	closeRequested bool
	closeConsumed  bool // close-requested edge already delivered by wait-for-event
	eof            bool

	networkRecv byteQueue // segments from the receive pump, consumed by the transport layer
	appSend     byteQueue // bytes for the application's Read, produced by the transport layer
	appRecv     byteQueue // bytes from the application's Write, consumed by the transport layer

	carrier Carrier
	emu     *unreliabilityEmulator

	pump *recvPump

	// backlog is set only when listening is true.
	backlog *listenBacklog

	closeOnce sync.Once
}

func newContext(st *Stack, d descriptor, role Role, reliable bool, log rateLogger) *Context {
	c := &Context{
		id:         xid.New(),
		log:        log,
		stack:      st,
		descriptor: d,
		role:       role,
		reliable:   reliable,
	}
	c.blockCnd = sync.NewCond(&c.blockMu)
	c.dataCnd = sync.NewCond(&c.data)
	noTransport := make(chan struct{})
	close(noTransport)
	c.transportDone = noTransport
	if !reliable {
		c.emu = newUnreliabilityEmulator(st.emulatorSeed(d), c.log, c.logAttrs())
	}
	return c
}

func (c *Context) logAttrs() []slog.Attr {
	return []slog.Attr{slog.String("conn", c.id.String()), slog.Int("sd", int(c.descriptor))}
}

// waitUnblock parks the caller until unblockApplication is called exactly
// once, per §4.8. Returns the error stored by unblockApplication (nil on
// success). EINTR is swallowed per SPEC_FULL supplemented feature 3: an
// interrupted transport-thread wait must never surface as a connect()
// failure.
func (c *Context) waitUnblock() error {
	c.blockMu.Lock()
	defer c.blockMu.Unlock()
	for c.blocking {
		c.blockCnd.Wait()
	}
	if c.errno == ErrInterrupted {
		return nil
	}
	return c.errno
}

// beginBlocking sets the blocking flag and installs a fresh transportDone
// channel before the transport thread starts, so waitUnblock has something
// to wait on and a later Close can join the thread this channel belongs
// to. Must be called before the transport goroutine is spawned; the
// returned channel must be passed to that goroutine's runTransport call.
func (c *Context) beginBlocking() chan struct{} {
	c.blockMu.Lock()
	c.blocking = true
	done := make(chan struct{})
	c.transportDone = done
	c.blockMu.Unlock()
	return done
}

// teardown drains the three materialized queues, per §4.4 "context teardown
// drains all three materialized queues and frees their buffers."
func (c *Context) teardown() {
	c.data.Lock()
	c.networkRecv.drain()
	c.appSend.drain()
	c.appRecv.drain()
	c.data.Unlock()
}
