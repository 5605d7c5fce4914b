package stcp

import (
	"sync"

	"github.com/google/btree"
)

// Stack is the process-wide singleton of §9: the descriptor table plus the
// listener-to-backlog map, both modeled as explicit typed handles rather
// than bare globals so a process can run more than one independent stack
// (useful for tests that want isolation). Grounded on mysock.c's
// global_ctx table and connection_demux.c's listen_table.
type Stack struct {
	cfg          Config
	factory      CarrierFactory
	newTransport func() TransportLayer
	log          rateLogger

	mu    sync.Mutex
	slots []*Context
	free  []descriptor

	// listenMu is the process-wide "listen lock" of §5: readers for SYN
	// enqueue and accept, writer for backlog create/destroy.
	listenMu  sync.RWMutex
	listeners *btree.BTreeG[portBacklog]

	seedMu  sync.Mutex
	seedCtr uint64
}

type portBacklog struct {
	port    uint16
	backlog *listenBacklog
}

func lessPortBacklog(a, b portBacklog) bool { return a.port < b.port }

// NewStack allocates a Stack ready to Open connections. factory supplies
// the Carrier implementation (the carrier package's Framed type in
// production, a fake in tests). newTransport constructs a fresh
// TransportLayer instance per connection (each connection's transport
// state machine is independent, so listener-spawned children each get
// their own instance, never the listener's).
func NewStack(cfg Config, factory CarrierFactory, newTransport func() TransportLayer) *Stack {
	cfg = cfg.withDefaults()
	return &Stack{
		cfg:          cfg,
		factory:      factory,
		newTransport: newTransport,
		log:          newRateLogger(logger{log: cfg.Logger}, cfg.TraceEventsPerSecond),
		slots:        make([]*Context, cfg.MaxDescriptors),
		listeners:    btree.NewG(32, lessPortBacklog),
	}
}

// emulatorSeed derives a process-unique per-descriptor seed input, combined
// with an HKDF expansion in newUnreliabilityEmulator rather than used raw,
// so restarting a listener at the same descriptor index doesn't replay the
// exact same emulator decision stream.
func (st *Stack) emulatorSeed(d descriptor) uint64 {
	st.seedMu.Lock()
	st.seedCtr++
	ctr := st.seedCtr
	st.seedMu.Unlock()
	return uint64(d)<<32 | ctr
}

// allocate reserves a free slot and returns a new Context for it, or
// ErrTooManyOpen if the table is full (§6 EMFILE).
func (st *Stack) allocate(role Role, reliable bool) (*Context, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var d descriptor
	if n := len(st.free); n > 0 {
		d = st.free[n-1]
		st.free = st.free[:n-1]
	} else {
		d = descriptor(-1)
		for i, s := range st.slots {
			if s == nil {
				d = descriptor(i)
				break
			}
		}
		if d < 0 {
			return nil, ErrTooManyOpen
		}
	}
	c := newContext(st, d, role, reliable, st.log)
	st.slots[d] = c
	return c, nil
}

// get returns the live Context for d, or nil if d is not a live descriptor.
func (st *Stack) get(d descriptor) *Context {
	st.mu.Lock()
	defer st.mu.Unlock()
	if d < 0 || int(d) >= len(st.slots) {
		return nil
	}
	return st.slots[d]
}

// release frees d's slot for reuse. Caller must have already fully torn
// down the Context (transport thread and receive pump joined, per the
// "After close, both the transport thread and the receive pump have
// terminated before the context is freed" invariant).
func (st *Stack) release(d descriptor) {
	st.mu.Lock()
	st.slots[d] = nil
	st.free = append(st.free, d)
	st.mu.Unlock()
}

// newPlaceholderCarrier creates a not-yet-bound Carrier for a child context
// about to be demultiplexed from an incoming SYN; its connection is filled
// in by ListenCarrier.AcceptSegment before first use.
func (st *Stack) newPlaceholderCarrier() Carrier {
	c, err := st.factory.NewCarrier(Endpoint{}, false)
	if err != nil {
		// A placeholder carrier performs no I/O of its own until
		// BecomeChild-equivalent handoff; a construction failure here
		// indicates a broken factory, not a runtime condition callers can
		// recover from.
		panic("stcp: carrier factory failed to create placeholder: " + err.Error())
	}
	return c
}

// DebugListeners returns the local ports of every currently registered
// listener in ascending order, using the btree map's deterministic
// iteration rather than a separate sort step.
func (st *Stack) DebugListeners() []uint16 {
	st.listenMu.RLock()
	defer st.listenMu.RUnlock()
	var ports []uint16
	st.listeners.Ascend(func(pb portBacklog) bool {
		ports = append(ports, pb.port)
		return true
	})
	return ports
}
