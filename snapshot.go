package stcp

// ConnSnapshot is a read-only view of one live connection, produced by
// Stack.Snapshot for the stcpmetrics collector. It never blocks on the
// connection's own locks beyond the brief hold needed to copy these
// fields.
type ConnSnapshot struct {
	ID       string
	Role     Role
	Local    Endpoint
	Peer     Endpoint
	Reliable bool

	// Carrier is the connection's wire-level transport, for collectors
	// that want kernel-level stats on the underlying net.Conn (see
	// stcpmetrics, which type-asserts this to an interface exposing
	// Conn() net.Conn).
	Carrier Carrier

	// Emulator is non-nil only when Reliable is false.
	Emulator *EmulatorStats
}

// Snapshot returns a point-in-time view of every live connection in the
// stack, for metrics collection. Order is unspecified.
func (st *Stack) Snapshot() []ConnSnapshot {
	st.mu.Lock()
	slots := make([]*Context, len(st.slots))
	copy(slots, st.slots)
	st.mu.Unlock()

	out := make([]ConnSnapshot, 0, len(slots))
	for _, c := range slots {
		if c == nil {
			continue
		}
		snap := ConnSnapshot{
			ID:       c.id.String(),
			Role:     c.role,
			Local:    c.local,
			Peer:     c.peer,
			Reliable: c.reliable,
			Carrier:  c.carrier,
		}
		if c.emu != nil {
			stats := c.emu.Stats()
			snap.Emulator = &stats
		}
		out = append(out, snap)
	}
	return out
}
