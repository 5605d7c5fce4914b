package stcp

import (
	"log/slog"
	"time"
)

// EventFlags is the wait-for-event bitmask of §4.8.
type EventFlags uint8

const (
	EventAppData EventFlags = 1 << iota
	EventNetworkData
	EventAppCloseRequested
)

// Services is the surface the core exposes upward to a TransportLayer,
// grounded on stcp_api.c's stcp_unblock_application / stcp_wait_for_event /
// stcp_network_recv / stcp_network_send / stcp_app_recv / stcp_app_send /
// stcp_fin_received.
type Services interface {
	// UnblockApplication must be called exactly once per connection, when
	// the handshake completes or fails. err is nil on success.
	UnblockApplication(err error)
	// WaitForEvent blocks until any flag in want is satisfied or deadline
	// elapses (zero deadline means wait indefinitely). Returns the
	// satisfied subset, or zero on timeout. The close bit is edge
	// triggered: it fires at most once per Close.
	WaitForEvent(want EventFlags, deadline time.Time) (EventFlags, error)
	// NetworkSend concatenates parts into one segment, fills in source and
	// destination ports, computes and writes the checksum, and hands off
	// to the unreliability emulator (or the carrier directly when
	// reliable).
	NetworkSend(header Segment, parts ...[]byte) error
	// NetworkRecv dequeues one whole segment previously delivered by the
	// receive pump. buf must be large enough for the whole segment.
	NetworkRecv(buf []byte) (int, error)
	// AppSend delivers bytes to the application's next Read calls. An
	// empty payload signals EOF.
	AppSend(p []byte) error
	// AppRecv partially dequeues bytes written by the application's Write
	// calls.
	AppRecv(buf []byte) (int, error)
	// FinReceived signals EOF to the application, equivalent to
	// AppSend(nil) but named for clarity at call sites.
	FinReceived()
	// LocalPort and RemotePort report the connection's own endpoint ports.
	// The original stcp_api has no equivalent accessor because its
	// transport layer never parses frame headers itself; a TransportLayer
	// built on a header-aware TCB (reftransport's tcp.Handler) needs its
	// own port fields to agree with the wire ports NetworkSend/NetworkRecv
	// use, so the core exposes them directly instead of requiring every
	// TransportLayer to parse its own SYN to learn the peer port.
	LocalPort() uint16
	RemotePort() uint16
}

// TransportLayer is the pluggable state machine consuming Services. It is
// out of the core's scope (§1b) — the core defines only this contract.
// reftransport implements it by adapting the reference transport layer's
// own sequencing TCB.
type TransportLayer interface {
	// Run drives the connection to completion: active performs the
	// initiating handshake (SYN), passive waits to receive one. Run must
	// call svc.UnblockApplication exactly once, then proceed to steady
	// state until both directions are closed, then return.
	Run(svc Services, active bool)
}

var _ Services = (*Context)(nil)

func (c *Context) UnblockApplication(err error) {
	c.blockMu.Lock()
	wasBlocking := c.blocking
	c.blocking = false
	c.errno = err
	c.blockMu.Unlock()
	if wasBlocking {
		c.blockCnd.Broadcast()
	}
	if c.role == RoleChildOfPassive {
		// A passive child reports completion to its listener's backlog,
		// per §4.8: "If the connection is passive, also enqueues its
		// pending-request onto its listener's completed queue."
		if st := c.stack; st != nil {
			st.completeChild(c, err)
		}
	}
}

func (c *Context) WaitForEvent(want EventFlags, deadline time.Time) (EventFlags, error) {
	c.data.Lock()
	defer c.data.Unlock()
	for {
		var got EventFlags
		if want&EventAppData != 0 && !c.appRecv.empty() {
			got |= EventAppData
		}
		if want&EventNetworkData != 0 && !c.networkRecv.empty() {
			got |= EventNetworkData
		}
		if want&EventAppCloseRequested != 0 && c.closeRequested && !c.closeConsumed && c.appRecv.empty() {
			got |= EventAppCloseRequested
			c.closeConsumed = true
		}
		if got != 0 {
			return got, nil
		}
		if !deadline.IsZero() {
			if !time.Now().Before(deadline) {
				return 0, ErrTimedOut
			}
			timer := time.AfterFunc(time.Until(deadline), c.dataCnd.Broadcast)
			c.dataCnd.Wait()
			timer.Stop()
			continue
		}
		c.dataCnd.Wait()
	}
}

func (c *Context) NetworkSend(header Segment, parts ...[]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, HeaderSize+total)
	f, err := NewFrame(buf)
	if err != nil {
		return err
	}
	f.SetSourcePort(c.local.Port)
	f.SetDestPort(c.peer.Port)
	f.SetSegment(header)
	off := HeaderSize
	for _, p := range parts {
		off += copy(buf[off:], p)
	}
	f.SetCRC(0)
	f.SetCRC(Compute(c.local.Addr, c.peer.Addr, buf))
	if c.emu != nil {
		return c.emu.send(buf, c.carrier)
	}
	return c.carrier.SendPacket(buf)
}

func (c *Context) NetworkRecv(buf []byte) (int, error) {
	c.data.Lock()
	for c.networkRecv.empty() {
		c.dataCnd.Wait()
	}
	n := c.networkRecv.dequeue(buf, false)
	c.data.Unlock()

	if !Verify(c.peer.Addr, c.local.Addr, buf[:n]) {
		c.log.error("bad checksum", append(c.logAttrs(), slog.Int("n", n))...)
		return 0, errBadChecksum
	}
	return n, nil
}

func (c *Context) AppSend(p []byte) error {
	c.data.Lock()
	c.appSend.enqueue(p)
	c.data.Unlock()
	c.dataCnd.Broadcast()
	return nil
}

func (c *Context) AppRecv(buf []byte) (int, error) {
	c.data.Lock()
	for c.appRecv.empty() {
		c.dataCnd.Wait()
	}
	n := c.appRecv.dequeue(buf, true)
	c.data.Unlock()
	return n, nil
}

func (c *Context) FinReceived() {
	_ = c.AppSend(nil)
}

func (c *Context) LocalPort() uint16  { return c.local.Port }
func (c *Context) RemotePort() uint16 { return c.peer.Port }

// enqueueNetworkRecv is called by the receive pump to deliver one whole
// segment read from the carrier.
func (c *Context) enqueueNetworkRecv(segment []byte) {
	c.data.Lock()
	c.networkRecv.enqueue(segment)
	c.data.Unlock()
	c.dataCnd.Broadcast()
}

// enqueueAppRecv is called by Write to deliver application bytes to the
// transport layer.
func (c *Context) enqueueAppRecv(p []byte) {
	c.data.Lock()
	c.appRecv.enqueue(p)
	c.data.Unlock()
	c.dataCnd.Broadcast()
}

// dequeueAppSend is called by Read to retrieve bytes produced by the
// transport layer (or by fin-received's empty-payload EOF marker).
func (c *Context) dequeueAppSend(buf []byte) (n int, gotEOFMarker bool) {
	c.data.Lock()
	for c.appSend.empty() {
		c.dataCnd.Wait()
	}
	n = c.appSend.dequeue(buf, true)
	c.data.Unlock()
	return n, n == 0
}

// signalClose sets close-requested and wakes anything waiting on the
// data-ready condvar, per §5 Cancellation.
func (c *Context) signalClose() {
	c.data.Lock()
	c.closeRequested = true
	c.data.Unlock()
	c.dataCnd.Broadcast()
}
