// Package reftransport adapts the reference transport layer's own TCP
// handler (an RFC 9293 sequencing and state-machine TCB) to drive a
// connection behind the core's Services/TransportLayer contract. It exists
// so the core's contract has at least one concrete, fully working
// implementation to exercise end to end, without the core itself having to
// own any TCP state machine (that is explicitly out of the core's scope).
//
// Frames move directly between Handler.Send/Handler.Recv and
// Services.NetworkSend/Services.NetworkRecv: there is no IP or Ethernet
// layer in between, since the core's carrier already delivers whole
// segments to whichever peer is on the other end. Handler has no notion of
// deadlines, backoff or retransmission timers, and neither does this
// adapter — retransmission is a transport layer concern, and this
// transport layer doesn't implement one (see the Handler's own doc
// comment).
package reftransport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/soypat/stcp"
	"github.com/soypat/stcp/tcp"
)

// bufSize is the size of the Handler's internal tx/rx ring buffers. 1500
// matches a typical Ethernet MTU, following the reference transport
// layer's own tests.
const bufSize = 1500

// maxQueuedPackets bounds the number of sent-but-unacked packets the
// Handler tracks at once, mirroring the reference transport layer's own
// test fixtures.
const maxQueuedPackets = 8

// wireBufSize is exactly a full stcp frame (header plus maximum payload).
// The Handler never writes both a TCP option and a data payload in the
// same segment (SYN/SYN-ACK segments carry no data), so this also leaves
// enough room for the 4-byte MSS option those segments carry; this adapter
// strips options out before handing the segment to Services.NetworkSend,
// since the core's wire format has no option space (SPEC_FULL §1
// non-goals).
const wireBufSize = stcp.HeaderSize + stcp.MaxPayload

// appChunkSize bounds how much application data is pulled out of the
// core's app-write queue and handed to Handler.Write in one go.
const appChunkSize = 2048

// errConnectFailed is reported to Services.UnblockApplication when the
// handshake never completes (Handler reached a terminal state, or Send
// failed, before StateEstablished).
var errConnectFailed = errors.New("reftransport: connection failed before establishment")

// Transport adapts a tcp.Handler to the stcp.TransportLayer interface. The
// zero value has no buffers and its Run fails; construct one with New. A
// fresh Transport must be constructed per connection, matching NewStack's
// newTransport contract.
type Transport struct {
	h     tcp.Handler
	txBuf []byte
	rxBuf []byte
}

// New returns a Transport ready for a single connection's Run call.
func New() *Transport {
	return &Transport{
		txBuf: make([]byte, bufSize),
		rxBuf: make([]byte, bufSize),
	}
}

// Factory returns a constructor suitable for stcp.NewStack's newTransport
// argument: every connection gets its own Handler and buffer pair, so
// concurrent connections never share TCB state.
func Factory() func() stcp.TransportLayer {
	return func() stcp.TransportLayer { return New() }
}

func randomISS() tcp.Value {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing indicates a broken system entropy source;
		// an all-zero ISS is still a valid (if not RFC-recommended)
		// starting point, so degrade rather than abort the connection.
		return 0
	}
	return tcp.Value(binary.BigEndian.Uint32(b[:]))
}

// Run implements stcp.TransportLayer.
func (t *Transport) Run(svc stcp.Services, active bool) {
	if err := t.h.SetBuffers(t.txBuf, t.rxBuf, maxQueuedPackets); err != nil {
		svc.UnblockApplication(err)
		return
	}
	iss := randomISS()
	var err error
	if active {
		err = t.h.OpenActive(svc.LocalPort(), svc.RemotePort(), iss)
	} else {
		err = t.h.OpenListen(svc.LocalPort(), iss)
	}
	if err != nil {
		svc.UnblockApplication(err)
		return
	}

	unblocked := false
	wireBuf := make([]byte, wireBufSize)
	appBuf := make([]byte, appChunkSize)

	// An active open has a SYN to emit before anything else has happened;
	// a passive open waits for the first NetworkData event instead (the
	// listener pre-loads the triggering SYN into the queue before this
	// goroutine even starts, so the first WaitForEvent call below returns
	// immediately).
	if active && !t.flushSend(svc, wireBuf) {
		svc.UnblockApplication(errConnectFailed)
		return
	}

	for {
		state := t.h.State()
		if !unblocked && state.IsSynchronized() {
			svc.UnblockApplication(nil)
			unblocked = true
		}
		if t.h.IsTxOver() {
			if !unblocked {
				svc.UnblockApplication(errConnectFailed)
			}
			svc.FinReceived()
			return
		}

		want := stcp.EventNetworkData | stcp.EventAppCloseRequested
		if t.h.AvailableOutput() > 0 {
			// Only wait on app writes when the Handler has room for them;
			// otherwise a full tx buffer with a non-empty app-write queue
			// would make WaitForEvent return immediately forever.
			want |= stcp.EventAppData
		}

		got, err := svc.WaitForEvent(want, time.Time{})
		if err != nil {
			continue
		}

		if got&stcp.EventNetworkData != 0 {
			n, rerr := svc.NetworkRecv(wireBuf)
			if rerr == nil {
				if herr := t.h.Recv(wireBuf[:n]); herr != nil && !errors.Is(herr, net.ErrClosed) {
					// Malformed or out-of-window segment: RFC 9293 says
					// drop silently and continue, not tear the connection
					// down.
				}
			}
		}

		if got&stcp.EventAppData != 0 {
			chunk := min(len(appBuf), t.h.AvailableOutput())
			if chunk > 0 {
				n, aerr := svc.AppRecv(appBuf[:chunk])
				if aerr == nil && n > 0 {
					_, _ = t.h.Write(appBuf[:n])
				}
			}
		}

		if got&stcp.EventAppCloseRequested != 0 {
			_ = t.h.Close()
		}

		if !t.flushSend(svc, wireBuf) && !unblocked {
			svc.UnblockApplication(errConnectFailed)
			unblocked = true
		}

		t.drainRead(svc, appBuf)
	}
}

// flushSend drains every pending outgoing segment the Handler has queued,
// handing each to the core's Services.NetworkSend. It returns false only
// when the Handler reports a terminal, non-EOF send failure.
func (t *Transport) flushSend(svc stcp.Services, wireBuf []byte) bool {
	for {
		n, err := t.h.Send(wireBuf)
		if err != nil {
			return errors.Is(err, io.EOF) // a clean close is not a failure
		}
		if n == 0 {
			return true
		}
		tfrm, ferr := tcp.NewFrame(wireBuf[:n])
		if ferr != nil {
			return true
		}
		payload := tfrm.Payload()
		seg := tfrm.Segment(len(payload))
		if err := svc.NetworkSend(toStcpSegment(seg), payload); err != nil {
			return true
		}
	}
}

// drainRead copies every byte the Handler has reassembled for the
// application into the core's app-send queue, signaling EOF once the
// Handler's receive side is no longer open.
func (t *Transport) drainRead(svc stcp.Services, appBuf []byte) {
	for {
		n, err := t.h.Read(appBuf)
		if n > 0 {
			_ = svc.AppSend(appBuf[:n])
		}
		if err != nil {
			if err == io.EOF {
				svc.FinReceived()
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

func toStcpSegment(seg tcp.Segment) stcp.Segment {
	return stcp.Segment{
		Seq:     stcp.Value(seg.SEQ),
		Ack:     stcp.Value(seg.ACK),
		DataLen: stcp.Size(seg.DATALEN),
		Window:  stcp.Size(seg.WND),
		Flags:   stcp.Flags(seg.Flags),
	}
}

