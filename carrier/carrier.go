// Package carrier implements the framed-datagram-over-reliable-stream
// carrier of SPEC_FULL §4.2: segments are length-prefixed and sent over a
// plain TCP connection, standing in for the "unreliable datagram service"
// the original lab ran over UDP/VNS but swapped for TCP "for reliability
// during grading" (see original_source/network_io_tcp.c). Framed plays
// exactly that role: one underlying TCP connection per stcp connection,
// lazily dialed on first send, with a self-pipe style wake mechanism for
// interrupting a blocked receive pump.
package carrier

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/soypat/stcp"
)

// Factory implements stcp.CarrierFactory. Listening Framed carriers bind to
// Host; a dialing carrier connects to the address given to it by SetPeer.
type Factory struct {
	// Host is the IPv4 host (dotted quad or resolvable name) listening
	// Framed carriers listen on. Empty selects 127.0.0.1.
	Host          string
	DialTimeout   time.Duration
	AcceptTimeout time.Duration
}

func (f Factory) NewCarrier(local stcp.Endpoint, listening bool) (stcp.Carrier, error) {
	host := f.Host
	if host == "" {
		host = "127.0.0.1"
	}
	c := &Framed{
		host:          host,
		dialTimeout:   f.DialTimeout,
		acceptTimeout: f.AcceptTimeout,
		done:          make(chan struct{}),
	}
	if listening {
		ln, err := net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(int(local.Port))))
		if err != nil {
			return nil, err
		}
		c.listener = ln
		if tln, ok := ln.(*net.TCPListener); ok {
			if f, err := tln.File(); err == nil {
				_ = unix.SetsockoptInt(int(f.Fd()), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				f.Close()
			}
		}
	}
	return c, nil
}

// Framed is a stcp.Carrier/stcp.ListenCarrier backed by one TCP connection
// (or, in listening mode, one TCP listener accepting a fresh connection per
// incoming SYN). Grounded on network_io_tcp.c's network_context_socket_tcp_t.
type Framed struct {
	host          string
	dialTimeout   time.Duration
	acceptTimeout time.Duration

	connectOnce sync.Mutex // the "connect-once" lock of §4.2/§5
	connected   bool
	conn        net.Conn
	peerAddr    string // host:port to dial, set before first send for active carriers

	listener net.Listener // non-nil only for a listening carrier

	woke      bool
	doneOnce  sync.Once
	done      chan struct{}
}

var _ stcp.Carrier = (*Framed)(nil)
var _ stcp.ListenCarrier = (*Framed)(nil)

// SetPeer records the dial target for a not-yet-connected active carrier.
// Called by Stack.Connect before the first NetworkSend.
func (f *Framed) SetPeer(addr stcp.Addr, port uint16) {
	f.peerAddr = net.JoinHostPort(ipString(addr), strconv.Itoa(int(port)))
}

func ipString(a stcp.Addr) string {
	return net.IPv4(a[0], a[1], a[2], a[3]).String()
}

// Connect dials the peer now instead of waiting for the first SendPacket,
// so Stack.Connect can learn the OS-assigned local address (LocalAddr)
// before the transport layer sends its first segment. Checksums are
// computed over each side's own notion of its local/peer address (§4.1),
// so unlike the underlying connect-once lock this isn't optional laziness:
// a client that discovers its local address only after the SYN went out
// would checksum that SYN with the zero address while its peer observes
// the real one.
func (f *Framed) Connect() error {
	return f.connect()
}

// connect lazily dials the peer under the connect-once lock, matching
// _tcp_connect: concurrent callers (the transport thread sending and the
// receive pump recv'ing) block on the same lock and only the first dials.
func (f *Framed) connect() error {
	f.connectOnce.Lock()
	defer f.connectOnce.Unlock()
	if f.connected {
		return nil
	}
	timeout := f.dialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", f.peerAddr)
	if err != nil {
		return err
	}
	f.conn = conn
	f.connected = true
	return nil
}

// BecomeChild replaces a placeholder carrier's connection with one accepted
// by a listener on behalf of a freshly demultiplexed child, per §4.2
// "update-passive-state".
func (f *Framed) BecomeChild(conn net.Conn) {
	f.connectOnce.Lock()
	defer f.connectOnce.Unlock()
	f.conn = conn
	f.connected = true
}

// Conn returns the underlying net.Conn backing this carrier, or nil if it
// has not connected yet. stcpmetrics uses this to pull kernel-level
// TCPInfo for the physical link underneath a logical connection.
func (f *Framed) Conn() net.Conn {
	f.connectOnce.Lock()
	defer f.connectOnce.Unlock()
	return f.conn
}

func (f *Framed) SendPacket(segment []byte) error {
	if f.listener == nil {
		if err := f.connect(); err != nil {
			return err
		}
	}
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(segment)))
	if err := writeFull(f.conn, lenPrefix[:]); err != nil {
		return err
	}
	return writeFull(f.conn, segment)
}

func (f *Framed) RecvPacket(buf []byte) (int, error) {
	if f.listener != nil {
		panic("carrier: RecvPacket called on a listening carrier; use AcceptSegment")
	}
	if err := f.connect(); err != nil {
		return 0, err
	}
	return f.recvFrom(f.conn, buf)
}

// AcceptSegment implements stcp.ListenCarrier: it accepts one new OS
// connection, reads its first segment (the SYN), and replaces newChild's
// placeholder carrier with the accepted connection.
func (f *Framed) AcceptSegment(buf []byte, newChild func() stcp.Carrier) (stcp.Carrier, int, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan acceptResult, 1)
	go func() {
		conn, err := f.listener.Accept()
		resCh <- acceptResult{conn, err}
	}()
	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, 0, res.err
		}
		child := newChild()
		fc := child.(*Framed)
		fc.BecomeChild(res.conn)
		n, err := f.recvFrom(res.conn, buf)
		if err != nil {
			return nil, 0, err
		}
		return child, n, nil
	case <-f.done:
		return nil, 0, carrierErrWake{}
	}
}

func (f *Framed) recvFrom(conn net.Conn, buf []byte) (int, error) {
	var lenPrefix [2]byte
	if err := readFullInterruptible(conn, lenPrefix[:], f.done); err != nil {
		return 0, err
	}
	packetLen := int(binary.BigEndian.Uint16(lenPrefix[:]))
	n := packetLen
	if n > len(buf) {
		n = len(buf)
	}
	if err := readFullInterruptible(conn, buf[:n], f.done); err != nil {
		return 0, err
	}
	if packetLen > len(buf) {
		discard := make([]byte, packetLen-len(buf))
		if err := readFullInterruptible(conn, discard, f.done); err != nil {
			return 0, err
		}
	}
	return packetLen, nil
}

func (f *Framed) Wake() error {
	f.doneOnce.Do(func() { close(f.done) })
	if f.conn != nil {
		return f.conn.SetDeadline(time.Unix(0, 1))
	}
	return nil
}

func (f *Framed) Close() error {
	var err error
	if f.listener != nil {
		err = f.listener.Close()
	}
	if f.conn != nil {
		if cerr := f.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (f *Framed) LocalAddr() stcp.Addr {
	if f.conn == nil {
		return stcp.Addr{}
	}
	return addrFromNet(f.conn.LocalAddr())
}

func (f *Framed) PeerAddr() stcp.Addr {
	if f.conn == nil {
		return stcp.Addr{}
	}
	return addrFromNet(f.conn.RemoteAddr())
}

func addrFromNet(a net.Addr) stcp.Addr {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok || tcpAddr.IP.To4() == nil {
		return stcp.Addr{}
	}
	ip4 := tcpAddr.IP.To4()
	return stcp.Addr{ip4[0], ip4[1], ip4[2], ip4[3]}
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// readFullInterruptible reads len(buf) bytes, treating a deadline-exceeded
// error as a wake signal once done has been closed (see Wake).
func readFullInterruptible(r net.Conn, buf []byte, done chan struct{}) error {
	for len(buf) > 0 {
		n, err := r.Read(buf)
		if err != nil {
			select {
			case <-done:
				return carrierErrWake{}
			default:
				return err
			}
		}
		buf = buf[n:]
	}
	return nil
}

type carrierErrWake struct{}

func (carrierErrWake) Error() string { return "carrier: recv interrupted by wake" }
