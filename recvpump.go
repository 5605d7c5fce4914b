package stcp

import "log/slog"

// recvPump is the per-connection receive-pump goroutine of §4.5: it blocks
// on the carrier (and, conceptually, the wake-pipe — here represented by
// the carrier returning once Wake is called), and for a non-listening
// connection enqueues each segment on network-recv, or for a listening
// connection hands it to the demultiplexer. Grounded on
// network_io_socket.c's network_recv_thread_func.
type recvPump struct {
	ctx  *Context
	done chan struct{}
}

func startRecvPump(c *Context) *recvPump {
	p := &recvPump{ctx: c, done: make(chan struct{})}
	go p.run()
	return p
}

func (p *recvPump) run() {
	defer close(p.done)
	c := p.ctx
	buf := make([]byte, HeaderSize+MaxPayload)

	if c.listening {
		lc, ok := c.carrier.(ListenCarrier)
		if !ok {
			c.log.error("listening context carrier does not implement ListenCarrier", c.logAttrs()...)
			return
		}
		for {
			child, n, err := lc.AcceptSegment(buf, func() Carrier {
				return c.stack.newPlaceholderCarrier()
			})
			if err != nil {
				c.log.debug("listen pump exiting", append(c.logAttrs(), errAttr(err))...)
				return
			}
			c.log.trace("listen pump: SYN accepted", append(c.logAttrs(), slog.Int("n", n))...)
			c.stack.dispatchSYN(c, child, buf[:n])
		}
	}

	for {
		n, err := c.carrier.RecvPacket(buf)
		if err != nil {
			c.log.debug("recv pump exiting", append(c.logAttrs(), errAttr(err))...)
			return
		}
		c.log.trace("recv pump: segment received", append(c.logAttrs(), slog.Int("n", n))...)
		c.enqueueNetworkRecv(buf[:n])
	}
}

func (p *recvPump) stop() {
	_ = p.ctx.carrier.Wake()
	<-p.done
}
