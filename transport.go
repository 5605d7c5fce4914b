package stcp

// runTransport drives a Context's TransportLayer to completion in its own
// goroutine (the "transport thread" of §3/§5). Grounded on mysock.c's
// transport_thread_func, including its terminal-unblock behavior: if Run
// returns without ever calling UnblockApplication, the core synthesizes
// ECONNREFUSED (active) / ECONNABORTED (passive), force-unblocks, and wakes
// any blocked reader with an EOF marker (SPEC_FULL supplemented feature 4).
// done is closed on return so Close can join this thread (§4.7 "close():
// ... join the transport thread, which itself completes the close
// handshake"), which is also what lets a concurrent blocked Read wake: the
// transport layer notices APP_CLOSE_REQUESTED via WaitForEvent, runs its
// own close handshake, and calls FinReceived before Run returns.
func runTransport(c *Context, active bool, done chan struct{}) {
	defer close(done)
	defer func() {
		c.blockMu.Lock()
		stillBlocking := c.blocking
		c.blockMu.Unlock()
		if stillBlocking {
			errno := error(ErrConnAborted)
			if active {
				errno = ErrConnRefused
			}
			c.UnblockApplication(errno)
			_ = c.AppSend(nil)
		}
	}()
	if c.transport == nil {
		c.UnblockApplication(ErrInvalid)
		return
	}
	c.transport.Run(c, active)
}
