package tlssession

import (
	"net"
	"sync"
	"time"
)

// relayAddr is the net.Addr reported by transportConn.
type relayAddr string

func (a relayAddr) Network() string { return "relay" }
func (a relayAddr) String() string  { return string(a) }

// transportConn adapts a Transport to net.Conn. Writes become frames;
// inbound frames are queued until the engine reads them.
type transportConn struct {
	transport Transport
	addr      relayAddr

	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	readErr error
}

func newTransportConn(t Transport, addr string) *transportConn {
	c := &transportConn{
		transport: t,
		addr:      relayAddr(addr),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// feed queues an inbound frame for the reader. It never blocks, so the
// transport can keep delivering while the engine is busy sending.
func (c *transportConn) feed(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	c.pending = append(c.pending, data)
	c.cond.Signal()
	return nil
}

// closeRead ends the inbound stream. Queued frames are still delivered;
// reads after that return err.
func (c *transportConn) closeRead(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *transportConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) == 0 && c.readErr == nil {
		c.cond.Wait()
	}
	if len(c.pending) == 0 {
		return 0, c.readErr
	}
	n := copy(b, c.pending[0])
	if n == len(c.pending[0]) {
		c.pending[0] = nil
		c.pending = c.pending[1:]
	} else {
		c.pending[0] = c.pending[0][n:]
	}
	return n, nil
}

func (c *transportConn) Write(b []byte) (int, error) {
	if err := c.transport.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close discards queued frames and unblocks readers. The transport itself
// is closed by the session.
func (c *transportConn) Close() error {
	c.mu.Lock()
	c.pending = nil
	c.readErr = net.ErrClosed
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *transportConn) LocalAddr() net.Addr  { return relayAddr("local") }
func (c *transportConn) RemoteAddr() net.Addr { return c.addr }

// Deadlines are accepted and ignored; the tunnel's idle timer bounds I/O.
func (c *transportConn) SetDeadline(time.Time) error      { return nil }
func (c *transportConn) SetReadDeadline(time.Time) error  { return nil }
func (c *transportConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.Conn = (*transportConn)(nil)
