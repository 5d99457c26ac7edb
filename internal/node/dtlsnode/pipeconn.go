package dtlsnode

import (
	"errors"
	"net"
	"time"
)

// pushConn adapts the push-based SessionNode data path (OnDataReceived /
// SendData) to the net.Conn shape pion/dtls expects for its handshake and
// record layer. Reads pull from a channel fed by OnDataReceived; writes
// are handed to a callback that forwards to the lower node (ICE).
type pushConn struct {
	incoming chan []byte
	closed   chan struct{}
	write    func([]byte) error

	local, remote net.Addr
}

func newPushConn(write func([]byte) error, local, remote net.Addr) *pushConn {
	return &pushConn{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
		write:    write,
		local:    local,
		remote:   remote,
	}
}

// deliver pushes one datagram to the conn's reader. It never blocks
// indefinitely: a full queue drops the oldest packet, matching UDP's
// unreliable-delivery semantics rather than applying backpressure to the
// ICE read loop.
func (c *pushConn) deliver(buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	select {
	case c.incoming <- cp:
	default:
		select {
		case <-c.incoming:
		default:
		}
		select {
		case c.incoming <- cp:
		default:
		}
	}
}

func (c *pushConn) Read(b []byte) (int, error) {
	select {
	case buf := <-c.incoming:
		n := copy(b, buf)
		return n, nil
	case <-c.closed:
		return 0, errors.New("dtls: conn closed")
	}
}

func (c *pushConn) Write(b []byte) (int, error) {
	if err := c.write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *pushConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *pushConn) LocalAddr() net.Addr  { return c.local }
func (c *pushConn) RemoteAddr() net.Addr { return c.remote }

func (c *pushConn) SetDeadline(t time.Time) error      { return nil }
func (c *pushConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pushConn) SetWriteDeadline(t time.Time) error { return nil }
