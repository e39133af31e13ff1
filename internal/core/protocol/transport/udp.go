package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// maxDatagramSize is the largest UDP payload over IPv4.
const maxDatagramSize = 65507

type udpDialer struct {
	address string
	opts    Options
}

func (d *udpDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "udp", d.address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial udp %s", d.address)
	}
	return newDatagramConn(conn.(*net.UDPConn), conn.RemoteAddr(), d.opts), nil
}

// datagramConn carries one envelope per datagram. An unconnected socket
// replies to whichever peer sent the most recent datagram.
type datagramConn struct {
	id     string
	conn   *net.UDPConn
	remote net.Addr
	opts   Options
	buf    []byte

	lastPeer atomic.Pointer[net.UDPAddr]
	closed   atomic.Bool
}

func newDatagramConn(conn *net.UDPConn, remote net.Addr, opts Options) *datagramConn {
	size := opts.maxFrameSize()
	if size > maxDatagramSize {
		size = maxDatagramSize
	}
	return &datagramConn{
		id:     uuid.NewString(),
		conn:   conn,
		remote: remote,
		opts:   opts,
		buf:    make([]byte, size),
	}
}

func (c *datagramConn) ID() string { return c.id }

func (c *datagramConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	if peer := c.lastPeer.Load(); peer != nil {
		return peer
	}
	return nil
}

func (c *datagramConn) ReadFrame() ([]byte, error) {
	n, peer, err := c.conn.ReadFromUDP(c.buf)
	if err != nil {
		if c.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, errors.Wrap(err, "read datagram")
	}
	if peer != nil {
		c.lastPeer.Store(peer)
	}
	frame := make([]byte, n)
	copy(frame, c.buf[:n])
	return frame, nil
}

func (c *datagramConn) WriteFrame(body []byte) error {
	if len(body) > maxDatagramSize {
		return errors.Errorf("datagram of %d bytes exceeds %d", len(body), maxDatagramSize)
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(c.opts.writeDeadline())
	}

	var err error
	if c.remote != nil {
		_, err = c.conn.Write(body)
	} else if peer := c.lastPeer.Load(); peer != nil {
		_, err = c.conn.WriteToUDP(body, peer)
	} else {
		return errors.New("no datagram peer to reply to")
	}
	return errors.Wrap(err, "write datagram")
}

func (c *datagramConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// udpListener hands out its single packet socket on the first Accept.
// Later calls block until the listener closes.
type udpListener struct {
	conn     *datagramConn
	handed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

func listenUDP(address string, opts Options) (Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve udp %s", address)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", address)
	}
	return &udpListener{
		conn: newDatagramConn(conn, nil, opts),
		done: make(chan struct{}),
	}, nil
}

func (l *udpListener) Accept(ctx context.Context) (Conn, error) {
	if !l.handed.Swap(true) {
		return l.conn, nil
	}
	select {
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *udpListener) Addr() net.Addr { return l.conn.conn.LocalAddr() }

func (l *udpListener) Close() error {
	l.doneOnce.Do(func() { close(l.done) })
	return l.conn.Close()
}
