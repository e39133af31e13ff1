package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zeusync/simbridge/internal/core/protocol/framing"
)

type tcpDialer struct {
	address string
	opts    Options
}

func (d *tcpDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial tcp %s", d.address)
	}
	return newStreamConn(conn, conn.RemoteAddr(), conn.SetWriteDeadline, d.opts), nil
}

// streamConn frames any reliable byte stream with a length prefix.
type streamConn struct {
	id          string
	closer      io.Closer
	remote      net.Addr
	reader      *framing.StreamReader
	writer      *framing.StreamWriter
	setDeadline func(t time.Time) error
	opts        Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(rwc io.ReadWriteCloser, remote net.Addr, setDeadline func(time.Time) error, opts Options) *streamConn {
	return &streamConn{
		id:          uuid.NewString(),
		closer:      rwc,
		remote:      remote,
		reader:      framing.NewStreamReader(rwc, opts.maxFrameSize()),
		writer:      framing.NewStreamWriter(rwc, opts.maxFrameSize()),
		setDeadline: setDeadline,
		opts:        opts,
	}
}

func (c *streamConn) ID() string           { return c.id }
func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

func (c *streamConn) ReadFrame() ([]byte, error) {
	return c.reader.ReadFrame()
}

func (c *streamConn) WriteFrame(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.setDeadline != nil && c.opts.WriteTimeout > 0 {
		_ = c.setDeadline(c.opts.writeDeadline())
	}
	if err := c.writer.WriteFrame(body); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.closer.Close()
	})
	return c.closeErr
}

type tcpListener struct {
	ln   *net.TCPListener
	opts Options
}

func listenTCP(address string, opts Options) (Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve tcp %s", address)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen tcp %s", address)
	}
	return &tcpListener{ln: ln, opts: opts}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	// A past deadline unblocks Accept without closing the listener.
	stop := context.AfterFunc(ctx, func() { _ = l.ln.SetDeadline(time.Unix(1, 0)) })
	conn, err := l.ln.Accept()
	if !stop() {
		_ = l.ln.SetDeadline(time.Time{})
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, errors.Wrap(err, "accept tcp")
	}
	return newStreamConn(conn, conn.RemoteAddr(), conn.SetWriteDeadline, l.opts), nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Close() error   { return l.ln.Close() }
