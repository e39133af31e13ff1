package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const defaultWebSocketPath = "/ws"

// closeWriteWait bounds the close handshake when a write is stuck.
const closeWriteWait = time.Second

type webSocketDialer struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
}

func newWebSocketDialer(address string, opts Options) (*webSocketDialer, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrapf(err, "parse websocket url %q", address)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("websocket url %q must use ws or wss", address)
	}
	return &webSocketDialer{
		url:    address,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}, nil
}

func (d *webSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial websocket %s", d.url)
	}
	return NewWebSocketConn(conn, d.opts), nil
}

// WebSocketConn carries one envelope per text message.
type WebSocketConn struct {
	id   string
	conn *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established gorilla connection from either side.
func NewWebSocketConn(conn *websocket.Conn, opts Options) *WebSocketConn {
	conn.SetReadLimit(int64(opts.maxFrameSize()))
	return &WebSocketConn{
		id:   uuid.NewString(),
		conn: conn,
		opts: opts,
	}
}

func (c *WebSocketConn) ID() string           { return c.id }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *WebSocketConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, "read websocket message")
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WebSocketConn) WriteFrame(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(c.opts.writeDeadline())
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return errors.Wrap(err, "write websocket message")
	}
	return nil
}

// Close sends a normal close frame when possible and releases the socket.
// It does not wait for writeMu, so it also unblocks a WriteFrame stuck on a
// peer that stopped reading.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

type webSocketListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	opts     Options
	conns    chan *WebSocketConn
	done     chan struct{}
	once     sync.Once
}

func listenWebSocket(address string, opts Options) (Listener, error) {
	host, path := address, defaultWebSocketPath
	if i := strings.Index(address, "/"); i >= 0 {
		host, path = address[:i], address[i:]
	}

	ln, err := net.Listen("tcp", host)
	if err != nil {
		return nil, errors.Wrapf(err, "listen websocket %s", host)
	}

	l := &webSocketListener{
		ln:    ln,
		opts:  opts,
		conns: make(chan *WebSocketConn),
		done:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux}

	go func() { _ = l.server.Serve(ln) }()
	return l, nil
}

func (l *webSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wc := NewWebSocketConn(conn, l.opts)
	select {
	case l.conns <- wc:
	case <-l.done:
		_ = wc.Close()
	case <-r.Context().Done():
		_ = wc.Close()
	}
}

func (l *webSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *webSocketListener) Addr() net.Addr { return l.ln.Addr() }

func (l *webSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}
