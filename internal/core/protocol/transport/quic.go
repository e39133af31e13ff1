package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on quic connections.
const ALPN = "simbridge"

const (
	quicKeepAlive   = 15 * time.Second
	quicIdleTimeout = 30 * time.Second
	// quicCloseGrace bounds how long Close waits for the peer to drain the
	// stream before the connection is torn down.
	quicCloseGrace = 250 * time.Millisecond
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	}
}

// ClientTLS returns the TLS config used to dial quic when none is supplied.
func ClientTLS(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure, //nolint:gosec // development peers use self-signed certs
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

// GenerateSelfSignedTLS builds a server TLS config for development use.
func GenerateSelfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"simbridge"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

type quicDialer struct {
	address string
	opts    Options
}

func (d *quicDialer) Dial(ctx context.Context) (Conn, error) {
	tlsConf := d.opts.TLSConfig
	if tlsConf == nil {
		tlsConf = ClientTLS(d.opts.Insecure)
	}

	conn, err := quic.DialAddr(ctx, d.address, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "dial quic %s", d.address)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, errors.Wrap(err, "open quic stream")
	}
	return newQUICConn(conn, stream, d.opts), nil
}

// quicConn carries length-prefixed frames on a single bidirectional stream.
type quicConn struct {
	*streamConn
	conn *quic.Conn
	once sync.Once
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream, opts Options) *quicConn {
	return &quicConn{
		streamConn: newStreamConn(stream, conn.RemoteAddr(), stream.SetWriteDeadline, opts),
		conn:       conn,
	}
}

func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.streamConn.Close()
		t := time.NewTimer(quicCloseGrace)
		select {
		case <-c.conn.Context().Done():
		case <-t.C:
		}
		t.Stop()
		err = c.conn.CloseWithError(0, "closed")
	})
	return err
}

// quicListener accepts connections in the background. Each connection gets
// its own goroutine waiting for the peer's first stream, so a peer that
// connects and stays silent does not hold up the others.
type quicListener struct {
	ln    *quic.Listener
	opts  Options
	conns chan *quicConn

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	err     error
}

func listenQUIC(address string, opts Options) (Listener, error) {
	tlsConf := opts.TLSConfig
	if tlsConf == nil {
		var err error
		if tlsConf, err = GenerateSelfSignedTLS(); err != nil {
			return nil, err
		}
	}

	ln, err := quic.ListenAddr(address, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "listen quic %s", address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:      ln,
		opts:    opts,
		conns:   make(chan *quicConn),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) acceptLoop() {
	defer close(l.stopped)
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.err = err
			return
		}
		go l.awaitStream(conn)
	}
}

// awaitStream waits for the peer's first stream. The stream becomes visible
// once the peer writes to it; peers silent for longer than the idle timeout
// are dropped.
func (l *quicListener) awaitStream(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, quicIdleTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	qc := newQUICConn(conn, stream, l.opts)
	select {
	case l.conns <- qc:
	case <-l.ctx.Done():
		_ = qc.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.stopped:
		if l.ctx.Err() != nil || errors.Is(l.err, quic.ErrServerClosed) || errors.Is(l.err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, errors.Wrap(l.err, "accept quic")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	l.cancel()
	return l.ln.Close()
}
