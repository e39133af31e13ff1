// Package transport adapts byte streams and message sockets to framed
// connections carrying one encoded envelope per frame.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/simbridge/internal/core/protocol/framing"
)

type Network string

const (
	NetworkTCP       Network = "tcp"
	NetworkUDP       Network = "udp"
	NetworkWebSocket Network = "websocket"
	NetworkQUIC      Network = "quic"
)

var (
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrClosed             = errors.New("transport closed")
)

// ParseNetwork accepts the config spelling of a network. "ws" is an alias
// for websocket.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(strings.ToLower(strings.TrimSpace(s))); n {
	case NetworkTCP, NetworkUDP, NetworkWebSocket, NetworkQUIC:
		return n, nil
	case "ws":
		return NetworkWebSocket, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedNetwork, "%q", s)
	}
}

// Conn is one established, framed connection.
type Conn interface {
	framing.FrameReader
	framing.FrameWriter
	ID() string
	RemoteAddr() net.Addr
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type Options struct {
	MaxFrameSize int
	WriteTimeout time.Duration
	// TLSConfig is used by quic. Dialers fall back to ClientTLS and
	// listeners to a self-signed development certificate.
	TLSConfig *tls.Config
	// Insecure skips server certificate verification when dialing quic.
	Insecure bool
}

func (o Options) maxFrameSize() int {
	if o.MaxFrameSize <= 0 {
		return framing.DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

func (o Options) writeDeadline() time.Time {
	if o.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(o.WriteTimeout)
}

// NewDialer returns a dialer for the given network. For websocket the
// address is a ws:// or wss:// URL; for the others it is host:port.
func NewDialer(network Network, address string, opts Options) (Dialer, error) {
	switch network {
	case NetworkTCP:
		return &tcpDialer{address: address, opts: opts}, nil
	case NetworkUDP:
		return &udpDialer{address: address, opts: opts}, nil
	case NetworkWebSocket:
		return newWebSocketDialer(address, opts)
	case NetworkQUIC:
		return &quicDialer{address: address, opts: opts}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedNetwork, "%q", network)
	}
}

// Listen binds a listener for the given network. For websocket the address
// may carry a path ("host:port/ws"); it defaults to /ws.
func Listen(network Network, address string, opts Options) (Listener, error) {
	switch network {
	case NetworkTCP:
		return listenTCP(address, opts)
	case NetworkUDP:
		return listenUDP(address, opts)
	case NetworkWebSocket:
		return listenWebSocket(address, opts)
	case NetworkQUIC:
		return listenQUIC(address, opts)
	default:
		return nil, errors.Wrapf(ErrUnsupportedNetwork, "%q", network)
	}
}
