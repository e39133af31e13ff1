// Package ingress accepts envelopes pushed by the orchestrator on a
// dedicated listener and routes them like the outbound connection's
// receiver does.
package ingress

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/observability/metrics"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/protocol/framing"
	"github.com/zeusync/simbridge/internal/core/protocol/transport"
)

// DefaultRetryDelay is the pause after a failed accept, and after a failed
// read on a datagram socket.
const DefaultRetryDelay = time.Second

type Router interface {
	Route(ctx context.Context, env envelope.Envelope) error
}

type Ingress struct {
	network transport.Network
	address string
	opts    transport.Options
	router  Router
	listen  func(transport.Network, string, transport.Options) (transport.Listener, error)

	retryDelay time.Duration

	logger   log.Log
	recorder metrics.Recorder

	mu sync.Mutex
	ln transport.Listener
}

type Option func(*Ingress)

func WithLogger(logger log.Log) Option {
	return func(i *Ingress) { i.logger = logger }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(i *Ingress) { i.recorder = metrics.OrNop(r) }
}

func WithRetryDelay(d time.Duration) Option {
	return func(i *Ingress) {
		if d > 0 {
			i.retryDelay = d
		}
	}
}

func WithTransportOptions(opts transport.Options) Option {
	return func(i *Ingress) { i.opts = opts }
}

func New(network transport.Network, address string, router Router, opts ...Option) *Ingress {
	i := &Ingress{
		network:  network,
		address:  address,
		router:     router,
		listen:     transport.Listen,
		retryDelay: DefaultRetryDelay,
		logger:     log.Nop(),
		recorder:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(log.String("component", "ingress"), log.String("network", string(network)))
	return i
}

// Listen binds the listener. A failure here disables only this channel.
func (i *Ingress) Listen() error {
	ln, err := i.listen(i.network, i.address, i.opts)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.ln = ln
	i.mu.Unlock()
	i.logger.Info("Ingress listening", log.String("addr", ln.Addr().String()))
	return nil
}

func (i *Ingress) Addr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ln == nil {
		return nil
	}
	return i.ln.Addr()
}

// Run binds and serves until ctx is done.
func (i *Ingress) Run(ctx context.Context) error {
	if err := i.Listen(); err != nil {
		return err
	}
	return i.Serve(ctx)
}

// Serve accepts connections and reads each until it closes. It returns once
// ctx is done and every reader has stopped.
func (i *Ingress) Serve(ctx context.Context) error {
	i.mu.Lock()
	ln := i.ln
	i.mu.Unlock()
	if ln == nil {
		return errors.New("ingress is not listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = ln.Close() })
	defer stop()

	g.Go(func() error {
		for {
			conn, err := ln.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
					return nil
				}
				i.logger.Warn("Ingress accept failed", log.Error(err))
				if !i.pause(gctx) {
					return nil
				}
				continue
			}
			g.Go(func() error {
				i.receive(gctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	i.logger.Info("Ingress stopped")
	return err
}

func (i *Ingress) receive(ctx context.Context, conn transport.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger := i.logger.With(log.String("conn_id", conn.ID()))
	logger.Debug("Ingress connection opened", log.Any("remote_addr", conn.RemoteAddr()))

	for {
		env, err := framing.ReadEnvelope(conn)
		if err != nil {
			if envelope.IsDecodeError(err) {
				logger.Warn("Dropping undecodable frame", log.Error(err))
				i.recorder.DecodeError(metrics.SourceIngress)
				i.recorder.EnvelopeDropped(metrics.ReasonDecodeError)
				continue
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				return
			}
			// The udp listener hands out its only socket once, so keep reading it.
			if i.network == transport.NetworkUDP {
				logger.Warn("Ingress read failed, retrying", log.Error(err), log.Duration("retry_delay", i.retryDelay))
				if i.pause(ctx) {
					continue
				}
				return
			}
			logger.Warn("Ingress connection failed", log.Error(err))
			return
		}

		i.recorder.EnvelopeReceived(metrics.SourceIngress, env.Kind.String())
		_ = i.router.Route(ctx, env)
	}
}

func (i *Ingress) pause(ctx context.Context) bool {
	t := time.NewTimer(i.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
