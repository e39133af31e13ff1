// Package supervisor owns the outbound connection: it connects, performs the
// setup handshake, pumps the outbound queue, feeds inbound envelopes to the
// router and reconnects after a fixed delay.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/simbridge/internal/core/events/bus"
	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/observability/metrics"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/protocol/framing"
	"github.com/zeusync/simbridge/internal/core/protocol/transport"
	"github.com/zeusync/simbridge/internal/core/queue"
)

const DefaultRetryDelay = 5 * time.Second

var (
	ErrConnectInFlight = errors.New("connect already in progress")
	ErrClosing         = errors.New("supervisor is closing")
	ErrPeerClosed      = errors.New("peer closed the connection")
)

// Router receives every decoded inbound envelope.
type Router interface {
	Route(ctx context.Context, env envelope.Envelope) error
}

// SetupFunc builds the handshake payload at connect time.
type SetupFunc func() envelope.Setup

type Supervisor struct {
	dialer     transport.Dialer
	queue      *queue.Outbound
	router     Router
	setup      SetupFunc
	retryDelay time.Duration
	channel    string

	logger   log.Log
	recorder metrics.Recorder
	events   bus.EventBus

	mu     sync.Mutex
	state  State
	conn   transport.Conn
	connID string
}

type Option func(*Supervisor)

func WithLogger(logger log.Log) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(s *Supervisor) { s.recorder = metrics.OrNop(r) }
}

// WithEventBus publishes every state transition on b.
func WithEventBus(b bus.EventBus) Option {
	return func(s *Supervisor) { s.events = b }
}

// WithChannel names the channel in logs and events. Defaults to "outbound".
func WithChannel(name string) Option {
	return func(s *Supervisor) { s.channel = name }
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

func New(dialer transport.Dialer, q *queue.Outbound, router Router, setup SetupFunc, opts ...Option) *Supervisor {
	s := &Supervisor{
		dialer:     dialer,
		queue:      q,
		router:     router,
		setup:      setup,
		retryDelay: DefaultRetryDelay,
		channel:    "outbound",
		logger:     log.Nop(),
		recorder:   metrics.Nop{},
		state:      Disconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(log.String("component", "supervisor"), log.String("channel", s.channel))
	s.recorder.ConnectionState(Disconnected.String())
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnID is the id of the open connection, or empty.
func (s *Supervisor) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// transition is the only place state changes. It fails unless the current
// state is from and the move is legal.
func (s *Supervisor) transition(from, to State) bool {
	s.mu.Lock()
	if s.state != from || !canTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	connID := s.connID
	s.mu.Unlock()

	s.logger.Debug("Connection state changed",
		log.String("from", from.String()), log.String("to", to.String()), log.String("conn_id", connID))
	s.recorder.ConnectionState(to.String())
	if s.events != nil {
		err := s.events.Publish(bus.NewEvent(bus.TypeConnectionState, "supervisor", bus.ConnectionStateChange{
			Channel: s.channel,
			From:    from.String(),
			To:      to.String(),
			ConnID:  connID,
		}))
		if err != nil {
			s.logger.Warn("Connection state subscriber failed", log.Error(err))
		}
	}
	return true
}

// Connect makes one connection attempt and sends the setup handshake. It is
// refused unless the supervisor is Disconnected.
func (s *Supervisor) Connect(ctx context.Context) (transport.Conn, error) {
	if !s.transition(Disconnected, Connecting) {
		if s.State() == Closing {
			return nil, ErrClosing
		}
		return nil, ErrConnectInFlight
	}

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.transition(Connecting, Disconnected)
		return nil, err
	}

	s.mu.Lock()
	s.conn, s.connID = conn, conn.ID()
	s.mu.Unlock()

	if !s.transition(Connecting, Open) {
		s.dropConn(conn)
		return nil, ErrClosing
	}

	if err = framing.WriteEnvelope(conn, envelope.New(s.setup())); err != nil {
		s.dropConn(conn)
		s.transition(Open, Disconnected)
		return nil, fmt.Errorf("send setup: %w", err)
	}
	s.recorder.EnvelopeSent(envelope.KindSetup.String())

	s.logger.Info("Connected", log.String("conn_id", conn.ID()), log.Any("remote_addr", conn.RemoteAddr()))
	return conn, nil
}

func (s *Supervisor) dropConn(conn transport.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn, s.connID = nil, ""
	}
	s.mu.Unlock()
}

// Run connects and reconnects until ctx is done, then moves to Closing.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.Close()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			s.recorder.Reconnect()
		}

		conn, err := s.Connect(ctx)
		switch {
		case errors.Is(err, ErrClosing):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Connect failed", log.Error(err), log.Duration("retry_in", s.retryDelay))
		default:
			err = s.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Connection lost", log.String("conn_id", conn.ID()), log.Error(err),
				log.Duration("retry_in", s.retryDelay), log.Int("queued", s.queue.Len()))
		}

		if !sleep(ctx, s.retryDelay) {
			return nil
		}
	}
}

// Close moves to Closing and closes any open connection to unblock I/O.
func (s *Supervisor) Close() {
	for {
		cur := s.State()
		if cur == Closing {
			break
		}
		if s.transition(cur, Closing) {
			break
		}
	}

	s.mu.Lock()
	conn := s.conn
	s.conn, s.connID = nil, ""
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// serve runs the sender and receiver until either fails or ctx ends.
func (s *Supervisor) serve(ctx context.Context, conn transport.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	g.Go(func() error { return s.sendLoop(gctx, conn) })
	g.Go(func() error { return s.receiveLoop(gctx, conn) })
	err := g.Wait()

	s.dropConn(conn)
	s.transition(Open, Disconnected)
	return err
}

func (s *Supervisor) sendLoop(ctx context.Context, conn transport.Conn) error {
	for {
		item, err := s.queue.Peek(ctx)
		if err != nil {
			return err
		}

		body, err := envelope.Encode(item.Envelope)
		if err != nil {
			s.logger.Error("Dropping unencodable envelope", log.Uint64("seq", item.Seq),
				log.String("kind", item.Envelope.Kind.String()), log.Error(err))
			s.recorder.EnvelopeDropped(metrics.ReasonHandlerError)
			s.queue.Ack(item.Seq)
			continue
		}

		if err = conn.WriteFrame(body); err != nil {
			return fmt.Errorf("write %s: %w", item.Envelope.Kind, err)
		}
		s.queue.Ack(item.Seq)
		s.recorder.EnvelopeSent(item.Envelope.Kind.String())
	}
}

func (s *Supervisor) receiveLoop(ctx context.Context, conn transport.Conn) error {
	for {
		env, err := framing.ReadEnvelope(conn)
		if err != nil {
			if envelope.IsDecodeError(err) {
				s.logger.Warn("Dropping undecodable frame", log.String("conn_id", conn.ID()), log.Error(err))
				s.recorder.DecodeError(metrics.SourceOutbound)
				s.recorder.EnvelopeDropped(metrics.ReasonDecodeError)
				continue
			}
			if errors.Is(err, io.EOF) {
				return ErrPeerClosed
			}
			return err
		}

		s.recorder.EnvelopeReceived(metrics.SourceOutbound, env.Kind.String())
		_ = s.router.Route(ctx, env)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
