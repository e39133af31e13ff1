// Package bridge assembles the outbound supervisor, request server and
// ingress listener into the single object the simulation talks to.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/simbridge/internal/config"
	"github.com/zeusync/simbridge/internal/core/dispatch"
	"github.com/zeusync/simbridge/internal/core/events/bus"
	"github.com/zeusync/simbridge/internal/core/ingress"
	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/observability/metrics"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/protocol/transport"
	"github.com/zeusync/simbridge/internal/core/queue"
	"github.com/zeusync/simbridge/internal/core/registry"
	"github.com/zeusync/simbridge/internal/core/reqresp"
	"github.com/zeusync/simbridge/internal/core/router"
	"github.com/zeusync/simbridge/internal/core/supervisor"
)

const (
	ChannelOutbound = "outbound"
	ChannelRequests = "requests"
	ChannelIngress  = "ingress"
	ChannelMetrics  = "metrics"
)

var (
	ErrShutdownTimeout = errors.New("shutdown timed out")
	ErrAlreadyRunning  = errors.New("bridge is already running")
)

type Bridge struct {
	cfg      *config.Config
	logger   log.Log
	recorder metrics.Recorder
	prom     *metrics.Prometheus
	events   bus.EventBus
	dialer   transport.Dialer
	now      func() time.Time
	started  time.Time

	agents     *registry.Agents
	env        registry.Environment
	ticks      *dispatch.TickQueue
	queue      *queue.Outbound
	router     *router.Router
	supervisor *supervisor.Supervisor
	requests   *reqresp.Server
	ingress    *ingress.Ingress

	mu       sync.Mutex
	running  bool
	disabled map[string]error
}

type Option func(*Bridge)

// WithDialer replaces the dialer built from the outbound config.
func WithDialer(d transport.Dialer) Option {
	return func(b *Bridge) { b.dialer = d }
}

// WithEventBus shares an existing bus instead of creating one.
func WithEventBus(events bus.EventBus) Option {
	return func(b *Bridge) { b.events = events }
}

// WithPrometheus records into p. Without it a registry is created only when
// metrics are enabled in the config.
func WithPrometheus(p *metrics.Prometheus) Option {
	return func(b *Bridge) { b.prom = p }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New builds a bridge from cfg. env describes the scene sent in the setup
// handshake and may be nil.
func New(cfg *config.Config, logger log.Log, env registry.Environment, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = log.Nop()
	}

	b := &Bridge{
		cfg:      cfg,
		logger:   logger.With(log.String("component", "bridge")),
		env:      env,
		now:      time.Now,
		agents:   registry.NewAgents(),
		disabled: make(map[string]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.started = b.now()

	if b.events == nil {
		b.events = bus.New()
	}
	if b.prom == nil && cfg.Metrics.Enabled {
		b.prom = metrics.NewPrometheus()
	}
	if b.prom != nil {
		b.recorder = b.prom
	} else {
		b.recorder = metrics.Nop{}
	}

	if b.dialer == nil {
		network, err := transport.ParseNetwork(cfg.Outbound.Transport)
		if err != nil {
			return nil, fmt.Errorf("outbound transport: %w", err)
		}
		b.dialer, err = transport.NewDialer(network, cfg.Outbound.Address, cfg.TransportOptions())
		if err != nil {
			return nil, fmt.Errorf("outbound dialer: %w", err)
		}
	}

	b.ticks = dispatch.NewTickQueue(logger)
	b.queue = queue.New(
		queue.WithCapacity(cfg.Outbound.QueueCapacity),
		queue.WithLogger(logger),
		queue.WithRecorder(b.recorder),
	)
	b.router = router.New(b.agents, env, b.ticks,
		router.WithLogger(logger),
		router.WithRecorder(b.recorder),
	)
	b.supervisor = supervisor.New(b.dialer, b.queue, b.router, b.Setup,
		supervisor.WithLogger(logger),
		supervisor.WithRecorder(b.recorder),
		supervisor.WithEventBus(b.events),
		supervisor.WithChannel(ChannelOutbound),
		supervisor.WithRetryDelay(cfg.Outbound.RetryDelay),
	)

	if cfg.Requests.Enabled {
		b.requests = reqresp.NewServer(
			reqresp.WithLogger(logger),
			reqresp.WithRecorder(b.recorder),
			reqresp.WithMaxRequestSize(cfg.Requests.MaxRequestSize),
			reqresp.WithReadTimeout(cfg.Requests.ReadTimeout),
		)
		reqresp.RegisterDefaults(b.requests, b.agents, b.ConnectionState)
	}

	if cfg.Ingress.Enabled {
		network, err := transport.ParseNetwork(cfg.Ingress.Network)
		if err != nil {
			return nil, fmt.Errorf("ingress network: %w", err)
		}
		b.ingress = ingress.New(network, cfg.Ingress.Address, b.router,
			ingress.WithLogger(logger),
			ingress.WithRecorder(b.recorder),
			ingress.WithTransportOptions(transport.Options{MaxFrameSize: cfg.Outbound.MaxFrameSize}),
		)
	}

	return b, nil
}

// EnqueueEvent stamps env with the bridge clock when it carries no
// timestamp and appends it to the outbound queue. It never blocks.
func (b *Bridge) EnqueueEvent(env envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Timestamp == 0 {
		env.Timestamp = b.timestamp()
	}
	b.queue.Enqueue(env)
	return nil
}

// Emit wraps payload in an envelope and enqueues it.
func (b *Bridge) Emit(payload envelope.Payload) error {
	if payload == nil {
		return envelope.ErrEmptyKind
	}
	return b.EnqueueEvent(envelope.New(payload))
}

// timestamp is the bridge clock in seconds since New.
func (b *Bridge) timestamp() float64 {
	return b.now().Sub(b.started).Seconds()
}

// RegisterAgent makes agent addressable by commands and requests. Agents
// registered while connected are announced on the next handshake.
func (b *Bridge) RegisterAgent(agent registry.Agent) error {
	if err := b.agents.Register(agent); err != nil {
		return err
	}
	b.publish(bus.TypeAgentRegistered, agent.ID())
	return nil
}

func (b *Bridge) UnregisterAgent(id string) bool {
	if !b.agents.Unregister(id) {
		return false
	}
	b.publish(bus.TypeAgentUnregistered, id)
	return true
}

// OnCommand runs fn on the simulation tick after every successfully routed
// envelope of kind.
func (b *Bridge) OnCommand(kind envelope.Kind, fn router.Callback) {
	b.router.OnCommand(kind, fn)
}

// OnConnectionState subscribes fn to outbound connection transitions.
func (b *Bridge) OnConnectionState(fn func(bus.ConnectionStateChange)) (bus.Subscription, error) {
	return b.events.Subscribe(bus.TypeConnectionState, func(event bus.Event) error {
		if change, ok := event.Data().(bus.ConnectionStateChange); ok {
			fn(change)
		}
		return nil
	})
}

// Tick runs the actions posted since the previous tick on the caller's
// goroutine and reports how many ran.
func (b *Bridge) Tick() int {
	return b.ticks.Drain()
}

// Setup is the handshake payload for the current roster and scene.
func (b *Bridge) Setup() envelope.Setup {
	return registry.SetupPayload(b.agents, b.env)
}

func (b *Bridge) ConnectionState() string {
	return b.supervisor.State().String()
}

func (b *Bridge) Agents() *registry.Agents  { return b.agents }
func (b *Bridge) Events() bus.EventBus      { return b.events }
func (b *Bridge) Queue() *queue.Outbound    { return b.queue }
func (b *Bridge) Router() *router.Router    { return b.router }
func (b *Bridge) Requests() *reqresp.Server { return b.requests }
func (b *Bridge) Ingress() *ingress.Ingress { return b.ingress }

// Disabled reports the channels that failed to start and why.
func (b *Bridge) Disabled() map[string]error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]error, len(b.disabled))
	for k, v := range b.disabled {
		out[k] = v
	}
	return out
}

// Run starts every enabled channel and blocks until ctx is done. A channel
// that cannot bind is logged and disabled; the others keep running. After
// cancellation it waits at most the configured shutdown timeout.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.supervisor.Run(gctx) })

	if b.requests != nil {
		if err := b.requests.Listen(b.cfg.Requests.Address); err != nil {
			b.disable(ChannelRequests, err)
		} else {
			g.Go(func() error { return b.requests.Serve(gctx) })
		}
	}

	if b.ingress != nil {
		if err := b.ingress.Listen(); err != nil {
			b.disable(ChannelIngress, err)
		} else {
			g.Go(func() error { return b.ingress.Serve(gctx) })
		}
	}

	if b.prom != nil && b.cfg.Metrics.Enabled {
		g.Go(func() error {
			if err := b.prom.Serve(gctx, b.cfg.Metrics.Address, b.cfg.Metrics.Path); err != nil {
				b.disable(ChannelMetrics, err)
			}
			return nil
		})
	}

	b.logger.Info("Bridge running",
		log.String("outbound", b.cfg.Outbound.Address),
		log.String("transport", b.cfg.Outbound.Transport))

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	timeout := b.cfg.ShutdownTimeout
	if timeout <= 0 {
		return <-done
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		b.logger.Info("Bridge stopped", log.Int("unsent", b.queue.Len()))
		return err
	case <-timer.C:
		b.logger.Warn("Shutdown timed out, abandoning workers", log.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}

func (b *Bridge) disable(channel string, err error) {
	b.mu.Lock()
	b.disabled[channel] = err
	b.mu.Unlock()

	b.logger.Error("Channel disabled", log.String("channel", channel), log.Error(err))
	b.publish(bus.TypeChannelDisabled, bus.ChannelDisabled{Channel: channel, Err: err})
}

func (b *Bridge) publish(typ string, data any) {
	if err := b.events.Publish(bus.NewEvent(typ, "bridge", data)); err != nil {
		b.logger.Warn("Event subscriber failed", log.String("type", typ), log.Error(err))
	}
}
