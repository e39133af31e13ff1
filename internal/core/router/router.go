// Package router dispatches decoded inbound envelopes to their handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeusync/simbridge/internal/core/dispatch"
	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/observability/metrics"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/registry"
)

var (
	ErrUnknownKind     = errors.New("no handler for kind")
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrUnknownLocation = errors.New("unknown location")
	ErrMissingPayload  = errors.New("command has no payload")
)

// Handler validates a command and posts its side effects to the tick
// queue. It runs on a network goroutine.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Callback observes a routed command on the simulation tick.
type Callback func(env envelope.Envelope)

type Router struct {
	mu        sync.RWMutex
	handlers  map[envelope.Kind]Handler
	callbacks map[envelope.Kind][]Callback

	agents   *registry.Agents
	env      registry.Environment
	ticks    dispatch.Poster
	logger   log.Log
	recorder metrics.Recorder
}

type Option func(*Router)

func WithLogger(logger log.Log) Option {
	return func(r *Router) { r.logger = logger }
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Router) { r.recorder = metrics.OrNop(rec) }
}

// New builds a router with the built-in move_to_location, wait_at_location
// and conversation handlers.
func New(agents *registry.Agents, env registry.Environment, ticks dispatch.Poster, opts ...Option) *Router {
	r := &Router{
		handlers:  make(map[envelope.Kind]Handler),
		callbacks: make(map[envelope.Kind][]Callback),
		agents:    agents,
		env:       env,
		ticks:     ticks,
		logger:    log.Nop(),
		recorder:  metrics.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(log.String("component", "router"))

	r.handlers[envelope.KindMoveToLocation] = r.handleMove
	r.handlers[envelope.KindWaitAtLocation] = r.handleWait
	r.handlers[envelope.KindConversation] = r.handleConversation
	return r
}

// Handle installs or replaces the handler for kind.
func (r *Router) Handle(kind envelope.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// OnCommand registers fn to run on the tick after each successfully routed
// envelope of kind.
func (r *Router) OnCommand(kind envelope.Kind, fn Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[kind] = append(r.callbacks[kind], fn)
}

// Route dispatches env. Errors are already logged; callers only use them to
// count outcomes.
func (r *Router) Route(ctx context.Context, env envelope.Envelope) error {
	r.mu.RLock()
	handler := r.handlers[env.Kind]
	callbacks := append([]Callback(nil), r.callbacks[env.Kind]...)
	r.mu.RUnlock()

	fields := []log.Field{log.String("kind", env.Kind.String()), log.String("agent_id", env.Subject())}

	if handler == nil && len(callbacks) == 0 {
		r.logger.Warn("No handler for inbound envelope", fields...)
		r.recorder.EnvelopeDropped(metrics.ReasonUnknownKind)
		return fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind)
	}

	if handler != nil {
		if err := handler(ctx, env); err != nil {
			if errors.Is(err, ErrUnknownAgent) {
				r.logger.Warn("Command for unknown agent", append(fields, log.Error(err))...)
				r.recorder.EnvelopeDropped(metrics.ReasonUnknownAgent)
			} else {
				r.logger.Warn("Command rejected", append(fields, log.Error(err))...)
				r.recorder.EnvelopeDropped(metrics.ReasonHandlerError)
			}
			return err
		}
	}

	for _, cb := range callbacks {
		r.ticks.Post(func() { cb(env) })
	}
	r.logger.Debug("Routed inbound envelope", fields...)
	return nil
}

func (r *Router) lookup(id string) (registry.Agent, error) {
	agent, ok := r.agents.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return agent, nil
}

func (r *Router) location(name string) (envelope.Location, error) {
	loc, ok := registry.FindLocation(r.env, name)
	if !ok {
		return envelope.Location{}, fmt.Errorf("%w: %q", ErrUnknownLocation, name)
	}
	return loc, nil
}

func (r *Router) handleMove(_ context.Context, env envelope.Envelope) error {
	cmd, ok := env.Payload.(envelope.MoveToLocation)
	if !ok {
		return ErrMissingPayload
	}
	agent, err := r.lookup(env.Subject())
	if err != nil {
		return err
	}
	loc, err := r.location(cmd.LocationName)
	if err != nil {
		return err
	}

	r.ticks.Post(func() {
		if err := agent.MoveTo(loc); err != nil {
			r.logger.Warn("Agent refused move", log.String("agent_id", agent.ID()),
				log.String("location", loc.Name), log.Error(err))
		}
	})
	return nil
}

// handleWait waits in place when no location name is given.
func (r *Router) handleWait(_ context.Context, env envelope.Envelope) error {
	cmd, ok := env.Payload.(envelope.WaitAtLocation)
	if !ok {
		return ErrMissingPayload
	}
	agent, err := r.lookup(env.Subject())
	if err != nil {
		return err
	}

	loc := envelope.Location{Coordinates: agent.Position()}
	if cmd.LocationName != "" {
		if loc, err = r.location(cmd.LocationName); err != nil {
			return err
		}
	}
	d := secondsToDuration(cmd.DurationSeconds)

	r.ticks.Post(func() {
		if err := agent.WaitAt(loc, d); err != nil {
			r.logger.Warn("Agent refused wait", log.String("agent_id", agent.ID()),
				log.String("location", loc.Name), log.Error(err))
		}
	})
	return nil
}

func (r *Router) handleConversation(_ context.Context, env envelope.Envelope) error {
	cmd, ok := env.Payload.(envelope.Conversation)
	if !ok {
		return ErrMissingPayload
	}
	speaker, err := r.lookup(cmd.SpeakerID)
	if err != nil {
		return err
	}

	r.ticks.Post(func() {
		if err := speaker.Say(cmd.ListenerID, cmd.Text); err != nil {
			r.logger.Warn("Agent could not speak", log.String("agent_id", speaker.ID()),
				log.String("listener_id", cmd.ListenerID), log.Error(err))
		}
	})
	return nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	if s >= math.MaxInt64/float64(time.Second) {
		return math.MaxInt64
	}
	return time.Duration(s * float64(time.Second))
}
