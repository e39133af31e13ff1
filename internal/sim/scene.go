// Package sim is a headless scene of walking agents that drives the bridge
// when no game engine is attached.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/zeusync/simbridge/internal/config"
	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/registry"
)

const (
	LocationRadius  = 3.0
	CharacterRadius = 4.0
)

// Emitter accepts outbound payloads. The bridge satisfies it.
type Emitter interface {
	Emit(payload envelope.Payload) error
}

// Registrar accepts agents. The bridge satisfies it.
type Registrar interface {
	RegisterAgent(agent registry.Agent) error
}

// Pump runs the actions queued for the next tick.
type Pump interface {
	Tick() int
}

type Scene struct {
	logger           log.Log
	speed            float64
	positionInterval time.Duration

	areas   []envelope.Area
	cameras []string
	items   []string
	agents  []*Sphere

	mu          sync.Mutex
	emitter     Emitter
	sinceReport time.Duration
	elapsed     time.Duration
}

var _ registry.Environment = (*Scene)(nil)

func NewScene(scene config.SceneConfig, simulation config.SimulationConfig, logger log.Log) *Scene {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Scene{
		logger:           logger.With(log.String("component", "scene")),
		speed:            simulation.AgentSpeed,
		positionInterval: simulation.PositionInterval,
		areas:            scene.WireAreas(),
		cameras:          append([]string{}, scene.Cameras...),
		items:            append([]string{}, scene.Items...),
	}
	for _, a := range scene.Agents {
		s.agents = append(s.agents, newSphere(a.ID, envelope.Vec3(a.Start), s))
	}
	return s
}

func (s *Scene) Areas() []envelope.Area { return s.areas }
func (s *Scene) Cameras() []string      { return s.cameras }
func (s *Scene) Items() []string        { return s.items }

// Agents returns the scene's agents in config order.
func (s *Scene) Agents() []*Sphere { return s.agents }

func (s *Scene) Agent(id string) (*Sphere, bool) {
	for _, a := range s.agents {
		if a.id == id {
			return a, true
		}
	}
	return nil, false
}

// Attach sets the destination of every event the scene produces.
func (s *Scene) Attach(e Emitter) {
	s.mu.Lock()
	s.emitter = e
	s.mu.Unlock()
}

// Register hands every agent to r.
func (s *Scene) Register(r Registrar) error {
	for _, a := range s.agents {
		if err := r.RegisterAgent(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scene) emit(p envelope.Payload) {
	s.mu.Lock()
	e := s.emitter
	s.mu.Unlock()
	if e == nil {
		return
	}
	if err := e.Emit(p); err != nil {
		s.logger.Warn("Scene event rejected", log.String("kind", p.Kind().String()), log.Error(err))
	}
}

// Step advances the scene by dt: movement, proximity checks, and a position
// report for every agent once per position interval.
func (s *Scene) Step(dt time.Duration) {
	for _, a := range s.agents {
		a.step(dt, s.speed)
	}
	for _, a := range s.agents {
		a.proximity(s.areas, s.agents, LocationRadius, CharacterRadius)
	}

	s.mu.Lock()
	s.elapsed += dt
	report := false
	if s.positionInterval > 0 {
		s.sinceReport += dt
		if s.sinceReport >= s.positionInterval {
			s.sinceReport = 0
			report = true
		}
	}
	s.mu.Unlock()

	if report {
		for _, a := range s.agents {
			s.emit(envelope.PositionUpdate{AgentID: a.id, Position: a.Position()})
		}
	}
}

// Elapsed is the simulated time advanced so far.
func (s *Scene) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Run ticks at tickRate until ctx is done. Each tick first drains the pump,
// then steps the scene by the real time since the previous tick.
func (s *Scene) Run(ctx context.Context, pump Pump, tickRate int) error {
	if tickRate <= 0 {
		tickRate = 30
	}
	interval := time.Second / time.Duration(tickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Scene running", log.Int("agents", len(s.agents)), log.Int("tick_rate", tickRate))
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			if dt <= 0 {
				dt = interval
			}
			last = now

			pump.Tick()
			s.Step(dt)
		}
	}
}
