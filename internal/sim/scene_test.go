package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/simbridge/internal/config"
	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/registry"
)

type recorder struct {
	mu     sync.Mutex
	events []envelope.Payload
}

func (r *recorder) Emit(p envelope.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
	return nil
}

func (r *recorder) take() []envelope.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func kinds(events []envelope.Payload) []envelope.Kind {
	out := make([]envelope.Kind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind())
	}
	return out
}

func newTestScene(t *testing.T, interval time.Duration) (*Scene, *recorder) {
	t.Helper()
	s := NewScene(config.SceneConfig{
		Agents: []config.AgentConfig{
			{ID: "sphere_1", Start: [3]float64{0, 0, 0}},
			{ID: "sphere_2", Start: [3]float64{10, 0, 3.5}},
		},
		Areas: []config.AreaConfig{{
			Name: "Plaza",
			Locations: []config.LocationConfig{
				{Name: "Fountain", Coordinates: [3]float64{10, 0, 0}},
			},
		}},
		Cameras: []string{"MainCam"},
	}, config.SimulationConfig{AgentSpeed: 2, PositionInterval: interval}, log.Nop())

	rec := &recorder{}
	s.Attach(rec)
	return s, rec
}

func TestSceneIsEnvironment(t *testing.T) {
	s, _ := newTestScene(t, 0)

	loc, ok := registry.FindLocation(s, "Fountain")
	require.True(t, ok)
	assert.Equal(t, envelope.Vec3{10, 0, 0}, loc.Coordinates)
	assert.Equal(t, []string{"MainCam"}, s.Cameras())
	assert.NotNil(t, s.Items())

	agents := registry.NewAgents()
	require.NoError(t, s.Register(agents))
	assert.Equal(t, []string{"sphere_1", "sphere_2"}, agents.IDs())
	assert.ErrorIs(t, s.Register(agents), registry.ErrDuplicateAgent)
}

func TestWalkToLocation(t *testing.T) {
	s, rec := newTestScene(t, 0)
	a, ok := s.Agent("sphere_1")
	require.True(t, ok)

	fountain := envelope.Location{Name: "Fountain", Coordinates: envelope.Vec3{10, 0, 0}}
	require.NoError(t, a.MoveTo(fountain))
	assert.Equal(t, envelope.StateWalking, a.State())
	assert.Equal(t, []envelope.Kind{envelope.KindDestinationChange, envelope.KindStateChange}, kinds(rec.take()))

	// 2 units/s for 2s covers 4 of the 10 units.
	s.Step(2 * time.Second)
	assert.InDelta(t, 4, a.Position()[0], 1e-9)
	assert.Empty(t, rec.take())

	// Entering the 3 unit radius raises location_near once.
	s.Step(1500 * time.Millisecond)
	events := rec.take()
	require.Len(t, events, 1)
	near := events[0].(envelope.ProximityEvent)
	assert.Equal(t, envelope.ProximityLocation, near.EventType)
	assert.Equal(t, "Fountain", near.TargetID)
	assert.InDelta(t, 3, near.Distance, 1e-9)

	s.Step(10 * time.Second)
	events = rec.take()
	assert.Equal(t, []envelope.Kind{
		envelope.KindLocationReached, envelope.KindStateChange, envelope.KindProximityEvent, envelope.KindProximityEvent,
	}, kinds(events))
	assert.Equal(t, "Fountain", events[0].(envelope.LocationReached).LocationName)
	assert.Equal(t, envelope.StateStanding, events[1].(envelope.StateChange).State)

	// Both agents see each other.
	assert.Equal(t, envelope.ProximityEvent{
		AgentID: "sphere_1", EventType: envelope.ProximityCharacter, TargetID: "sphere_2", Distance: 3.5,
	}, events[2])
	assert.Equal(t, "sphere_1", events[3].(envelope.ProximityEvent).TargetID)
	assert.Equal(t, envelope.Vec3{10, 0, 0}, a.Position())
	assert.Equal(t, envelope.StateStanding, a.State())
}

func TestProximityHysteresis(t *testing.T) {
	s, rec := newTestScene(t, 0)
	a, _ := s.Agent("sphere_1")

	require.NoError(t, a.MoveTo(envelope.Location{Name: "Fountain", Coordinates: envelope.Vec3{10, 0, 0}}))
	s.Step(10 * time.Second)
	rec.take()

	// Standing still does not repeat the enter events.
	s.Step(time.Second)
	assert.Empty(t, rec.take())

	// Leave and come back: one new enter event per target.
	require.NoError(t, a.MoveTo(envelope.Location{Coordinates: envelope.Vec3{0, 0, 0}}))
	s.Step(10 * time.Second)
	rec.take()
	require.NoError(t, a.MoveTo(envelope.Location{Name: "Fountain", Coordinates: envelope.Vec3{10, 0, 0}}))
	rec.take()
	s.Step(10 * time.Second)

	var near []string
	for _, e := range rec.take() {
		if p, ok := e.(envelope.ProximityEvent); ok {
			near = append(near, p.TargetID)
		}
	}
	assert.ElementsMatch(t, []string{"Fountain", "sphere_2", "sphere_1"}, near)
}

func TestWaitAt(t *testing.T) {
	s, rec := newTestScene(t, 0)
	a, _ := s.Agent("sphere_1")

	require.NoError(t, a.WaitAt(envelope.Location{}, 2*time.Second))
	assert.True(t, a.Waiting())
	assert.Empty(t, rec.take(), "already standing")
	s.Step(2 * time.Second)
	assert.False(t, a.Waiting())

	require.NoError(t, a.WaitAt(envelope.Location{Name: "Fountain", Coordinates: envelope.Vec3{10, 0, 0}}, time.Second))
	assert.False(t, a.Waiting())
	s.Step(10 * time.Second)
	assert.True(t, a.Waiting())
	assert.Equal(t, envelope.Vec3{10, 0, 0}, a.Position())
}

func TestPositionUpdates(t *testing.T) {
	s, rec := newTestScene(t, time.Second)

	s.Step(600 * time.Millisecond)
	assert.Empty(t, rec.take())

	s.Step(600 * time.Millisecond)
	events := rec.take()
	require.Len(t, events, 2)
	assert.Equal(t, envelope.PositionUpdate{AgentID: "sphere_1", Position: envelope.Vec3{0, 0, 0}}, events[0])
	assert.Equal(t, envelope.PositionUpdate{AgentID: "sphere_2", Position: envelope.Vec3{10, 0, 3.5}}, events[1])
	assert.Equal(t, 1200*time.Millisecond, s.Elapsed())
}

func TestSay(t *testing.T) {
	s, _ := newTestScene(t, 0)
	a, _ := s.Agent("sphere_1")

	require.NoError(t, a.Say("sphere_2", "hello there"))
	assert.ErrorIs(t, a.Say("sphere_2", ""), ErrEmptyUtterance)
	assert.Equal(t, []Utterance{{ListenerID: "sphere_2", Text: "hello there"}}, a.Said())
}

func TestDetachedSceneDropsEvents(t *testing.T) {
	s := NewScene(config.SceneConfig{Agents: []config.AgentConfig{{ID: "a"}}}, config.SimulationConfig{AgentSpeed: 1}, nil)
	a, _ := s.Agent("a")
	require.NoError(t, a.MoveTo(envelope.Location{Coordinates: envelope.Vec3{1, 0, 0}}))
	s.Step(time.Second)
	assert.Equal(t, envelope.Vec3{1, 0, 0}, a.Position())
}

type countingPump struct{ n atomic.Int32 }

func (p *countingPump) Tick() int {
	p.n.Add(1)
	return 0
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s, _ := newTestScene(t, 0)
	pump := &countingPump{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, pump, 100) }()

	require.Eventually(t, func() bool { return pump.n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scene did not stop")
	}
	assert.Positive(t, s.Elapsed())
}
