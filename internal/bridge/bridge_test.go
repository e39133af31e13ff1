package bridge

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/simbridge/internal/config"
	"github.com/zeusync/simbridge/internal/core/events/bus"
	"github.com/zeusync/simbridge/internal/core/observability/log"
	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
	"github.com/zeusync/simbridge/internal/core/protocol/framing"
	"github.com/zeusync/simbridge/internal/core/protocol/transport"
	"github.com/zeusync/simbridge/internal/core/registry"
	"github.com/zeusync/simbridge/internal/core/reqresp"
)

type testAgent struct {
	id string

	mu    sync.Mutex
	pos   envelope.Vec3
	moves []string
}

func (a *testAgent) ID() string { return a.id }

func (a *testAgent) Position() envelope.Vec3 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

func (a *testAgent) State() envelope.AgentState { return envelope.StateStanding }

func (a *testAgent) MoveTo(loc envelope.Location) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moves = append(a.moves, loc.Name)
	a.pos = loc.Coordinates
	return nil
}

func (a *testAgent) WaitAt(envelope.Location, time.Duration) error { return nil }
func (a *testAgent) Say(string, string) error                      { return nil }

func (a *testAgent) Moves() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.moves...)
}

var plaza = registry.StaticEnvironment{
	AreaList: []envelope.Area{{
		AreaName:  "Plaza",
		Locations: []envelope.Location{{Name: "Fountain", Coordinates: envelope.Vec3{1, 0, 2}}},
	}},
	CameraList: []string{"MainCam"},
}

func testConfig(t *testing.T, orchestrator string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Outbound.Transport = "tcp"
	cfg.Outbound.Address = orchestrator
	cfg.Outbound.RetryDelayRaw = "20ms"
	cfg.Requests.Address = "127.0.0.1:0"
	cfg.ShutdownTimeoutRaw = "2s"
	require.NoError(t, cfg.Finalize())
	return cfg
}

func orchestrator(t *testing.T) transport.Listener {
	t.Helper()
	ln, err := transport.Listen(transport.NetworkTCP, "127.0.0.1:0", transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func accept(t *testing.T, ln transport.Listener) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := ln.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func run(t *testing.T, b *Bridge) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()

	var once sync.Once
	var runErr error
	return func() error {
		once.Do(func() {
			stop()
			select {
			case runErr = <-errCh:
			case <-time.After(5 * time.Second):
				t.Error("bridge did not stop")
			}
		})
		return runErr
	}
}

func TestSetupFirstThenEventsInOrder(t *testing.T) {
	ln := orchestrator(t)

	start := time.Unix(1000, 0)
	now := start
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	b, err := New(testConfig(t, ln.Addr().String()), log.Nop(), plaza, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, b.RegisterAgent(&testAgent{id: "sphere_1"}))

	// Queued before the orchestrator is reachable.
	clockMu.Lock()
	now = start.Add(1500 * time.Millisecond)
	clockMu.Unlock()
	require.NoError(t, b.Emit(envelope.StateChange{AgentID: "sphere_1", State: envelope.StateWalking}))
	require.NoError(t, b.Emit(envelope.LocationReached{AgentID: "sphere_1", LocationName: "Fountain"}))
	require.NoError(t, b.EnqueueEvent(envelope.Envelope{
		Kind:      envelope.KindPositionUpdate,
		AgentID:   "sphere_1",
		Payload:   envelope.PositionUpdate{AgentID: "sphere_1"},
		Timestamp: 9,
	}))

	stop := run(t, b)
	defer stop()

	conn := accept(t, ln)

	first, err := framing.ReadEnvelope(conn)
	require.NoError(t, err)
	require.Equal(t, envelope.KindSetup, first.Kind)
	setup := first.Payload.(envelope.Setup)
	assert.Equal(t, []string{"sphere_1"}, setup.AgentIDs)
	assert.Equal(t, []string{"MainCam"}, setup.Cameras)

	var kinds []envelope.Kind
	var stamps []float64
	for i := 0; i < 3; i++ {
		env, err := framing.ReadEnvelope(conn)
		require.NoError(t, err)
		kinds = append(kinds, env.Kind)
		stamps = append(stamps, env.Timestamp)
	}
	assert.Equal(t, []envelope.Kind{envelope.KindStateChange, envelope.KindLocationReached, envelope.KindPositionUpdate}, kinds)
	assert.Equal(t, []float64{1.5, 1.5, 9}, stamps)

	assert.Eventually(t, func() bool { return b.ConnectionState() == "open" }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, "closing", b.ConnectionState())
}

func TestInboundCommandsRunOnTick(t *testing.T) {
	ln := orchestrator(t)
	core, logs := observer.New(zap.WarnLevel)

	b, err := New(testConfig(t, ln.Addr().String()), log.NewWithCore(core), plaza)
	require.NoError(t, err)
	agent := &testAgent{id: "sphere_1"}
	require.NoError(t, b.RegisterAgent(agent))

	commands := make(chan envelope.Envelope, 4)
	b.OnCommand(envelope.KindMoveToLocation, func(env envelope.Envelope) { commands <- env })

	stop := run(t, b)
	defer stop()

	conn := accept(t, ln)
	_, err = framing.ReadEnvelope(conn)
	require.NoError(t, err)

	require.NoError(t, framing.WriteEnvelope(conn, envelope.New(envelope.MoveToLocation{AgentID: "ghost", LocationName: "Fountain"})))
	require.NoError(t, framing.WriteEnvelope(conn, envelope.New(envelope.MoveToLocation{AgentID: "sphere_1", LocationName: "Fountain"})))

	require.Eventually(t, func() bool {
		b.Tick()
		return len(agent.Moves()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"Fountain"}, agent.Moves())
	assert.Equal(t, envelope.Vec3{1, 0, 2}, agent.Position())

	require.Eventually(t, func() bool {
		b.Tick()
		return len(commands) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "sphere_1", (<-commands).AgentID)
	assert.Equal(t, 1, logs.FilterMessage("Command for unknown agent").Len())
	assert.Equal(t, "open", b.ConnectionState())
}

func TestConnectionStateSubscription(t *testing.T) {
	ln := orchestrator(t)
	b, err := New(testConfig(t, ln.Addr().String()), log.Nop(), nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	_, err = b.OnConnectionState(func(change bus.ConnectionStateChange) {
		mu.Lock()
		seen = append(seen, change.To)
		mu.Unlock()
	})
	require.NoError(t, err)

	stop := run(t, b)
	accept(t, ln)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connecting", "open"}, seen[:2])
	assert.Equal(t, "closing", seen[len(seen)-1])
}

func TestBindFailureDisablesOnlyThatChannel(t *testing.T) {
	ln := orchestrator(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t, ln.Addr().String())
	cfg.Requests.Address = busy.Addr().String()
	cfg.Ingress.Enabled = true
	cfg.Ingress.Network = "tcp"
	cfg.Ingress.Address = "127.0.0.1:0"

	b, err := New(cfg, log.Nop(), plaza)
	require.NoError(t, err)

	disabled := make(chan bus.ChannelDisabled, 1)
	_, err = b.Events().Subscribe(bus.TypeChannelDisabled, func(event bus.Event) error {
		disabled <- event.Data().(bus.ChannelDisabled)
		return nil
	})
	require.NoError(t, err)

	stop := run(t, b)
	defer stop()

	select {
	case d := <-disabled:
		assert.Equal(t, ChannelRequests, d.Channel)
		assert.Error(t, d.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no channel disabled event")
	}
	assert.Contains(t, b.Disabled(), ChannelRequests)

	// The outbound channel and ingress are unaffected.
	accept(t, ln)
	require.Eventually(t, func() bool { return b.Ingress().Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	agent := &testAgent{id: "sphere_1"}
	require.NoError(t, b.RegisterAgent(agent))

	dialer, err := transport.NewDialer(transport.NetworkTCP, b.Ingress().Addr().String(), transport.Options{})
	require.NoError(t, err)
	push, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer push.Close()
	require.NoError(t, framing.WriteEnvelope(push, envelope.New(envelope.MoveToLocation{AgentID: "sphere_1", LocationName: "Fountain"})))

	assert.Eventually(t, func() bool {
		b.Tick()
		return len(agent.Moves()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestServerAnswersPosition(t *testing.T) {
	ln := orchestrator(t)
	b, err := New(testConfig(t, ln.Addr().String()), log.Nop(), plaza)
	require.NoError(t, err)
	require.NoError(t, b.RegisterAgent(&testAgent{id: "sphere_1", pos: envelope.Vec3{3, 0, 4}}))

	stop := run(t, b)
	defer stop()

	require.Eventually(t, func() bool { return b.Requests().Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := reqresp.Query(ctx, b.Requests().Addr().String(), []byte("get_position sphere_1"))
	require.NoError(t, err)
	require.Equal(t, envelope.KindResponse, resp.Kind)
	pos := resp.Payload.(envelope.Response).Position
	require.NotNil(t, pos)
	assert.Equal(t, envelope.Vec3{3, 0, 4}, *pos)

	resp, err = reqresp.Query(ctx, b.Requests().Addr().String(), []byte("get_weather"))
	require.NoError(t, err)
	assert.Equal(t, envelope.KindError, resp.Kind)
}

func TestEnqueueEventValidation(t *testing.T) {
	b, err := New(testConfig(t, "127.0.0.1:1"), log.Nop(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, b.EnqueueEvent(envelope.Envelope{}), envelope.ErrEmptyKind)
	assert.ErrorIs(t, b.EnqueueEvent(envelope.Envelope{Kind: envelope.KindSetup, Payload: envelope.StateChange{}}),
		envelope.ErrPayloadMismatch)
	assert.Error(t, b.Emit(nil))
	assert.Equal(t, 0, b.Queue().Len())
}

func TestRegisterAgentPublishesAndUpdatesSetup(t *testing.T) {
	b, err := New(testConfig(t, "127.0.0.1:1"), log.Nop(), plaza)
	require.NoError(t, err)

	events := make(chan string, 4)
	_, err = b.Events().Subscribe(bus.Wildcard, func(event bus.Event) error {
		events <- event.Type()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.RegisterAgent(&testAgent{id: "sphere_2"}))
	require.NoError(t, b.RegisterAgent(&testAgent{id: "sphere_1"}))
	assert.ErrorIs(t, b.RegisterAgent(&testAgent{id: "sphere_1"}), registry.ErrDuplicateAgent)
	assert.Equal(t, []string{"sphere_1", "sphere_2"}, b.Setup().AgentIDs)

	assert.True(t, b.UnregisterAgent("sphere_2"))
	assert.False(t, b.UnregisterAgent("sphere_2"))
	assert.Equal(t, []string{"sphere_1"}, b.Setup().AgentIDs)

	assert.Equal(t, bus.TypeAgentRegistered, <-events)
	assert.Equal(t, bus.TypeAgentRegistered, <-events)
	assert.Equal(t, bus.TypeAgentUnregistered, <-events)
}

func TestRunTwice(t *testing.T) {
	ln := orchestrator(t)
	b, err := New(testConfig(t, ln.Addr().String()), log.Nop(), nil)
	require.NoError(t, err)

	stop := run(t, b)
	accept(t, ln)
	assert.ErrorIs(t, b.Run(context.Background()), ErrAlreadyRunning)
	require.NoError(t, stop())
}
