package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testObserver struct {
	mu        sync.Mutex
	delivered int
	lastErr   error
}

func (o *testObserver) OnDelivered(_ string, handlers int, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered += handlers
	o.lastErr = err
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	var got []ConnectionStateChange
	_, err := b.Subscribe(TypeConnectionState, func(e Event) error {
		got = append(got, e.Data().(ConnectionStateChange))
		return nil
	})
	require.NoError(t, err)

	change := ConnectionStateChange{Channel: "outbound", From: "disconnected", To: "connecting"}
	require.NoError(t, b.Publish(NewEvent(TypeConnectionState, "supervisor", change)))
	require.NoError(t, b.Publish(NewEvent(TypeAgentRegistered, "bridge", "sphere_1")))

	assert.Equal(t, []ConnectionStateChange{change}, got)
}

func TestDeliveryOrderAndWildcard(t *testing.T) {
	b := New()
	var order []string
	for _, name := range []string{"first", "second"} {
		_, err := b.Subscribe(TypeAgentRegistered, func(Event) error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}
	_, err := b.Subscribe(Wildcard, func(e Event) error {
		order = append(order, "wildcard:"+e.Type())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent(TypeAgentRegistered, "test", nil)))
	assert.Equal(t, []string{"first", "second", "wildcard:" + TypeAgentRegistered}, order)
}

func TestHandlerErrorsAndPanicsAreJoined(t *testing.T) {
	b := New()
	obs := &testObserver{}
	b.AddObserver(obs)

	handlerErr := errors.New("fail")
	_, _ = b.Subscribe("x", func(Event) error { return handlerErr })
	_, _ = b.Subscribe("x", func(Event) error { panic("boom") })
	reached := false
	_, _ = b.Subscribe("x", func(Event) error { reached = true; return nil })

	err := b.Publish(NewEvent("x", "src", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, handlerErr)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, reached)

	assert.Equal(t, 3, obs.delivered)
	assert.Equal(t, uint64(1), b.GetMetrics().Errors)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub, err := b.Subscribe("x", func(Event) error { calls++; return nil })
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, uint64(1), b.GetMetrics().Subscribers)

	require.NoError(t, b.Publish(NewEvent("x", "src", nil)))
	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, sub.Cancel())
	require.NoError(t, b.Publish(NewEvent("x", "src", nil)))

	assert.Equal(t, 1, calls)
	assert.False(t, sub.IsActive())
	assert.Zero(t, b.GetMetrics().Subscribers)
	assert.NoError(t, b.Unsubscribe(nil))
}

func TestPublishAsyncReturnsErrorChannel(t *testing.T) {
	b := New()
	handlerErr := errors.New("fail")
	_, err := b.Subscribe("x", func(Event) error { return handlerErr })
	require.NoError(t, err)

	select {
	case e := <-b.PublishAsync(NewEvent("x", "src", nil)):
		assert.ErrorIs(t, e, handlerErr)
	case <-time.After(time.Second):
		t.Fatal("async publish did not complete")
	}
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	_, err := New().Subscribe("x", nil)
	assert.Error(t, err)
}
