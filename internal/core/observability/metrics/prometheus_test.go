package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCounters(t *testing.T) {
	p := NewPrometheus()

	p.EnvelopeSent("setup")
	p.EnvelopeSent("setup")
	p.EnvelopeReceived(SourceOutbound, "move_to_location")
	p.DecodeError(SourceIngress)
	p.EnvelopeDropped(ReasonQueueFull)
	p.QueueDepth(7)
	p.Reconnect()
	p.Request("get_position", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.sent.WithLabelValues("setup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.received.WithLabelValues(SourceOutbound, "move_to_location")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decodeErrors.WithLabelValues(SourceIngress)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.dropped.WithLabelValues(ReasonQueueFull)))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.requests.WithLabelValues("get_position", "ok")))
}

func TestConnectionStateIsExclusive(t *testing.T) {
	p := NewPrometheus()

	p.ConnectionState("connecting")
	p.ConnectionState("open")

	assert.Equal(t, 0.0, testutil.ToFloat64(p.connectionState.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connectionState.WithLabelValues("open")))
}

func TestServeExposesRegistry(t *testing.T) {
	p := NewPrometheus()
	p.EnvelopeSent("state_change")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.serve(ctx, ln, "/metrics") }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `simbridge_envelopes_sent_total{kind="state_change"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))
	p := NewPrometheus()
	assert.Same(t, p, OrNop(p))
}
