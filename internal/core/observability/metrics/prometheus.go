package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "simbridge"

// Prometheus is a Recorder backed by its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	sent            *prometheus.CounterVec
	received        *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	connectionState *prometheus.GaugeVec
	reconnects      prometheus.Counter
	requests        *prometheus.CounterVec

	stateMu sync.Mutex
	state   string
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes written to the outbound connection",
		}, []string{"kind"}),
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes decoded from the network",
		}, []string{"source", "kind"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames that could not be decoded",
		}, []string{"source"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped without delivery",
		}, []string{"reason"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Envelopes waiting in the outbound queue",
		}),
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current outbound connection state",
		}, []string{"state"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Outbound connection attempts after the first",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Request/response exchanges by type and status",
		}, []string{"type", "status"}),
	}
}

func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) EnvelopeSent(kind string) {
	p.sent.WithLabelValues(kind).Inc()
}

func (p *Prometheus) EnvelopeReceived(source, kind string) {
	p.received.WithLabelValues(source, kind).Inc()
}

func (p *Prometheus) DecodeError(source string) {
	p.decodeErrors.WithLabelValues(source).Inc()
}

func (p *Prometheus) EnvelopeDropped(reason string) {
	p.dropped.WithLabelValues(reason).Inc()
}

func (p *Prometheus) QueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *Prometheus) ConnectionState(state string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.state != "" {
		p.connectionState.WithLabelValues(p.state).Set(0)
	}
	p.connectionState.WithLabelValues(state).Set(1)
	p.state = state
}

func (p *Prometheus) Reconnect() {
	p.reconnects.Inc()
}

func (p *Prometheus) Request(requestType, status string) {
	p.requests.WithLabelValues(requestType, status).Inc()
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Serve exposes the registry on address until ctx is done. Bind errors are
// returned immediately.
func (p *Prometheus) Serve(ctx context.Context, address, path string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return p.serve(ctx, ln, path)
}

func (p *Prometheus) serve(ctx context.Context, ln net.Listener, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, p.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
