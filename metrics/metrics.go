// Package metrics exposes server counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "tilenet"

// Rejection reasons.
const (
	ReasonStopping  = "stopping"
	ReasonCapacity  = "capacity"
	ReasonThrottled = "throttled"
	ReasonSetup     = "setup"
)

// Metrics holds the server's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	active        prometheus.Gauge
	accepted      prometheus.Counter
	rejected      *prometheus.CounterVec
	faults        prometheus.Counter
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
	overflows     prometheus.Counter
}

// New registers the collectors with reg.
//
// Parameters:
//   - reg: Registry to register with
//   - namespace: Metric name prefix; empty means DefaultNamespace
//
// Returns:
//   - The Metrics
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of client connections currently held by the listener",
		}),
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of client connections set up",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of accepted sockets closed without serving them",
		}, []string{"reason"}),
		faults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_faults_total",
			Help:      "Total number of client connections that hit an I/O error",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes handed to client sockets",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from client sockets",
		}),
		overflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_overflows_total",
			Help:      "Total number of screen updates abandoned for a full redraw",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.active.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectionFault() {
	if m == nil {
		return
	}
	m.faults.Inc()
}

func (m *Metrics) BytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) RenderOverflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

// Handler serves /metrics from g and a /healthz liveness probe.
//
// Parameters:
//   - g: Where metrics are gathered from
//
// Returns:
//   - The HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	return r
}
