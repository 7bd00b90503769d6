package eventbus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes bus activity as Prometheus collectors, mirroring the
// nil-receiver-is-a-no-op shape used throughout so a caller that never
// configures metrics pays no cost. A nil *Metrics is always safe to call
// methods on.
type Metrics struct {
	registry *prometheus.Registry

	published   *prometheus.CounterVec
	overflowed  *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// NewMetrics builds a fresh registry of bus counters under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "published_total",
		Help:      "Total number of events published, by kind.",
	}, []string{"kind"})

	m.overflowed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "overflowed_total",
		Help:      "Total number of subscriber buffer overflows, by kind of the event dropped.",
	}, []string{"kind"})

	m.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "subscribers",
		Help:      "Number of currently active subscribers.",
	})

	m.registry.MustRegister(m.published, m.overflowed, m.subscribers)
	return m
}

func (m *Metrics) recordPublished(kind Kind) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordOverflow(kind Kind) {
	if m == nil {
		return
	}
	m.overflowed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) subscriberJoined() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) subscriberLeft() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// Handler returns an HTTP handler serving this bus's metrics in the
// Prometheus exposition format, for a caller to mount on its own mux.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
