package registry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/toolhub/execution"
	"github.com/jonwraymond/toolhub/index"
)

const metricsNamespace = "toolhub"

type metrics struct {
	registry *prometheus.Registry

	invocations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	revision      prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_total",
			Help:      "Finished tool invocations by backend and outcome kind.",
		}, []string{"backend", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "invocation_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "List-changed notification deliveries by result.",
		}, []string{"result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "index_mutations_total",
			Help:      "Index changes by type.",
		}, []string{"type"}),
		revision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "index_revision",
			Help:      "Current global index revision.",
		}),
	}
	m.registry.MustRegister(
		m.invocations,
		m.duration,
		m.notifications,
		m.mutations,
		m.revision,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// registerGauges exposes live counts read from the registry at scrape time.
func (m *metrics) registerGauges(r *Registry) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "index_tools",
			Help:      "Registered tools.",
		}, func() float64 { return float64(r.index.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Connected sessions.",
		}, func() float64 { return float64(r.sessions.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_in_flight",
			Help:      "Unfinished tool invocations.",
		}, func() float64 { return float64(r.coord.InFlight()) }),
	)
}

func (m *metrics) observeChange(ev index.ChangeEvent) {
	m.mutations.WithLabelValues(ev.Type.String()).Inc()
	m.revision.Set(float64(ev.Revision))
}

func (m *metrics) observeOutcome(o execution.Outcome) {
	outcome := string(o.Kind)
	if outcome == "" {
		outcome = "ok"
	}
	m.invocations.WithLabelValues(o.Backend, outcome).Inc()
	m.duration.WithLabelValues(o.Backend).Observe(o.Duration.Seconds())
}

func (m *metrics) observeDelivery(_ string, _ uint64, err error) {
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
