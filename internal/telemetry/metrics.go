package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks query outcomes on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry        *prometheus.Registry
	queries         *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	persistFailures prometheus.Counter
	sessionLaunches *prometheus.CounterVec
}

// NewMetrics registers the query collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pplx_queries_total",
			Help: "Queries answered, by answer source (live or fallback).",
		}, []string{"source"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pplx_query_duration_seconds",
			Help:    "Wall time spent per query including settle waits.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"source"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pplx_persist_failures_total",
			Help: "Responses that could not be written to the data directory.",
		}),
		sessionLaunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pplx_browser_launches_total",
			Help: "Browser session launch attempts, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.queries, m.duration, m.persistFailures, m.sessionLaunches)
	return m
}

func (m *Metrics) ObserveQuery(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(source).Inc()
	m.duration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) SessionLaunched(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sessionLaunches.WithLabelValues(result).Inc()
}

// Gatherer exposes the registry for scraping or export.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// WriteTextfile writes the current values in Prometheus text format, suitable
// for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Gatherer()); err != nil {
		return fmt.Errorf("metrics textfile %s: %w", path, err)
	}
	return nil
}
