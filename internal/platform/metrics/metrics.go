package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline's Prometheus collectors on a private
// registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ResultsProcessed   *prometheus.CounterVec
	CriticalAlerts     prometheus.Counter
	ReflexOrders       prometheus.Counter
	StageErrors        *prometheus.CounterVec
	QCViolations       *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
}

// New builds and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ResultsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lims",
			Name:      "results_processed_total",
			Help:      "Lab results processed through the pipeline, by interpreted status.",
		}, []string{"status"}),
		CriticalAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lims",
			Name:      "critical_alerts_total",
			Help:      "Critical-value alerts raised.",
		}),
		ReflexOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lims",
			Name:      "reflex_orders_total",
			Help:      "Reflex follow-up orders generated.",
		}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lims",
			Name:      "pipeline_stage_errors_total",
			Help:      "Recoverable pipeline stage failures, by stage.",
		}, []string{"step"}),
		QCViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lims",
			Name:      "qc_violations_total",
			Help:      "Westgard rule violations, by rule.",
		}, []string{"rule"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lims",
			Name:      "result_processing_seconds",
			Help:      "Wall time spent processing one result through all stages.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.ResultsProcessed,
		m.CriticalAlerts,
		m.ReflexOrders,
		m.StageErrors,
		m.QCViolations,
		m.ProcessingDuration,
	)
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
