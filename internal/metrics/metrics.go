// Package metrics holds the Prometheus instruments of the feedback pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton registered on the default registry
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for report processing
type Metrics struct {
	// Report metrics
	ReportsTotal      *prometheus.CounterVec
	ReportDuration    prometheus.Histogram
	ClassifiedTotal   *prometheus.CounterVec
	FallbacksTotal    prometheus.Counter
	DecisionsTotal    *prometheus.CounterVec
	SuppressedTotal   *prometheus.CounterVec
	SuppressionsSwept prometheus.Counter
	Unsuppressed      prometheus.Counter

	// Complaint metrics
	ComplaintsTotal         *prometheus.CounterVec
	CollaboratorErrorsTotal *prometheus.CounterVec

	// Store metrics
	StoreErrorsTotal *prometheus.CounterVec

	registry prometheus.Gatherer
}

// GetMetrics returns the singleton registered on prometheus.DefaultRegisterer
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = New(prometheus.DefaultRegisterer)
		metricsInstance.registry = prometheus.DefaultGatherer
	})
	return metricsInstance
}

// NewForTest returns metrics on a private registry
func NewForTest() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.registry = reg
	return m, reg
}

// New creates and registers all metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bounced_reports_total",
			Help: "Total number of reports processed by kind and result",
		}, []string{"kind", "result"}),
		ReportDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bounced_report_duration_seconds",
			Help:    "Time taken to process one report",
			Buckets: prometheus.DefBuckets,
		}),
		ClassifiedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bounced_classifications_total",
			Help: "Total number of status code classifications",
		}, []string{"category", "subcategory"}),
		FallbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bounced_classification_fallbacks_total",
			Help: "Total number of unparseable status codes classified by fallback",
		}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bounced_retry_decisions_total",
			Help: "Total number of retry decisions",
		}, []string{"decision"}),
		SuppressedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bounced_suppressions_total",
			Help: "Total number of suppression entries written",
		}, []string{"reason"}),
		SuppressionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "bounced_suppressions_removed_total",
			Help: "Total number of expired suppression entries removed",
		}),
		Unsuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "bounced_manual_unsuppressions_total",
			Help: "Total number of suppression entries removed by an operator",
		}),
		ComplaintsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bounced_complaints_total",
			Help: "Total number of complaints processed",
		}, []string{"feedback_type"}),
		CollaboratorErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bounced_collaborator_errors_total",
			Help: "Total number of reputation or alert sink failures",
		}, []string{"sink"}),
		StoreErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bounced_store_errors_total",
			Help: "Total number of failed store operations",
		}, []string{"op"}),
	}
}

// TrackReport times f and counts its outcome under kind
func (m *Metrics) TrackReport(kind string, f func() error) error {
	startTime := time.Now()

	err := f()

	m.ReportDuration.Observe(time.Since(startTime).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReportsTotal.WithLabelValues(kind, result).Inc()

	return err
}

// Handler serves the registry these metrics were registered on
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
