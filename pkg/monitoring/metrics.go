package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// MetricsCollector handles Prometheus metrics collection for both sync pipelines
type MetricsCollector struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	bundleEntries    prometheus.Histogram

	pollRunsTotal     *prometheus.CounterVec
	pollDroppedTotal  prometheus.Counter
	pollDuration      prometheus.Histogram
	reconciledTotal   *prometheus.CounterVec
	mergedReports     prometheus.Counter
	derivedObsTotal   prometheus.Counter
	dispatchQueueSize prometheus.Gauge
}

// NewMetricsCollector creates the collectors and registers them on reg.
// A nil reg uses a private registry, which keeps tests independent of each other.
func NewMetricsCollector(reg *prometheus.Registry) *MetricsCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &MetricsCollector{
		gatherer: reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_http_requests_total",
				Help: "Total number of operator API requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labsync_http_request_duration_seconds",
				Help:    "Duration of operator API requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_deliveries_total",
				Help: "Outbound lab bundle deliveries by outcome",
			},
			[]string{"outcome"},
		),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labsync_delivery_duration_seconds",
			Help:    "Time to assemble and submit one lab bundle",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		bundleEntries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labsync_bundle_entries",
			Help:    "Number of entries per outbound transaction bundle",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		pollRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_poll_runs_total",
				Help: "Inbound poll runs by status",
			},
			[]string{"status"},
		),
		pollDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labsync_poll_dropped_total",
			Help: "Poll triggers dropped because a run was still active",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labsync_poll_duration_seconds",
			Help:    "Duration of inbound poll runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		reconciledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labsync_reconciled_tasks_total",
				Help: "Remote orders reconciled into local state by result",
			},
			[]string{"result"},
		),
		mergedReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labsync_merged_reports_total",
			Help: "Remote diagnostic reports copied into local state",
		}),
		derivedObsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labsync_derived_observations_total",
			Help: "Derived viral load observations created locally",
		}),
		dispatchQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labsync_dispatch_in_flight",
			Help: "Outbound dispatches queued or running",
		}),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesTotal,
		m.deliveryDuration,
		m.bundleEntries,
		m.pollRunsTotal,
		m.pollDroppedTotal,
		m.pollDuration,
		m.reconciledTotal,
		m.mergedReports,
		m.derivedObsTotal,
		m.dispatchQueueSize,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDelivery records the outcome of one outbound dispatch
func (m *MetricsCollector) RecordDelivery(outcome types.DeliveryOutcome, entries int, duration time.Duration) {
	m.deliveriesTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == types.DeliverySkipped {
		return
	}
	m.deliveryDuration.Observe(duration.Seconds())
	if entries > 0 {
		m.bundleEntries.Observe(float64(entries))
	}
}

// RecordPollRun records one poll run; status is "success" or "error"
func (m *MetricsCollector) RecordPollRun(status string, duration time.Duration) {
	m.pollRunsTotal.WithLabelValues(status).Inc()
	m.pollDuration.Observe(duration.Seconds())
}

// RecordPollDropped counts a trigger that arrived while a run was active
func (m *MetricsCollector) RecordPollDropped() {
	m.pollDroppedTotal.Inc()
}

// RecordReconciled counts one remote order handled by the reconciler
func (m *MetricsCollector) RecordReconciled(result types.ReconcileResult) {
	m.reconciledTotal.WithLabelValues(string(result)).Inc()
}

// RecordMergedReport counts one remote report copied locally
func (m *MetricsCollector) RecordMergedReport() {
	m.mergedReports.Inc()
}

// RecordDerivedObservations counts derived observations created locally
func (m *MetricsCollector) RecordDerivedObservations(n int) {
	m.derivedObsTotal.Add(float64(n))
}

// DispatchQueued adjusts the in-flight dispatch gauge
func (m *MetricsCollector) DispatchQueued(delta int) {
	m.dispatchQueueSize.Add(float64(delta))
}

// Handler returns the Prometheus metrics handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
