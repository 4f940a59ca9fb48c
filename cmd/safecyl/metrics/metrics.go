// Package metrics provides Prometheus metrics instrumentation for the SafeCyl
// service.
//
// Metrics exposed:
//   - safecyl_ingest_total: Counter of ingestion cycles by outcome
//   - safecyl_ingest_duration_seconds: Histogram of ingestion cycle duration
//   - safecyl_bridge_read_seconds: Histogram of live snapshot read duration
//   - safecyl_store_operation_seconds: Histogram of storage operation duration
//   - safecyl_stored_readings: Gauge of the stored reading count
//   - safecyl_http_requests_total: Counter of HTTP requests by route and status
//   - safecyl_http_request_duration_seconds: Histogram of HTTP latency
//   - safecyl_errors_total: Counter of errors by component and reason
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safecyl/safecyl/pkg/httpx"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	IngestTotal           *prometheus.CounterVec
	IngestDurationSeconds prometheus.Histogram
	BridgeReadSeconds     *prometheus.HistogramVec
	StoreOperationSeconds *prometheus.HistogramVec
	StoredReadings        prometheus.Gauge
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestSeconds    *prometheus.HistogramVec
	ErrorsTotal           *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates and registers all metrics with reg. A nil reg uses the
// default Prometheus registry.
func New(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		IngestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safecyl_ingest_total",
			Help: "Ingestion cycles by outcome",
		}, []string{"outcome"}),

		IngestDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "safecyl_ingest_duration_seconds",
			Help:    "Time spent on one ingestion cycle",
			Buckets: prometheus.DefBuckets,
		}),

		BridgeReadSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safecyl_bridge_read_seconds",
			Help:    "Time spent reading the live snapshot",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),

		StoreOperationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safecyl_store_operation_seconds",
			Help:    "Time spent in storage operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "result"}),

		StoredReadings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "safecyl_stored_readings",
			Help: "Number of stored readings as of the last ingestion",
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safecyl_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"route", "method", "status"}),

		HTTPRequestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safecyl_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "safecyl_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),

		gatherer: gatherer,
	}
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordIngest records the outcome and duration of an ingestion cycle.
func (m *Metrics) RecordIngest(outcome string, seconds float64) {
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestDurationSeconds.Observe(seconds)
}

// RecordBridgeRead records the time spent reading the live snapshot.
func (m *Metrics) RecordBridgeRead(source string, seconds float64) {
	m.BridgeReadSeconds.WithLabelValues(source).Observe(seconds)
}

// SetStoredReadings sets the stored reading count.
func (m *Metrics) SetStoredReadings(n uint64) {
	m.StoredReadings.Set(float64(n))
}

// RecordStoreOp records one storage operation.
func (m *Metrics) RecordStoreOp(op string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOperationSeconds.WithLabelValues(op, result).Observe(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}

// HTTPMiddleware counts and times requests by route.
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := httpx.NewStatusRecorder(w)

			next.ServeHTTP(rec, r)

			route := RouteLabel(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.Status())).Inc()
			m.HTTPRequestSeconds.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// RouteLabel maps a request path to a bounded label value.
func RouteLabel(path string) string {
	switch path {
	case "/":
		return "index"
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/sensor":
		return "sensor"
	case "/api/ping":
		return "api_ping"
	case "/api/echo":
		return "api_echo"
	case "/api/ingest":
		return "api_ingest"
	case "/api/history":
		return "api_history"
	case "/api/rollups/hourly":
		return "api_rollups_hourly"
	case "/api/rollups/daily":
		return "api_rollups_daily"
	default:
		return "other"
	}
}
