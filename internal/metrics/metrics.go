// Package metrics exposes Prometheus collectors for the enclave host.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the enclave-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	enclaveRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total number of enclave requests processed.",
		},
		[]string{"operation", "outcome"},
	)

	enclaveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Duration of enclave request processing.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	functionExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "functions",
			Name:      "executions_total",
			Help:      "Total number of function executions.",
		},
		[]string{"status"},
	)

	functionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "functions",
			Name:      "execution_duration_seconds",
			Help:      "Duration of function executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"status"},
	)

	priceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "pricefeed",
			Name:      "fetches_total",
			Help:      "Total number of price source fetches.",
		},
		[]string{"source", "outcome"},
	)

	oracleSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "pricefeed",
			Name:      "oracle_submissions_total",
			Help:      "Total number of oracle contract submissions.",
		},
		[]string{"outcome"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enclave",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the host.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	Registry.MustRegister(
		enclaveRequests,
		enclaveDuration,
		functionExecutions,
		functionDuration,
		priceFetches,
		oracleSubmissions,
		httpInFlight,
		httpRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRequest records one dispatched enclave request.
func RecordRequest(operation, outcome string, duration time.Duration) {
	if operation == "" {
		operation = "unknown"
	}
	enclaveRequests.WithLabelValues(operation, outcome).Inc()
	enclaveDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFunctionExecution records one function run.
func RecordFunctionExecution(status string, duration time.Duration) {
	functionExecutions.WithLabelValues(status).Inc()
	functionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPriceFetch records one (source, symbol) fetch attempt.
func RecordPriceFetch(source, outcome string) {
	if source == "" {
		source = "unknown"
	}
	priceFetches.WithLabelValues(source, outcome).Inc()
}

// RecordOracleSubmission records one oracle contract submission.
func RecordOracleSubmission(outcome string) {
	oracleSubmissions.WithLabelValues(outcome).Inc()
}

// InstrumentHandler wraps next with HTTP request metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
