// Package metrics exposes Prometheus collectors for the query pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	validatorVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ensembleql_validator_verdicts_total",
			Help: "Validation verdicts by outcome and rejection reason.",
		},
		[]string{"outcome", "reason"},
	)

	poolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ensembleql_pool_connections",
			Help: "Current database connections by state.",
		},
		[]string{"state"},
	)
	poolAcquireWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ensembleql_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a connection lease.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)
	poolExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ensembleql_pool_exhausted_total",
			Help: "Acquire attempts that timed out on a saturated pool.",
		},
	)
	poolDiscardsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ensembleql_pool_discards_total",
			Help: "Connections closed instead of returned to the idle set.",
		},
	)

	executorDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ensembleql_executor_duration_seconds",
			Help:    "Statement execution latency by outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	executorTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ensembleql_executor_truncated_total",
			Help: "Results cut at the row cap.",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ensembleql_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		validatorVerdictsTotal,
		poolConnections,
		poolAcquireWaitSeconds,
		poolExhaustedTotal,
		poolDiscardsTotal,
		executorDurationSeconds,
		executorTruncatedTotal,
		httpRequestsTotal,
	)
}

// ObserveVerdict counts a validation outcome. reason is empty for accepts.
func ObserveVerdict(reason string) {
	if reason == "" {
		validatorVerdictsTotal.WithLabelValues("accepted", "").Inc()
		return
	}
	validatorVerdictsTotal.WithLabelValues("rejected", reason).Inc()
}

func SetPoolConnections(idle, inUse, dialing int) {
	poolConnections.WithLabelValues("idle").Set(float64(idle))
	poolConnections.WithLabelValues("in_use").Set(float64(inUse))
	poolConnections.WithLabelValues("dialing").Set(float64(dialing))
}

func ObserveAcquireWait(elapsed time.Duration) {
	poolAcquireWaitSeconds.Observe(elapsed.Seconds())
}

func IncrementPoolExhausted() {
	poolExhaustedTotal.Inc()
}

func IncrementPoolDiscards() {
	poolDiscardsTotal.Inc()
}

// ObserveExecution records one statement. outcome is one of ok, truncated,
// timeout, canceled, error.
func ObserveExecution(outcome string, elapsed time.Duration) {
	executorDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome == "truncated" {
		executorTruncatedTotal.Inc()
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(recorder.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
