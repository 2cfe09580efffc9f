package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskledger"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	authorizationDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authorization",
			Name:      "decisions_total",
			Help:      "Authorization decisions by reason.",
		},
		[]string{"reason", "approved"},
	)

	authorizationCommitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authorization",
			Name:      "commit_failures_total",
			Help:      "Authorization attempts whose side effects could not be committed.",
		},
	)

	rotationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "institutions_total",
			Help:      "Per-institution secret code rotations by result.",
		},
		[]string{"result"},
	)

	rotationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rotation",
			Name:      "run_duration_seconds",
			Help:      "Duration of a full rotation pass over all institutions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	counterResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "counters",
			Name:      "reset_checks_total",
			Help:      "Daily counter reset checks by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		authorizationDecisions,
		authorizationCommitFailures,
		rotationRuns,
		rotationDuration,
		counterResets,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// TrackInFlight increments the in-flight gauge and returns the matching
// decrement.
func TrackInFlight() func() {
	httpInFlight.Inc()
	return httpInFlight.Dec
}

// RecordHTTPRequest records one served request. path should be a route
// template so label cardinality stays bounded.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDecision counts an evaluated authorization.
func RecordDecision(reason string, approved bool) {
	authorizationDecisions.WithLabelValues(reason, strconv.FormatBool(approved)).Inc()
}

// RecordCommitFailure counts an authorization that could not be persisted.
func RecordCommitFailure() {
	authorizationCommitFailures.Inc()
}

// RecordRotation records the outcome of one rotation pass.
func RecordRotation(rotated, failed int, duration time.Duration) {
	rotationRuns.WithLabelValues("rotated").Add(float64(rotated))
	rotationRuns.WithLabelValues("failed").Add(float64(failed))
	rotationDuration.Observe(duration.Seconds())
}

// RecordResetCheck records a MaybeReset call. outcome is one of "reset",
// "initialized", "skipped" or "error".
func RecordResetCheck(outcome string) {
	counterResets.WithLabelValues(outcome).Inc()
}
