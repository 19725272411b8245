// Package metrics exposes Prometheus collectors for the service layer.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
)

const namespace = "memelearn"

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
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by outcome (fresh, stale, miss).",
		},
		[]string{"status"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream provider calls by outcome code.",
		},
		[]string{"provider", "operation", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"provider", "operation"},
	)

	staleFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "stale_fallbacks_total",
			Help:      "Reads answered from expired cache entries after an upstream failure.",
		},
		[]string{"operation"},
	)

	governorWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time calls spent waiting for a rate window slot.",
			Buckets:   []float64{0, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "refreshes_total",
			Help:      "Category refreshes by resulting status.",
		},
		[]string{"category", "status"},
	)

	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "mutations_total",
			Help:      "Trades, votes and content generations by outcome code.",
		},
		[]string{"action", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		cacheLookups,
		upstreamRequests,
		upstreamDuration,
		staleFallbacks,
		governorWait,
		refreshes,
		mutations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Paths are labelled by their mux route template to keep cardinality bounded.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := routePath(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordCacheLookup counts one cache lookup.
func RecordCacheLookup(status string) {
	cacheLookups.WithLabelValues(status).Inc()
}

// RecordUpstreamRequest counts one provider call, labelled by error code.
func RecordUpstreamRequest(provider, operation string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(svcerrors.CodeOf(err)))
	}
	upstreamRequests.WithLabelValues(provider, operation, outcome).Inc()
	upstreamDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordStaleFallback counts a read served from the stale tier.
func RecordStaleFallback(operation string) {
	staleFallbacks.WithLabelValues(operation).Inc()
}

// ObserveGovernorWait records how long a call waited for admission.
func ObserveGovernorWait(provider string, waited time.Duration) {
	governorWait.WithLabelValues(provider).Observe(waited.Seconds())
}

// RecordRefresh counts a category refresh.
func RecordRefresh(category, status string) {
	refreshes.WithLabelValues(category, status).Inc()
}

// RecordMutation counts a state-changing action.
func RecordMutation(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(svcerrors.CodeOf(err)))
	}
	mutations.WithLabelValues(action, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
