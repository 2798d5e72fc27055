// Package metrics exposes Prometheus collectors for the dispatcher and the
// workers.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	tasksTotal                 *prometheus.CounterVec
	poolActiveSessions         prometheus.Gauge
	poolWaitSeconds            prometheus.Histogram
	cacheLookupsTotal          *prometheus.CounterVec
	llmCallsTotal              *prometheus.CounterVec
	pageLoadsTotal             *prometheus.CounterVec
	enqueuedTasksTotal         *prometheus.CounterVec
	searchHitsTotal            *prometheus.CounterVec
	streamItemsTotal           *prometheus.CounterVec
	rateLimitedTotal           *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "productstream_tasks_total",
				Help: "Product detail tasks handled by workers, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		poolActiveSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "productstream_pool_active_sessions",
				Help: "Browser sessions currently holding a pool slot.",
			},
		)

		poolWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "productstream_pool_wait_seconds",
				Help:    "Time spent waiting for a pool slot.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 180},
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "productstream_cache_lookups_total",
				Help: "Cache reads, labeled by cache family and result.",
			},
			[]string{"cache", "result"},
		)

		llmCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "productstream_llm_calls_total",
				Help: "Natural language extraction calls, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		pageLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "productstream_page_loads_total",
				Help: "Browser navigations, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		enqueuedTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "productstream_enqueued_tasks_total",
				Help: "Tasks handed to the task queue, labeled by source.",
			},
			[]string{"source"},
		)

		searchHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "productstream_search_hits_total",
				Help: "Items discovered by live searches, labeled by source.",
			},
			[]string{"source"},
		)

		streamItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "productstream_stream_items_total",
				Help: "Reply stream records delivered to readers, labeled by record type.",
			},
			[]string{"type"},
		)

		rateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "productstream_rate_limited_total",
				Help: "Requests rejected by the per-source rate limiter.",
			},
			[]string{"source"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask counts one finished task.
func ObserveTask(source, outcome string) {
	Init()
	tasksTotal.WithLabelValues(source, outcome).Inc()
}

// IncActiveSessions increments the active sessions gauge.
func IncActiveSessions() {
	Init()
	poolActiveSessions.Inc()
}

// DecActiveSessions decrements the active sessions gauge.
func DecActiveSessions() {
	Init()
	poolActiveSessions.Dec()
}

// ObservePoolWait records how long a caller queued for a slot.
func ObservePoolWait(d time.Duration) {
	Init()
	poolWaitSeconds.Observe(d.Seconds())
}

// ObserveCacheLookup counts a cache read. hit selects the result label.
func ObserveCacheLookup(cache string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// ObserveLLMCall counts an extraction call; outcome is ok, error or timeout.
func ObserveLLMCall(kind, outcome string) {
	Init()
	llmCallsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObservePageLoad counts a navigation to rawURL.
func ObservePageLoad(rawURL, status string) {
	Init()
	pageLoadsTotal.WithLabelValues(SanitizeSite(rawURL), status).Inc()
}

// ObserveEnqueued counts one task handed to the queue.
func ObserveEnqueued(source string) {
	Init()
	enqueuedTasksTotal.WithLabelValues(source).Inc()
}

// ObserveSearchHits counts n discovered items.
func ObserveSearchHits(source string, n int) {
	Init()
	if n > 0 {
		searchHitsTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveStreamItem counts one record delivered by a reader.
func ObserveStreamItem(recordType string) {
	Init()
	streamItemsTotal.WithLabelValues(recordType).Inc()
}

// ObserveRateLimited counts one request rejected for source.
func ObserveRateLimited(source string) {
	Init()
	rateLimitedTotal.WithLabelValues(source).Inc()
}
