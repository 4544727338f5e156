// Package metrics exposes Prometheus collectors for the ingestion engine.
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
	ingestItemsTotal           *prometheus.CounterVec
	ingestFetchDurationSeconds *prometheus.HistogramVec
	ingestBytesTotal           *prometheus.CounterVec
	ingestDeadLinksTotal       *prometheus.CounterVec
	ingestWorkers              prometheus.Gauge
	ingestQueueDepth           prometheus.Gauge
	ingestRateLimitDelays      *prometheus.HistogramVec
	ingestScaleEventsTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Work items processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		ingestFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by source and kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source", "kind"},
		)

		ingestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_bytes_total",
				Help: "Total number of bytes fetched, labeled by source.",
			},
			[]string{"source"},
		)

		ingestDeadLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_dead_links_total",
				Help: "Dead-link escalations, labeled by source and error type.",
			},
			[]string{"source", "error_type"},
		)

		ingestWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_workers",
				Help: "Number of live scheduler workers.",
			},
		)

		ingestQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_queue_depth",
				Help: "Total pending work items across all sources.",
			},
		)

		ingestRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of per-source rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		ingestScaleEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_scale_events_total",
				Help: "Autoscaler decisions, labeled by direction.",
			},
			[]string{"direction"},
		)

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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveItem counts one finished work item.
func ObserveItem(source, outcome string) {
	Init()
	ingestItemsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetch records fetch latency and payload size.
func ObserveFetch(source, kind string, duration time.Duration, bytesFetched int) {
	Init()
	ingestFetchDurationSeconds.WithLabelValues(source, kind).Observe(duration.Seconds())
	if bytesFetched > 0 {
		ingestBytesTotal.WithLabelValues(source).Add(float64(bytesFetched))
	}
}

// ObserveDeadLink counts a dead-link escalation.
func ObserveDeadLink(source, errorType string) {
	Init()
	ingestDeadLinksTotal.WithLabelValues(source, errorType).Inc()
}

// SetWorkers sets the live worker gauge.
func SetWorkers(n int) {
	Init()
	ingestWorkers.Set(float64(n))
}

// SetQueueDepth sets the pending work gauge.
func SetQueueDepth(n int) {
	Init()
	ingestQueueDepth.Set(float64(n))
}

// ObserveScale counts an autoscaler decision ("up" or "down").
func ObserveScale(direction string) {
	Init()
	ingestScaleEventsTotal.WithLabelValues(direction).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	ingestRateLimitDelays.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
