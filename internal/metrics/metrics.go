// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	propertiesTotal            *prometheus.CounterVec
	citiesTotal                *prometheus.CounterVec
	wfsRequestsTotal           *prometheus.CounterVec
	sessionRecreationsTotal    prometheus.Counter
	fetchDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		propertiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscraper_properties_total",
				Help: "Total number of property fetches finished, labeled by outcome status.",
			},
			[]string{"status"},
		)

		citiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscraper_cities_total",
				Help: "Total number of city status changes, labeled by the status entered.",
			},
			[]string{"status"},
		)

		wfsRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geoscraper_wfs_requests_total",
				Help: "Total number of WFS requests, labeled by layer and outcome.",
			},
			[]string{"layer", "outcome"},
		)

		sessionRecreationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "geoscraper_session_recreations_total",
				Help: "Total number of fetch sessions discarded and reopened by workers.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoscraper_fetch_duration_seconds",
				Help:    "Histogram of property fetch latencies, labeled by backend.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"backend"},
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "geoscraper_active_workers",
				Help: "Number of scrape workers currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geoscraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProperty counts a finished property fetch.
func ObserveProperty(status string) {
	Init()
	propertiesTotal.WithLabelValues(status).Inc()
}

// ObserveCity counts a city entering status.
func ObserveCity(status string) {
	Init()
	citiesTotal.WithLabelValues(status).Inc()
}

// ObserveWFSRequest counts one WFS request against layer.
func ObserveWFSRequest(layer, outcome string) {
	Init()
	wfsRequestsTotal.WithLabelValues(layer, outcome).Inc()
}

// ObserveSessionRecreation counts a discarded and reopened fetch session.
func ObserveSessionRecreation() {
	Init()
	sessionRecreationsTotal.Inc()
}

// ObserveFetch records the latency of one property fetch.
func ObserveFetch(backend string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
